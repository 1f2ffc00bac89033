// Package batch accumulates encoded samples into frames and splits them into
// chunks that fit a transport's size limit.
//
// A frame is a header followed by records:
//
//	[opcode:1] [count:4, big-endian] [record]...
//
// Whole batches and the chunks split from them share this layout, so every
// chunk decodes on its own with DecodeFrame.
package batch

import (
	"errors"
	"fmt"

	"github.com/pior/apmrouter/wire"
)

// HeaderSize is the size of the frame header.
const HeaderSize = 5

var (
	ErrCapacityExceeded = errors.New("batch: capacity exceeded")
	ErrUseAfterRelease  = errors.New("batch: use after release")
	ErrInvalidChunkSize = errors.New("batch: chunk size cannot hold a frame")
	ErrInvalidMaxSize   = errors.New("batch: max size cannot hold a frame")
)

// Batch is an ordered, append-only sequence of encoded samples.
//
// A batch has a single owner and is not safe for concurrent use. Ownership
// moves with the batch: a sender that receives one releases it.
type Batch struct {
	op      wire.OpCode
	codec   wire.Codec
	key     string
	maxSize int

	buf  []byte // records, back to back
	ends []int  // end offset of each record in buf

	released bool
}

// Option configures a Batch.
type Option func(*Batch)

// WithOpCode sets the frame opcode. Defaults to wire.OpSendMetric.
func WithOpCode(op wire.OpCode) Option {
	return func(b *Batch) { b.op = op }
}

// WithCodec sets the codec used to encode samples. Defaults to
// wire.NativeCodec.
func WithCodec(c wire.Codec) Option {
	return func(b *Batch) { b.codec = c }
}

// WithRoutingKey sets the key senders use to pick a router.
func WithRoutingKey(key string) Option {
	return func(b *Batch) { b.key = key }
}

// New returns an empty batch whose frame never exceeds maxSize bytes.
func New(maxSize int, opts ...Option) (*Batch, error) {
	if maxSize <= HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxSize, maxSize)
	}

	b := &Batch{
		op:      wire.OpSendMetric,
		codec:   wire.NativeCodec,
		maxSize: maxSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Append encodes s at the end of the batch. When the record does not fit,
// ErrCapacityExceeded is returned, the batch is left unchanged and the
// caller should start a new batch.
func (b *Batch) Append(s *wire.Sample) error {
	if b.released {
		return ErrUseAfterRelease
	}

	start := len(b.buf)
	buf, err := b.codec.AppendEncode(b.buf, s)
	if err != nil {
		return err
	}

	if HeaderSize+len(buf) > b.maxSize {
		b.buf = buf[:start]
		return fmt.Errorf("%w: record of %d bytes, %d of %d bytes used",
			ErrCapacityExceeded, len(buf)-start, HeaderSize+start, b.maxSize)
	}

	b.buf = buf
	b.ends = append(b.ends, len(buf))
	return nil
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.ends)
}

// Size returns the size of the frame WireFormat would return.
func (b *Batch) Size() int {
	return HeaderSize + len(b.buf)
}

func (b *Batch) MaxSize() int         { return b.maxSize }
func (b *Batch) OpCode() wire.OpCode { return b.op }
func (b *Batch) RoutingKey() string  { return b.key }
func (b *Batch) Released() bool      { return b.released }

// WireFormat returns the whole batch as one frame.
func (b *Batch) WireFormat() ([]byte, error) {
	if b.released {
		return nil, ErrUseAfterRelease
	}

	out := make([]byte, 0, b.Size())
	out = Header{Op: b.op, Count: uint32(len(b.ends))}.AppendTo(out)
	return append(out, b.buf...), nil
}

// Release frees the batch storage. Every later call except Release and the
// accessors fails with ErrUseAfterRelease.
func (b *Batch) Release() {
	b.released = true
	b.buf = nil
	b.ends = nil
}

// record returns the i-th encoded record.
func (b *Batch) record(i int) []byte {
	start := 0
	if i > 0 {
		start = b.ends[i-1]
	}
	return b.buf[start:b.ends[i]]
}
