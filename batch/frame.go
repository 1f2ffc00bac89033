package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pior/apmrouter/wire"
)

// Header starts every frame. For sample frames Count is the number of
// records; for control frames (ping, confirmations) it is the payload length
// or the confirmed count.
type Header struct {
	Op    wire.OpCode
	Count uint32
}

// AppendTo appends the encoded header to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = append(dst, h.Op.Byte())
	return binary.BigEndian.AppendUint32(dst, h.Count)
}

// ParseHeader decodes the header at the start of b. An unknown opcode is
// returned as *wire.InvalidOpCodeError.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &wire.CodecError{Kind: wire.Truncated, Field: "header"}
	}
	op, err := wire.DecodeByte(b[0])
	if err != nil {
		return Header{}, err
	}
	return Header{Op: op, Count: binary.BigEndian.Uint32(b[1:HeaderSize])}, nil
}

// ReadHeader reads one header from r. It returns io.EOF only when r ends
// before the first byte.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, &wire.CodecError{Kind: wire.Truncated, Field: "header"}
		}
		return Header{}, err
	}
	return ParseHeader(b[:])
}

// DecodeFrame decodes a complete sample frame.
func DecodeFrame(b []byte, resolver wire.Resolver) (wire.OpCode, []wire.Sample, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return 0, nil, err
	}

	body := b[HeaderSize:]
	if limit := len(body) / wire.MinRecordSize; int(h.Count) > limit {
		return 0, nil, &wire.CodecError{Kind: wire.Malformed, Field: "header",
			Err: fmt.Errorf("count %d cannot fit in %d bytes", h.Count, len(body))}
	}

	samples := make([]wire.Sample, 0, h.Count)
	for range h.Count {
		s, n, err := wire.DecodeNext(body, resolver)
		if err != nil {
			return 0, nil, err
		}
		samples = append(samples, s)
		body = body[n:]
	}
	if len(body) > 0 {
		return 0, nil, &wire.CodecError{Kind: wire.Malformed, Field: "frame",
			Err: fmt.Errorf("%d trailing bytes", len(body))}
	}

	return h.Op, samples, nil
}

// ReadSamples decodes the records of a frame whose header was already read,
// calling fn for each one.
func ReadSamples(dec *wire.Decoder, h Header, fn func(wire.Sample)) error {
	for range h.Count {
		s, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &wire.CodecError{Kind: wire.Truncated, Field: "frame"}
			}
			return err
		}
		fn(s)
	}
	return nil
}
