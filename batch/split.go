package batch

import (
	"fmt"
	"iter"

	"github.com/pior/apmrouter/wire"
)

// Chunk is an independently decodable frame holding part of a batch.
type Chunk struct {
	op    wire.OpCode
	count int
	data  []byte
}

// Bytes returns the complete frame, header included. The chunk owns it.
func (c *Chunk) Bytes() []byte       { return c.data }
func (c *Chunk) Len() int            { return c.count }
func (c *Chunk) Size() int           { return len(c.data) }
func (c *Chunk) OpCode() wire.OpCode { return c.op }

// Split returns a splitter producing chunks of at most maxChunkSize bytes.
// The batch must not be modified while the splitter is in use.
func (b *Batch) Split(maxChunkSize int) (*Splitter, error) {
	if b.released {
		return nil, ErrUseAfterRelease
	}
	if maxChunkSize <= HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, maxChunkSize)
	}
	return &Splitter{batch: b, max: maxChunkSize}, nil
}

// Splitter walks a batch once, packing consecutive records greedily into
// chunks. Records that cannot fit any chunk are skipped and counted.
type Splitter struct {
	batch   *Batch
	max     int
	next    int
	dropped int
	err     error
}

// Next returns the next chunk, or false when the batch is exhausted or the
// batch was released.
func (s *Splitter) Next() (*Chunk, bool) {
	if s.err != nil {
		return nil, false
	}
	b := s.batch
	if b.released {
		s.err = ErrUseAfterRelease
		return nil, false
	}

	var records [][]byte
	size := HeaderSize
	for ; s.next < len(b.ends); s.next++ {
		rec := b.record(s.next)
		if HeaderSize+len(rec) > s.max {
			s.dropped++
			continue
		}
		if size+len(rec) > s.max {
			break
		}
		records = append(records, rec)
		size += len(rec)
	}

	if len(records) == 0 {
		return nil, false
	}

	data := make([]byte, 0, size)
	data = Header{Op: b.op, Count: uint32(len(records))}.AppendTo(data)
	for _, rec := range records {
		data = append(data, rec...)
	}
	return &Chunk{op: b.op, count: len(records), data: data}, true
}

// All returns the remaining chunks as an iterator.
func (s *Splitter) All() iter.Seq[*Chunk] {
	return func(yield func(*Chunk) bool) {
		for {
			c, ok := s.Next()
			if !ok || !yield(c) {
				return
			}
		}
	}
}

// Dropped returns the number of records skipped because they were larger
// than a chunk. It is final once Next has returned false.
func (s *Splitter) Dropped() int {
	return s.dropped
}

// Err returns ErrUseAfterRelease if the batch was released mid-split.
func (s *Splitter) Err() error {
	return s.err
}
