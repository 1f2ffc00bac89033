package apmrouter

import (
	"context"
	"errors"

	"github.com/pior/apmrouter/batch"
)

var (
	ErrSenderClosed = errors.New("apmrouter: sender closed")
	ErrQueueFull    = errors.New("apmrouter: send queue full")
)

// Sender ships batches to routers.
type Sender interface {
	// Send takes ownership of b and releases it exactly once, whatever the
	// outcome. Chunks may complete after Send returns.
	Send(ctx context.Context, b *batch.Batch) error

	Stats() SenderStats
	Close() error
}

// ChunkWriter writes one chunk and reports the outcome through done, which
// is called exactly once, possibly from another goroutine.
type ChunkWriter interface {
	WriteChunk(chunk []byte, done func(error))
}

// ChunkWriterFunc adapts a function to the ChunkWriter interface.
type ChunkWriterFunc func(chunk []byte, done func(error))

func (f ChunkWriterFunc) WriteChunk(chunk []byte, done func(error)) {
	f(chunk, done)
}

// sendChunks splits b and hands every chunk to w, accounting each sample as
// sent or dropped when its chunk completes. It releases b.
func sendChunks(stats *senderStatsCollector, w ChunkWriter, b *batch.Batch, maxChunkSize int) error {
	defer b.Release()
	stats.recordBatch()
	total := b.Len()

	splitter, err := b.Split(maxChunkSize)
	if err != nil {
		stats.recordDropped(total)
		return err
	}

	sent := 0
	for chunk := range splitter.All() {
		n := chunk.Len()
		sent += n
		w.WriteChunk(chunk.Bytes(), func(err error) {
			stats.recordChunk(n, err)
		})
	}

	stats.recordDropped(splitter.Dropped())
	if err := splitter.Err(); err != nil {
		// Records after the failure point were never split.
		stats.recordDropped(total - sent - splitter.Dropped())
		return err
	}
	return nil
}
