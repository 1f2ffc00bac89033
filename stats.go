package apmrouter

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// PoolStats contains the counters of the connection pool of one router.
type PoolStats struct {
	AcquireCount     uint64        // Acquire calls
	AcquireWaitCount uint64        // Acquires that waited for a connection
	AcquireWaitTime  time.Duration // Total time spent waiting
	AcquireErrors    uint64        // Acquires that failed
	CreatedConns     uint64        // Connections dialed
	DestroyedConns   uint64        // Connections closed

	TotalConns  int32 // Idle plus active
	IdleConns   int32
	ActiveConns int32 // Acquired and not yet released
}

// SenderStats counts what a Sender did with the batches it was given.
// Every sample handed to Send ends up in exactly one of Sent or Dropped,
// once the chunk carrying it completed.
type SenderStats struct {
	Batches uint64 // Batches handed to Send
	Chunks  uint64 // Chunks written or attempted
	Sent    uint64 // Samples written successfully
	Dropped uint64 // Samples lost: oversized, unqueueable or failed chunks
	Failed  uint64 // Chunks whose write failed
}

// ServerStats contains the stats of the connections to one router.
type ServerStats struct {
	Addr                 string
	Pool                 PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// poolStatsCollector keeps the PoolStats of the channel pool. The puddle
// pool reads its own counters.
type poolStatsCollector struct {
	acquires  atomic.Uint64
	waits     atomic.Uint64
	waitTime  atomic.Int64
	errors    atomic.Uint64
	created   atomic.Uint64
	destroyed atomic.Uint64
	total     atomic.Int32
	idle      atomic.Int32
	active    atomic.Int32
}

func (c *poolStatsCollector) recordAcquire()      { c.acquires.Add(1) }
func (c *poolStatsCollector) recordAcquireError() { c.errors.Add(1) }

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	c.waits.Add(1)
	c.waitTime.Add(int64(d))
}

func (c *poolStatsCollector) recordCreate() {
	c.created.Add(1)
	c.total.Add(1)
}

func (c *poolStatsCollector) recordDestroy() {
	c.destroyed.Add(1)
	c.total.Add(-1)
}

func (c *poolStatsCollector) recordActivate()   { c.active.Add(1) }
func (c *poolStatsCollector) recordDeactivate() { c.active.Add(-1) }

// recordIdleDestroy is called along recordDestroy for idle connections.
func (c *poolStatsCollector) recordIdleDestroy() { c.idle.Add(-1) }

func (c *poolStatsCollector) recordAcquireFromIdle() {
	c.idle.Add(-1)
	c.active.Add(1)
}

func (c *poolStatsCollector) recordRelease() {
	c.idle.Add(1)
	c.active.Add(-1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		AcquireCount:     c.acquires.Load(),
		AcquireWaitCount: c.waits.Load(),
		AcquireWaitTime:  time.Duration(c.waitTime.Load()),
		AcquireErrors:    c.errors.Load(),
		CreatedConns:     c.created.Load(),
		DestroyedConns:   c.destroyed.Load(),
		TotalConns:       c.total.Load(),
		IdleConns:        c.idle.Load(),
		ActiveConns:      c.active.Load(),
	}
}

type senderStatsCollector struct {
	batches atomic.Uint64
	chunks  atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func (c *senderStatsCollector) recordBatch() { c.batches.Add(1) }

func (c *senderStatsCollector) recordDropped(samples int) {
	c.dropped.Add(uint64(samples))
}

// recordChunk accounts one completed chunk of n samples.
func (c *senderStatsCollector) recordChunk(n int, err error) {
	c.chunks.Add(1)
	if err != nil {
		c.failed.Add(1)
		c.dropped.Add(uint64(n))
		return
	}
	c.sent.Add(uint64(n))
}

func (c *senderStatsCollector) snapshot() SenderStats {
	return SenderStats{
		Batches: c.batches.Load(),
		Chunks:  c.chunks.Load(),
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
		Failed:  c.failed.Load(),
	}
}
