package apmrouter

import (
	"context"
	"sync"
	"time"

	"github.com/pior/apmrouter/internal/coarsetime"
)

// NewChannelPool creates a pool built on a buffered channel of idle
// connections. It allocates less than the puddle pool on the hot path.
func NewChannelPool(constructor Constructor, maxSize int32) (Pool, error) {
	return &channelPool{
		constructor: constructor,
		maxSize:     maxSize,
		idle:        make(chan *channelResource, maxSize),
	}, nil
}

type channelResource struct {
	conn     *Connection
	pool     *channelPool
	created  time.Time
	lastUsed time.Time
}

func (r *channelResource) Value() *Connection { return r.conn }

func (r *channelResource) Release() {
	r.lastUsed = coarsetime.Now()
	r.pool.put(r)
}

func (r *channelResource) ReleaseUnused() {
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	_ = r.conn.Close()
	r.pool.remove()
}

func (r *channelResource) CreationTime() time.Time { return r.created }

func (r *channelResource) IdleDuration() time.Duration {
	return coarsetime.Now().Sub(r.lastUsed)
}

type channelPool struct {
	constructor Constructor
	maxSize     int32

	mu     sync.Mutex
	idle   chan *channelResource
	size   int32
	closed bool

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	select {
	case res := <-p.idle:
		p.stats.recordAcquireFromIdle()
		return res, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stats.recordAcquireError()
		return nil, ErrPoolClosed
	}

	if p.size < p.maxSize {
		p.size++
		p.mu.Unlock()

		conn, err := p.constructor(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			p.stats.recordAcquireError()
			return nil, err
		}

		p.stats.recordCreate()
		p.stats.recordActivate()

		now := coarsetime.Now()
		return &channelResource{conn: conn, pool: p, created: now, lastUsed: now}, nil
	}
	p.mu.Unlock()

	// Full: wait for a release.
	start := time.Now()
	select {
	case res, ok := <-p.idle:
		if !ok {
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}
		p.stats.recordAcquireWait(time.Since(start))
		p.stats.recordAcquireFromIdle()
		return res, nil
	case <-ctx.Done():
		p.stats.recordAcquireError()
		return nil, ctx.Err()
	}
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		_ = res.conn.Close()
		p.size--
		p.stats.recordDestroy()
		p.stats.recordDeactivate()
		return
	}

	// The channel holds maxSize entries so this never blocks.
	p.idle <- res
	p.stats.recordRelease()
}

func (p *channelPool) remove() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	p.stats.recordDestroy()
	p.stats.recordDeactivate()
}

func (p *channelPool) AcquireAllIdle() []Resource {
	var idle []Resource
	for {
		select {
		case res, ok := <-p.idle:
			if !ok {
				return idle
			}
			p.stats.recordAcquireFromIdle()
			idle = append(idle, res)
		default:
			return idle
		}
	}
}

func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	close(p.idle)
	for res := range p.idle {
		_ = res.conn.Close()
		p.size--
		p.stats.recordDestroy()
		p.stats.recordIdleDestroy()
	}
}

func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
