package apmrouter

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a pool backed by puddle. This is the default pool.
func NewPuddlePool(constructor Constructor, maxSize int32) (Pool, error) {
	p := &puddlePool{}

	pool, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := constructor(ctx)
			if err == nil {
				p.created.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Connection) {
			p.destroyed.Add(1)
			_ = c.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

type puddlePool struct {
	pool      *puddle.Pool[*Connection]
	created   atomic.Uint64
	destroyed atomic.Uint64
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	res, err := p.pool.Acquire(ctx)
	if errors.Is(err, puddle.ErrClosedPool) {
		return nil, ErrPoolClosed
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	idle := p.pool.AcquireAllIdle()
	resources := make([]Resource, len(idle))
	for i, res := range idle {
		resources[i] = res
	}
	return resources
}

func (p *puddlePool) Close() {
	p.pool.Close()
}

// Stats maps puddle's counters onto PoolStats. Puddle counts canceled
// acquires, not every failed one.
func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		TotalConns:       s.TotalResources(),
		IdleConns:        s.IdleResources(),
		ActiveConns:      s.AcquiredResources(),
		AcquireCount:     uint64(s.AcquireCount()),
		AcquireWaitCount: uint64(s.EmptyAcquireCount()),
		AcquireWaitTime:  s.EmptyAcquireWaitTime(),
		CreatedConns:     p.created.Load(),
		DestroyedConns:   p.destroyed.Load(),
		AcquireErrors:    uint64(s.CanceledAcquireCount()),
	}
}
