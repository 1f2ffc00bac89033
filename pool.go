package apmrouter

import (
	"context"
	"errors"
	"time"
)

var ErrPoolClosed = errors.New("apmrouter: pool closed")

// Resource is a pooled connection checked out of a Pool.
type Resource interface {
	Value() *Connection

	// Release returns the connection to the pool and marks it used.
	Release()

	// ReleaseUnused returns the connection without touching its idle time.
	ReleaseUnused()

	// Destroy closes the connection and frees its slot.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// Pool holds the connections to one router.
type Pool interface {
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle checks out every idle connection, for health checks.
	AcquireAllIdle() []Resource

	Close()
	Stats() PoolStats
}

// Constructor opens a new connection for a pool.
type Constructor func(ctx context.Context) (*Connection, error)

// PoolFactory builds a pool of at most maxSize connections.
// NewPuddlePool and NewChannelPool are both PoolFactory.
type PoolFactory func(constructor Constructor, maxSize int32) (Pool, error)
