// Package coarsetime is a clock refreshed every 50ms by a background
// goroutine. Reading it is a single atomic load, for hot paths where
// millisecond precision is not needed: pool bookkeeping and default sample
// timestamps.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	store(time.Now())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			store(t)
		}
	}()
}

func store(t time.Time) {
	now.Store(&t)
}

// Now returns the time of the last tick.
func Now() time.Time {
	return *now.Load()
}

// UnixMilli returns Now as epoch milliseconds, the sample timestamp unit.
func UnixMilli() int64 {
	return Now().UnixMilli()
}
