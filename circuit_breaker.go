package apmrouter

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards the writes to one router. The result is the number
// of bytes written.
type CircuitBreaker = gobreaker.CircuitBreaker[int]

// NewCircuitBreakerConfig returns a TCPConfig.NewCircuitBreaker function.
// A breaker opens once at least 3 chunks were written in the interval and
// 60% of them failed.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr string) *CircuitBreaker {
	return func(addr string) *CircuitBreaker {
		return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		})
	}
}
