package apmrouter

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pior/apmrouter/batch"
)

const (
	// MaxFrameSize bounds the frames written to a router.
	MaxFrameSize = 65536

	DefaultMaxConnsPerServer = 4
	DefaultTCPWriteTimeout   = 5 * time.Second
)

// TCPConfig configures a TCPSender.
type TCPConfig struct {
	// MaxSize is the maximum number of connections per router.
	// Zero uses DefaultMaxConnsPerServer.
	MaxSize int32

	// MaxFrameSize bounds every frame. Zero uses MaxFrameSize.
	MaxFrameSize int

	// DefaultKey routes batches that have no routing key.
	DefaultKey string

	// WriteTimeout bounds one frame exchange when the context passed to Send
	// has no deadline. Zero uses DefaultTCPWriteTimeout.
	WriteTimeout time.Duration

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are pinged.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// Pool is the connection pool factory. If nil, NewPuddlePool is used.
	Pool PoolFactory

	// SelectServer picks the router for a routing key.
	// If nil, DefaultServerSelector is used.
	SelectServer ServerSelector

	// NewCircuitBreaker creates a circuit breaker for a router.
	// Called once per router address. If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr string) *CircuitBreaker

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// for testing purposes only
	constructor func(addr string) Constructor
}

// serverPool wraps the pool of one router with its circuit breaker.
type serverPool struct {
	addr    string
	pool    Pool
	breaker *CircuitBreaker // nil if not configured
	timeout time.Duration
}

// TCPSender writes batches as frames over pooled connections to a set of
// routers. All the chunks of a batch go to the router selected by the
// batch routing key.
type TCPSender struct {
	servers      Servers
	selectServer ServerSelector
	config       TCPConfig
	logger       *slog.Logger

	mu     sync.RWMutex
	pools  map[string]*serverPool
	closed bool

	stopHealthCheck chan struct{}
	healthCheckDone chan struct{}

	stats senderStatsCollector
}

var _ Sender = (*TCPSender)(nil)

func NewTCPSender(servers Servers, config TCPConfig) (*TCPSender, error) {
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}

	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxConnsPerServer
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = MaxFrameSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultTCPWriteTimeout
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	if config.Pool == nil {
		config.Pool = NewPuddlePool
	}

	selector := config.SelectServer
	if selector == nil {
		selector = DefaultServerSelector
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &TCPSender{
		servers:         servers,
		selectServer:    selector,
		config:          config,
		logger:          logger,
		pools:           make(map[string]*serverPool),
		stopHealthCheck: make(chan struct{}),
		healthCheckDone: make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	} else {
		close(s.healthCheckDone)
	}

	return s, nil
}

// Send writes the chunks of b to one router, in order. It returns the first
// chunk error; the following chunks are still attempted.
func (s *TCPSender) Send(ctx context.Context, b *batch.Batch) error {
	key := b.RoutingKey()
	if key == "" {
		key = s.config.DefaultKey
	}

	sp, err := s.poolFor(key)
	if err != nil {
		s.stats.recordBatch()
		s.stats.recordDropped(b.Len())
		b.Release()
		return err
	}

	var firstErr error
	w := ChunkWriterFunc(func(chunk []byte, done func(error)) {
		err := sp.write(ctx, chunk)
		if err != nil && firstErr == nil {
			firstErr = err
			s.logger.Warn("apmrouter: frame write failed", "server", sp.addr, "error", err)
		}
		done(err)
	})

	if err := sendChunks(&s.stats, w, b, s.config.MaxFrameSize); err != nil {
		return err
	}
	return firstErr
}

func (s *TCPSender) Stats() SenderStats {
	return s.stats.snapshot()
}

// ServerStats returns the pool and circuit breaker stats of every router
// connected so far, ordered by address.
func (s *TCPSender) ServerStats() []ServerStats {
	s.mu.RLock()
	stats := make([]ServerStats, 0, len(s.pools))
	for _, sp := range s.pools {
		st := ServerStats{Addr: sp.addr, Pool: sp.pool.Stats()}
		if sp.breaker != nil {
			st.CircuitBreakerState = sp.breaker.State()
			st.CircuitBreakerCounts = sp.breaker.Counts()
		}
		stats = append(stats, st)
	}
	s.mu.RUnlock()

	slices.SortFunc(stats, func(a, b ServerStats) int { return cmp.Compare(a.Addr, b.Addr) })
	return stats
}

// Close stops the health checks and closes every connection.
func (s *TCPSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pools := s.pools
	s.pools = make(map[string]*serverPool)
	s.mu.Unlock()

	close(s.stopHealthCheck)
	<-s.healthCheckDone

	for _, sp := range pools {
		sp.pool.Close()
	}
	return nil
}

func (s *TCPSender) poolFor(key string) (*serverPool, error) {
	addr, err := selectServer(s.selectServer, s.servers.List(), key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	sp, ok := s.pools[addr]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSenderClosed
	}
	if ok {
		return sp, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSenderClosed
	}
	if sp, ok := s.pools[addr]; ok {
		return sp, nil
	}

	sp, err = s.createPool(addr)
	if err != nil {
		return nil, err
	}
	s.pools[addr] = sp
	return sp, nil
}

func (s *TCPSender) createPool(addr string) (*serverPool, error) {
	var constructor Constructor
	if s.config.constructor != nil {
		constructor = s.config.constructor(addr)
	} else {
		constructor = func(ctx context.Context) (*Connection, error) {
			conn, err := s.config.Dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return NewConnection(conn), nil
		}
	}

	pool, err := s.config.Pool(constructor, s.config.MaxSize)
	if err != nil {
		return nil, err
	}

	sp := &serverPool{addr: addr, pool: pool, timeout: s.config.WriteTimeout}
	if s.config.NewCircuitBreaker != nil {
		sp.breaker = s.config.NewCircuitBreaker(addr)
	}
	return sp, nil
}

// write sends one frame through the circuit breaker, if any.
func (sp *serverPool) write(ctx context.Context, frame []byte) error {
	if sp.breaker == nil {
		_, err := sp.writeDirect(ctx, frame)
		return err
	}
	_, err := sp.breaker.Execute(func() (int, error) {
		return sp.writeDirect(ctx, frame)
	})
	return err
}

// writeDirect acquires a connection and writes the frame. A connection that
// failed is destroyed: its stream position is unknown.
func (sp *serverPool) writeDirect(ctx context.Context, frame []byte) (int, error) {
	ctx, cancel := withTimeout(ctx, sp.timeout)
	defer cancel()

	res, err := sp.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	if err := res.Value().WriteFrame(ctx, frame); err != nil {
		res.Destroy()
		return 0, err
	}

	res.Release()
	return len(frame), nil
}

func (s *TCPSender) healthCheckLoop() {
	defer close(s.healthCheckDone)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHealthCheck:
			return
		case <-ticker.C:
			s.checkAllPools()
		}
	}
}

func (s *TCPSender) checkAllPools() {
	s.mu.RLock()
	pools := make([]*serverPool, 0, len(s.pools))
	for _, sp := range s.pools {
		pools = append(pools, sp)
	}
	s.mu.RUnlock()

	for _, sp := range pools {
		s.checkPoolConnections(sp)
	}
}

// checkPoolConnections destroys the idle connections that are too old, idle
// for too long, or do not answer a ping.
func (s *TCPSender) checkPoolConnections(sp *serverPool) {
	now := time.Now()

	for _, res := range sp.pool.AcquireAllIdle() {
		if s.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > s.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if s.config.MaxConnIdleTime > 0 && res.IdleDuration() > s.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sp.timeout)
		err := res.Value().Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("apmrouter: health check failed", "server", sp.addr, "error", err)
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}
