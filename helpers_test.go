package apmrouter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/apmrouter/batch"
	"github.com/pior/apmrouter/router"
	"github.com/pior/apmrouter/wire"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func gcSample(i int) wire.Sample {
	return wire.Sample{
		Host:      "web1",
		Agent:     "jvm",
		Namespace: []string{"gc"},
		Name:      fmt.Sprintf("Count%d", i),
		Type:      wire.TypeCounter,
		Timestamp: 1700000000000 + int64(i),
		Value:     int64(i),
		Token:     wire.NoToken,
	}
}

func newTestBatch(t *testing.T, n int, opts ...batch.Option) *batch.Batch {
	t.Helper()
	b, err := batch.New(1<<20, opts...)
	require.NoError(t, err)
	for i := range n {
		s := gcSample(i)
		require.NoError(t, b.Append(&s))
	}
	return b
}

// sampleCounter is a router.Sink counting samples per name.
type sampleCounter struct {
	mu    sync.Mutex
	names map[string]int
	total int
}

func (c *sampleCounter) OnSample(s wire.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names == nil {
		c.names = make(map[string]int)
	}
	c.names[s.Name]++
	c.total++
}

func (c *sampleCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// startRouter runs a router on a loopback TCP port until the test ends.
func startRouter(t *testing.T) (string, *router.Server, *sampleCounter) {
	t.Helper()

	sink := &sampleCounter{}
	srv, err := router.NewServer(router.Config{Sink: sink, Logger: discardLogger})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return ln.Addr().String(), srv, sink
}

// startUDPRouter runs a router on a loopback UDP port until the test ends.
func startUDPRouter(t *testing.T) (string, *router.Server, *sampleCounter) {
	t.Helper()

	sink := &sampleCounter{}
	srv, err := router.NewServer(router.Config{Sink: sink, Logger: discardLogger})
	require.NoError(t, err)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeUDP(ctx, pc) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return pc.LocalAddr().String(), srv, sink
}
