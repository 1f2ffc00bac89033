package sniffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/apmrouter/internal/testutils"
)

// stateRecorder collects state transitions per connection.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_ *Conn, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func installCapture(capture *captureStage) InstallFunc {
	return func(_ *Conn, p *Pipeline) error {
		return p.AddLast("capture", capture)
	}
}

func newTestSwitch(t *testing.T, config Config, initiators ...Initiator) *Switch {
	t.Helper()
	reg, err := NewRegistry(initiators...)
	require.NoError(t, err)
	sw, err := NewSwitch(reg, config)
	require.NoError(t, err)
	return sw
}

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.String()
}

func TestSwitch_SelectsProtocol(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello %s", r.URL.Path)
	})

	t.Run("http", func(t *testing.T) {
		sw := newTestSwitch(t, Config{}, HTTPInitiator(handler))
		conn := testutils.NewConnectionMock("GET /metrics HTTP/1.1\r\nHost: router\r\n\r\n")

		require.NoError(t, sw.Serve(context.Background(), conn))

		out := conn.WrittenString()
		assert.Contains(t, out, "HTTP/1.1 200 OK")
		assert.Contains(t, out, "hello /metrics")
		assert.True(t, conn.IsClosed())
		assert.Equal(t, uint64(1), sw.Stats().Detections["http"])
	})

	t.Run("gzip", func(t *testing.T) {
		capture := &captureStage{}
		sw := newTestSwitch(t, Config{}, HTTPInitiator(handler), GzipInitiator(installCapture(capture)))
		conn := testutils.NewConnectionMock(gzipped(t, "GAUGE,h/a:n,1;"))

		require.NoError(t, sw.Serve(context.Background(), conn))
		assert.Equal(t, "GAUGE,h/a:n,1;", string(capture.got))
		assert.Equal(t, uint64(1), sw.Stats().Detections["gzip"])
	})

	t.Run("fallback", func(t *testing.T) {
		capture := &captureStage{}
		fallback := &captureStage{}
		rec := &stateRecorder{}
		sw := newTestSwitch(t, Config{Fallback: installCapture(fallback), OnStateChange: rec.record},
			HTTPInitiator(handler), GzipInitiator(installCapture(capture)))
		conn := testutils.NewConnectionMock("abc;")

		require.NoError(t, sw.Serve(context.Background(), conn))
		assert.Equal(t, "abc;", string(fallback.got))
		assert.Nil(t, capture.got)
		assert.Equal(t, []State{AwaitingBytes, Matching, FallbackInstalled, Passthrough, Closed}, rec.get())
		assert.Equal(t, uint64(1), sw.Stats().Fallbacks)
	})
}

func TestSwitch_ReplaysWindowOnce(t *testing.T) {
	capture := &captureStage{}
	var seen *Conn
	in := Initiator{
		Name:      "test",
		Lookahead: 4,
		Match:     func(w []byte) bool { return string(w) == "TEST" },
		ModifyPipeline: func(c *Conn, p *Pipeline) error {
			seen = c
			return p.AddLast("capture", capture)
		},
	}
	sw := newTestSwitch(t, Config{}, in)

	conn := testutils.NewConnectionMock("TEST", " and the rest")
	require.NoError(t, sw.Serve(context.Background(), conn))

	assert.Equal(t, "TEST and the rest", string(capture.got))
	require.NotNil(t, seen)
	assert.Equal(t, "TEST", string(seen.Window()))
	assert.Equal(t, "test", seen.Protocol())
	assert.Equal(t, Closed, seen.State())
}

func TestSwitch_FallbackWithEmptyRegistry(t *testing.T) {
	inputs := []string{"x", "xy", "GET / HTTP/1.0\r\n\r\n", "\x1f\x8b\x08", "\x00\x00\x00\x00\x01"}

	for _, input := range inputs {
		t.Run(fmt.Sprintf("%q", input), func(t *testing.T) {
			fallback := &captureStage{}
			rec := &stateRecorder{}
			sw := newTestSwitch(t, Config{Fallback: installCapture(fallback), OnStateChange: rec.record})

			require.NoError(t, sw.Serve(context.Background(), testutils.NewConnectionMock(input)))
			assert.Contains(t, rec.get(), Passthrough)
			assert.Equal(t, input, string(fallback.got))
		})
	}
}

func TestSwitch_DefaultFallbackDiscards(t *testing.T) {
	rec := &stateRecorder{}
	sw := newTestSwitch(t, Config{OnStateChange: rec.record})

	conn := testutils.NewConnectionMock("whatever bytes")
	require.NoError(t, sw.Serve(context.Background(), conn))
	assert.Contains(t, rec.get(), Passthrough)
	assert.Empty(t, conn.Written())
}

func TestSwitch_ShortWindow(t *testing.T) {
	long := &captureStage{}
	short := &captureStage{}
	sw := newTestSwitch(t, Config{},
		Initiator{Name: "long", Lookahead: 8, Match: func([]byte) bool { return true }, ModifyPipeline: installCapture(long)},
		Initiator{Name: "short", Lookahead: 2, Match: func(w []byte) bool { return w[0] == 'a' }, ModifyPipeline: installCapture(short)},
	)

	t.Run("eof", func(t *testing.T) {
		require.NoError(t, sw.Serve(context.Background(), testutils.NewConnectionMock("abc")))
		assert.Nil(t, long.got)
		assert.Equal(t, "abc", string(short.got))
	})

	t.Run("timeout", func(t *testing.T) {
		short.got = nil
		conn := testutils.NewConnectionMock("ab").WithReadError(os.ErrDeadlineExceeded)
		require.NoError(t, sw.Serve(context.Background(), conn))
		assert.Nil(t, long.got)
		assert.Equal(t, "ab", string(short.got))
		assert.Greater(t, conn.DeadlineCalls(), 1)
	})
}

func TestSwitch_NoBytes(t *testing.T) {
	t.Run("peer closed", func(t *testing.T) {
		rec := &stateRecorder{}
		sw := newTestSwitch(t, Config{OnStateChange: rec.record})
		conn := testutils.NewConnectionMock()

		require.NoError(t, sw.Serve(context.Background(), conn))
		assert.Equal(t, []State{AwaitingBytes, Closed}, rec.get())
		assert.True(t, conn.IsClosed())
		assert.Equal(t, uint64(1), sw.Stats().Empty)
	})

	t.Run("timeout", func(t *testing.T) {
		rec := &stateRecorder{}
		sw := newTestSwitch(t, Config{OnStateChange: rec.record})
		conn := testutils.NewConnectionMock().WithReadError(os.ErrDeadlineExceeded)

		err := sw.Serve(context.Background(), conn)
		require.ErrorIs(t, err, ErrLookaheadTimeout)
		assert.Equal(t, []State{AwaitingBytes, Closed}, rec.get())
		assert.True(t, conn.IsClosed())
		assert.Equal(t, uint64(1), sw.Stats().Timeouts)
	})
}

func TestSwitch_FullPayload(t *testing.T) {
	capture := &captureStage{}
	in := Initiator{
		Name:                "whole",
		Lookahead:           2,
		Match:               func(w []byte) bool { return w[0] == '{' },
		ModifyPipeline:      installCapture(capture),
		RequiresFullPayload: true,
		MaxPayload:          16,
	}
	sw := newTestSwitch(t, Config{}, in)

	t.Run("within limit", func(t *testing.T) {
		require.NoError(t, sw.Serve(context.Background(), testutils.NewConnectionMock(`{"a":`, `1}`)))
		assert.Equal(t, `{"a":1}`, string(capture.got))
	})

	t.Run("too large", func(t *testing.T) {
		capture.got = nil
		conn := testutils.NewConnectionMock(`{"a":"0123456789abcdef"}`)

		err := sw.Serve(context.Background(), conn)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
		assert.Nil(t, capture.got)
		assert.True(t, conn.IsClosed())
		assert.Equal(t, uint64(1), sw.Stats().PayloadErrors)
	})

	t.Run("too slow", func(t *testing.T) {
		conn := testutils.NewConnectionMock(`{"a"`).WithReadError(os.ErrDeadlineExceeded)
		err := sw.Serve(context.Background(), conn)
		require.ErrorIs(t, err, ErrPayloadTimeout)
	})
}

func TestSwitch_InstallFailureClosesConnection(t *testing.T) {
	boom := errors.New("boom")

	tests := map[string]InstallFunc{
		"error": func(_ *Conn, p *Pipeline) error {
			_ = p.AddLast("half", nopStage())
			return boom
		},
		"panic": func(*Conn, *Pipeline) error {
			panic("boom")
		},
	}

	for name, install := range tests {
		t.Run(name, func(t *testing.T) {
			rec := &stateRecorder{}
			sw := newTestSwitch(t, Config{OnStateChange: rec.record}, Initiator{
				Name: "broken", Lookahead: 2, Match: func([]byte) bool { return true }, ModifyPipeline: install,
			})
			conn := testutils.NewConnectionMock("data")

			err := sw.Serve(context.Background(), conn)
			var installErr *PipelineInstallError
			require.ErrorAs(t, err, &installErr)
			assert.Equal(t, "broken", installErr.Initiator)
			assert.True(t, conn.IsClosed())
			assert.NotContains(t, rec.get(), Passthrough)
			assert.Equal(t, uint64(1), sw.Stats().InstallErrors)
		})
	}
}

func TestSwitch_BadGzipStream(t *testing.T) {
	sw := newTestSwitch(t, Config{}, GzipInitiator(installCapture(&captureStage{})))
	conn := testutils.NewConnectionMock("\x1f\x8bnot really gzip")

	err := sw.Serve(context.Background(), conn)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "gunzip", stageErr.Stage)
	assert.Equal(t, uint64(1), sw.Stats().StageErrors)
}

func TestSwitch_CancelClosesConnection(t *testing.T) {
	sw := newTestSwitch(t, Config{LookaheadTimeout: -1})
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Serve(ctx, server) }()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, int64(0), sw.Stats().Active)
}

func TestSwitch_Middleware(t *testing.T) {
	var names []string
	var mu sync.Mutex
	mw := func(name string, next Stage) Stage {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		return next
	}

	capture := &captureStage{}
	sw := newTestSwitch(t, Config{Middleware: mw}, GzipInitiator(installCapture(capture)))
	require.NoError(t, sw.Serve(context.Background(), testutils.NewConnectionMock(gzipped(t, "x"))))

	assert.Equal(t, []string{"gunzip", "capture"}, names)
	assert.Equal(t, "x", string(capture.got))
}

func TestNewSwitch_LookaheadLimit(t *testing.T) {
	reg, err := NewRegistry(Initiator{Name: "huge", Lookahead: 4096, Match: IsHTTP, ModifyPipeline: installCapture(&captureStage{})})
	require.NoError(t, err)

	_, err = NewSwitch(reg, Config{})
	require.Error(t, err)

	_, err = NewSwitch(reg, Config{MaxLookahead: 8192})
	require.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AWAITING_BYTES", AwaitingBytes.String())
	assert.Equal(t, "PASSTHROUGH", Passthrough.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestIsHTTP(t *testing.T) {
	tests := []struct {
		window string
		want   bool
	}{
		{"GET / HT", true},
		{"POST /in", true},
		{"DELETE /", true},
		{"CONNECT ", true},
		{"OPTIONS ", true},
		{"GE", true},
		{"DEL", true},
		{"COUNTER,", false},
		{"DELTA,h/", false},
		{"GAUGE,h/", false},
		{"GETS /ab", false},
		{"get / ht", false},
		{"G", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.window), func(t *testing.T) {
			assert.Equal(t, tt.want, IsHTTP([]byte(tt.window)))
		})
	}
}

func TestSwitch_TextTypesSharingMethodPrefixes(t *testing.T) {
	handler := http.NotFoundHandler()

	for _, input := range []string{"COUNTER,h/a:n,1;", "DELTA,h/a:n,1;", "CO", "DE"} {
		t.Run(input, func(t *testing.T) {
			fallback := &captureStage{}
			sw := newTestSwitch(t, Config{Fallback: installCapture(fallback)}, HTTPInitiator(handler))
			conn := testutils.NewConnectionMock(input)

			require.NoError(t, sw.Serve(context.Background(), conn))
			assert.Equal(t, input, string(fallback.got))
			assert.Empty(t, conn.Written())
			assert.Zero(t, sw.Stats().Detections["http"])
			assert.Equal(t, uint64(1), sw.Stats().Fallbacks)
		})
	}
}

// FuzzSwitch feeds arbitrary leading bytes through the reference initiators:
// every connection must end closed, and must reach passthrough unless the
// pipeline could not be installed.
// Run with: go test -fuzz='^FuzzSwitch$' -fuzztime=60s ./sniffer
func FuzzSwitch(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	f.Add([]byte("POST /ingest HTTP/1.0\r\nContent-Length: 2\r\n\r\nab"))
	f.Add([]byte{31, 139, 8, 0, 0, 0, 0, 0, 0, 255})
	f.Add([]byte("abc;"))
	f.Add([]byte("a"))
	f.Add([]byte{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	f.Fuzz(func(t *testing.T, data []byte) {
		rec := &stateRecorder{}
		reg, err := NewRegistry(HTTPInitiator(handler), GzipInitiator(func(_ *Conn, p *Pipeline) error {
			return p.AddLast("discard", Discard)
		}))
		if err != nil {
			t.Fatal(err)
		}
		sw, err := NewSwitch(reg, Config{OnStateChange: rec.record, Logger: discardLogger()})
		if err != nil {
			t.Fatal(err)
		}

		conn := testutils.NewConnectionMock(string(data))
		_ = sw.Serve(context.Background(), conn)

		states := rec.get()
		if len(states) == 0 || states[len(states)-1] != Closed {
			t.Fatalf("connection not closed: %v", states)
		}
		if len(data) > 0 && !slices.Contains(states, Passthrough) {
			t.Fatalf("connection with data never reached passthrough: %v", states)
		}
		if !conn.IsClosed() {
			t.Fatal("net.Conn not closed")
		}
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
