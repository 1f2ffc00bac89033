package sniffer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// httpMethods are the HTTP/1.x request line openings.
var httpMethods = [...]string{"GET ", "POST ", "PUT ", "HEAD ", "OPTIONS ", "PATCH ", "DELETE ", "TRACE ", "CONNECT "}

// httpLookahead holds the longest method and its space.
const httpLookahead = len("CONNECT ")

// IsHTTP reports whether window starts like an HTTP/1.x request line: a
// method token and a space, or a prefix of one when the window is shorter.
// A 2-byte window only checks the first two bytes of the method.
func IsHTTP(window []byte) bool {
	if len(window) < MinLookahead {
		return false
	}
	for _, m := range httpMethods {
		n := min(len(window), len(m))
		if string(window[:n]) == m[:n] {
			return true
		}
	}
	return false
}

// IsGzip reports whether window starts with the gzip magic number.
func IsGzip(window []byte) bool {
	return len(window) >= 2 && window[0] == 31 && window[1] == 139
}

// HTTPInitiator recognizes HTTP/1.x and serves the connection with handler.
// It waits for the whole method token so that text payloads opening with
// the same two letters, like "COUNTER," or "DELTA,", are not taken for
// requests.
func HTTPInitiator(handler http.Handler) Initiator {
	return Initiator{
		Name:      "http",
		Lookahead: httpLookahead,
		Match:     IsHTTP,
		ModifyPipeline: func(_ *Conn, p *Pipeline) error {
			return p.AddLast("http", HTTPStage(handler))
		},
	}
}

// GzipInitiator recognizes a gzip stream, installs a decompression stage
// and lets inner install the stages reading the decompressed bytes.
func GzipInitiator(inner InstallFunc) Initiator {
	return Initiator{
		Name:      "gzip",
		Lookahead: 2,
		Match:     IsGzip,
		ModifyPipeline: func(c *Conn, p *Pipeline) error {
			if err := p.AddLast("gunzip", Gunzip); err != nil {
				return err
			}
			return inner(c, p)
		},
	}
}

// Gunzip decompresses its input.
var Gunzip Stage = StageFunc(func(_ context.Context, _ *Conn, in io.Reader) (io.Reader, error) {
	return gzip.NewReader(in)
})

// HTTPStage serves the connection with a net/http server until the client
// or the server closes it.
func HTTPStage(handler http.Handler) Stage {
	return StageFunc(func(ctx context.Context, c *Conn, in io.Reader) (io.Reader, error) {
		l := newSingleConnListener(&replayConn{Conn: c.Conn, r: in})

		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ConnState: func(_ net.Conn, state http.ConnState) {
				if state == http.StateClosed || state == http.StateHijacked {
					_ = l.Close()
				}
			},
		}

		stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
		defer stop()

		err := srv.Serve(l)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return nil, err
	})
}

// replayConn is a connection whose reads come from the pipeline reader.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// singleConnListener hands out one connection, then blocks until closed.
type singleConnListener struct {
	conn   net.Conn
	mu     sync.Mutex
	served bool
	done   chan struct{}
	once   sync.Once
}

func newSingleConnListener(c net.Conn) *singleConnListener {
	return &singleConnListener{conn: c, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.served {
		l.served = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()

	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
