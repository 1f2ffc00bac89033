package sniffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pior/apmrouter/internal"
)

const (
	DefaultLookaheadTimeout = 5 * time.Second
	DefaultPayloadTimeout   = 30 * time.Second

	// DefaultMaxLookahead bounds the detection window.
	DefaultMaxLookahead = 1024

	// FallbackName is the protocol name of connections no initiator matched.
	FallbackName = "fallback"
)

var (
	// ErrNoMatchingProtocol is recovered by installing the fallback; it only
	// shows up in debug logs.
	ErrNoMatchingProtocol = errors.New("sniffer: no matching protocol")
	ErrLookaheadTimeout   = errors.New("sniffer: timed out waiting for protocol bytes")
	ErrPayloadTimeout     = errors.New("sniffer: timed out accumulating payload")
	ErrPayloadTooLarge    = errors.New("sniffer: payload exceeds limit")
)

// PipelineInstallError reports an initiator that failed to build its
// pipeline. The connection is closed and the partial pipeline discarded.
type PipelineInstallError struct {
	Initiator string
	Err       error
}

func (e *PipelineInstallError) Error() string {
	return fmt.Sprintf("sniffer: installing %s pipeline: %v", e.Initiator, e.Err)
}

func (e *PipelineInstallError) Unwrap() error {
	return e.Err
}

// State is the detection state of a connection.
type State uint32

const (
	AwaitingBytes State = iota
	Matching
	PipelineInstalled
	FallbackInstalled
	Passthrough
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingBytes:
		return "AWAITING_BYTES"
	case Matching:
		return "MATCHING"
	case PipelineInstalled:
		return "PIPELINE_INSTALLED"
	case FallbackInstalled:
		return "FALLBACK_INSTALLED"
	case Passthrough:
		return "PASSTHROUGH"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Conn is a connection going through detection. Stages write responses to
// it directly; they read from the reader the pipeline hands them.
type Conn struct {
	net.Conn

	id       uint64
	logger   *slog.Logger
	state    atomic.Uint32
	protocol string
	window   []byte
}

func (c *Conn) ID() uint64           { return c.id }
func (c *Conn) Logger() *slog.Logger { return c.logger }
func (c *Conn) State() State         { return State(c.state.Load()) }

// Protocol returns the name of the matched initiator, or FallbackName.
func (c *Conn) Protocol() string { return c.protocol }

// Window returns the leading bytes detection saw. It must not be modified.
func (c *Conn) Window() []byte { return c.window }

// Config configures a Switch.
type Config struct {
	// LookaheadTimeout bounds the wait for the detection window.
	// Zero uses DefaultLookaheadTimeout; negative disables the bound.
	LookaheadTimeout time.Duration

	// PayloadTimeout bounds full payload accumulation for initiators that
	// do not set their own. Zero uses DefaultPayloadTimeout.
	PayloadTimeout time.Duration

	// MaxLookahead rejects registries that need a larger window.
	// Zero uses DefaultMaxLookahead.
	MaxLookahead int

	// Fallback installs the stages for connections no initiator matched.
	// If nil, unmatched input is discarded.
	Fallback InstallFunc

	// Middleware, if set, wraps every installed stage.
	Middleware Middleware

	// OnStateChange, if set, is called on every state transition.
	OnStateChange func(c *Conn, s State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Switch detects the protocol of each accepted connection and runs the
// matching pipeline. One Switch serves all connections of a listener.
type Switch struct {
	registry *Registry
	config   Config
	logger   *slog.Logger
	nextID   atomic.Uint64
	stats    *statsCollector
	payloads *internal.BufferPool
}

// NewSwitch returns a switch consulting registry for every connection.
func NewSwitch(registry *Registry, config Config) (*Switch, error) {
	if config.LookaheadTimeout == 0 {
		config.LookaheadTimeout = DefaultLookaheadTimeout
	}
	if config.PayloadTimeout == 0 {
		config.PayloadTimeout = DefaultPayloadTimeout
	}
	if config.MaxLookahead == 0 {
		config.MaxLookahead = DefaultMaxLookahead
	}
	if config.Fallback == nil {
		config.Fallback = func(_ *Conn, p *Pipeline) error {
			return p.AddLast("discard", Discard)
		}
	}
	if registry.Lookahead() > config.MaxLookahead {
		return nil, fmt.Errorf("sniffer: registry lookahead %d exceeds limit %d", registry.Lookahead(), config.MaxLookahead)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Switch{
		registry: registry,
		config:   config,
		logger:   logger,
		stats:    newStatsCollector(registry.Names()),
		payloads: internal.NewBufferPool(4096, 1<<20),
	}, nil
}

// Registry returns the registry the switch consults.
func (s *Switch) Registry() *Registry {
	return s.registry
}

// Serve runs detection and the installed pipeline on nc, then closes it.
// Cancelling ctx closes the connection.
func (s *Switch) Serve(ctx context.Context, nc net.Conn) error {
	c := &Conn{
		Conn: nc,
		id:   s.nextID.Add(1),
	}
	c.logger = s.logger.With("conn", c.id, "remote", remoteAddr(nc))

	s.stats.recordOpen()
	defer s.stats.recordClose()

	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	defer func() {
		_ = nc.Close()
		s.setState(c, Closed)
	}()

	p, in, err := s.detect(ctx, c)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		c.logger.Debug("apmrouter: detection failed", "error", err)
		return err
	}

	s.setState(c, Passthrough)
	if err := p.Run(ctx, c, in); err != nil {
		s.stats.recordStageError()
		if ctx.Err() == nil {
			c.logger.Warn("apmrouter: connection pipeline failed", "protocol", c.protocol, "error", err)
		}
		return err
	}
	return nil
}

// detect reads the window, picks an initiator or the fallback, and returns
// the pipeline with the reader that replays everything read so far.
func (s *Switch) detect(ctx context.Context, c *Conn) (*Pipeline, io.Reader, error) {
	s.setState(c, AwaitingBytes)

	window, err := s.readWindow(c)
	if err != nil {
		return nil, nil, err
	}
	c.window = window

	s.setState(c, Matching)
	in, matched := s.registry.Match(window)

	var replay io.Reader = &replayReader{buf: window, conn: c.Conn}
	if matched && in.RequiresFullPayload {
		payload, err := s.readPayload(c, in, replay)
		if err != nil {
			s.stats.recordPayloadError()
			return nil, nil, err
		}
		replay = bytes.NewReader(payload)
	}

	p := NewPipeline()
	if matched {
		c.protocol = in.Name
		if err := safeInstall(in.ModifyPipeline, c, p); err != nil {
			s.stats.recordInstallError()
			return nil, nil, &PipelineInstallError{Initiator: in.Name, Err: err}
		}
		s.stats.recordDetection(in.Name)
		s.setState(c, PipelineInstalled)
	} else {
		c.protocol = FallbackName
		c.logger.Debug("apmrouter: installing fallback", "error", ErrNoMatchingProtocol, "window", len(window))
		if err := safeInstall(s.config.Fallback, c, p); err != nil {
			s.stats.recordInstallError()
			return nil, nil, &PipelineInstallError{Initiator: FallbackName, Err: err}
		}
		s.stats.recordFallback()
		s.setState(c, FallbackInstalled)
	}

	if s.config.Middleware != nil {
		p.WrapAll(s.config.Middleware)
	}
	return p, replay, nil
}

// readWindow reads up to the registry lookahead. A timeout or EOF after at
// least one byte yields a short window; with no byte at all the connection
// is given up.
func (s *Switch) readWindow(c *Conn) ([]byte, error) {
	need := s.registry.Lookahead()
	if s.config.LookaheadTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(s.config.LookaheadTimeout))
	}

	buf := make([]byte, need)
	n, err := io.ReadFull(c.Conn, buf)
	_ = c.SetReadDeadline(time.Time{})

	if err == nil {
		return buf, nil
	}
	if n > 0 && (isTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return buf[:n], nil
	}
	if isTimeout(err) {
		s.stats.recordTimeout()
		return nil, ErrLookaheadTimeout
	}
	if errors.Is(err, io.EOF) {
		s.stats.recordEmpty()
	}
	return nil, err
}

func (s *Switch) readPayload(c *Conn, in *Initiator, r io.Reader) ([]byte, error) {
	timeout := in.PayloadTimeout
	if timeout == 0 {
		timeout = s.config.PayloadTimeout
	}
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()

	buf := s.payloads.Get()
	defer s.payloads.Put(buf)

	_, err := buf.ReadFrom(io.LimitReader(r, int64(in.MaxPayload)+1))
	switch {
	case isTimeout(err):
		return nil, ErrPayloadTimeout
	case err != nil:
		return nil, err
	case buf.Len() > in.MaxPayload:
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, in.MaxPayload)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (s *Switch) setState(c *Conn, st State) {
	c.state.Store(uint32(st))
	if s.config.OnStateChange != nil {
		s.config.OnStateChange(c, st)
	}
}

// Stats returns a snapshot of the switch counters.
func (s *Switch) Stats() Stats {
	return s.stats.snapshot()
}

func safeInstall(install InstallFunc, c *Conn, p *Pipeline) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return install(c, p)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func remoteAddr(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// replayReader returns the detection window once, then reads the
// connection.
type replayReader struct {
	buf  []byte
	conn io.Reader
}

func (r *replayReader) Read(p []byte) (int, error) {
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}
	return r.conn.Read(p)
}
