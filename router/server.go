package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/pior/apmrouter/batch"
	"github.com/pior/apmrouter/internal"
	"github.com/pior/apmrouter/sniffer"
	"github.com/pior/apmrouter/wire"
)

const (
	// MaxDatagramSize is the largest UDP payload read.
	MaxDatagramSize = 65535

	// DefaultMaxInflatedDatagram bounds a gzip datagram once inflated.
	DefaultMaxInflatedDatagram = 1 << 20

	// DefaultMaxCatalogSize bounds the identities the server assigns tokens to.
	DefaultMaxCatalogSize = 1 << 20
)

var ErrNoSink = errors.New("router: no sink configured")

// Config configures a Server.
type Config struct {
	// Sink receives decoded samples. Required.
	Sink Sink

	// HTTPHandler, if set, serves HTTP requests arriving on the TCP port.
	HTTPHandler http.Handler

	// Catalog assigns tokens to identities. If nil, a catalog bounded by
	// MaxCatalogSize is created.
	Catalog *wire.Catalog

	// MaxCatalogSize bounds the catalog created when Catalog is nil. Zero
	// uses DefaultMaxCatalogSize, a negative value disables the bound.
	// Samples arriving once the catalog is full are delivered without token.
	MaxCatalogSize int

	// LookaheadTimeout bounds protocol detection. See sniffer.Config.
	LookaheadTimeout time.Duration

	// MaxTextFrame bounds one raw text frame. Zero uses DefaultMaxTextFrame.
	MaxTextFrame int

	// MaxInflatedDatagram bounds gzip datagrams once inflated.
	// Zero uses DefaultMaxInflatedDatagram.
	MaxInflatedDatagram int

	// Instrument logs every pipeline stage at debug level.
	Instrument bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server ingests samples from TCP connections, whatever their protocol,
// and from UDP datagrams.
type Server struct {
	sink         Sink
	catalog      *wire.Catalog
	logger       *slog.Logger
	sw           *sniffer.Switch
	maxTextFrame int
	maxInflated  int
	buffers      *internal.BufferPool

	stats statsCollector
	conns sync.WaitGroup
}

// NewServer builds the protocol registry: HTTP (when a handler is set),
// gzip-compressed text, binary frames, with raw text as the fallback.
func NewServer(config Config) (*Server, error) {
	if config.Sink == nil {
		return nil, ErrNoSink
	}

	s := &Server{
		sink:         config.Sink,
		catalog:      config.Catalog,
		logger:       config.Logger,
		maxTextFrame: config.MaxTextFrame,
		maxInflated:  config.MaxInflatedDatagram,
		buffers:      internal.NewBufferPool(MaxDatagramSize, DefaultMaxInflatedDatagram),
	}
	if s.catalog == nil {
		limit := config.MaxCatalogSize
		if limit == 0 {
			limit = DefaultMaxCatalogSize
		}
		s.catalog = wire.NewBoundedCatalog(limit)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxTextFrame <= 0 {
		s.maxTextFrame = DefaultMaxTextFrame
	}
	if s.maxInflated <= 0 {
		s.maxInflated = DefaultMaxInflatedDatagram
	}

	var initiators []sniffer.Initiator
	if config.HTTPHandler != nil {
		initiators = append(initiators, sniffer.HTTPInitiator(config.HTTPHandler))
	}
	initiators = append(initiators,
		sniffer.GzipInitiator(s.installText),
		s.binaryInitiator(),
	)

	registry, err := sniffer.NewRegistry(initiators...)
	if err != nil {
		return nil, err
	}

	swConfig := sniffer.Config{
		LookaheadTimeout: config.LookaheadTimeout,
		Fallback:         s.installText,
		Logger:           s.logger,
	}
	if config.Instrument {
		swConfig.Middleware = sniffer.Instrument(s.logger)
	}

	s.sw, err = sniffer.NewSwitch(registry, swConfig)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Stats returns a snapshot of the ingestion counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot(s.sw.Stats())
}

// Switch returns the protocol switch used for TCP connections.
func (s *Server) Switch() *sniffer.Switch {
	return s.sw
}

// Catalog returns the token catalog shared by all connections.
func (s *Server) Catalog() *wire.Catalog {
	return s.catalog
}

// Serve accepts connections on ln until ctx is cancelled, then waits for the
// open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.conns.Wait()

	s.logger.Info("apmrouter: listening", "network", ln.Addr().Network(), "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("apmrouter: accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("router: accept: %w", err)
		}
		backoff = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			_ = s.sw.Serve(ctx, nc)
		}()
	}
}

// ServeUDP reads one frame per datagram from pc until ctx is cancelled.
// Datagrams that do not decode are dropped and counted.
func (s *Server) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	s.logger.Info("apmrouter: listening", "network", pc.LocalAddr().Network(), "addr", pc.LocalAddr().String())

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("router: read datagram: %w", err)
		}

		s.stats.datagrams.Add(1)
		if err := s.handleDatagram(buf[:n]); err != nil {
			s.stats.droppedDatagrams.Add(1)
			s.logger.Debug("apmrouter: dropping datagram", "from", addr, "size", n, "error", err)
		}
	}
}

func (s *Server) handleDatagram(data []byte) error {
	if sniffer.IsGzip(data) {
		buf := s.buffers.Get()
		defer s.buffers.Put(buf)

		if err := s.inflate(buf, data); err != nil {
			return err
		}
		data = buf.Bytes()
	}

	op, samples, err := batch.DecodeFrame(data, s.catalog)
	if err != nil {
		return err
	}
	if op != wire.OpSendMetric && op != wire.OpSendMetricDirect {
		return fmt.Errorf("%w: %s", ErrUnsupportedOpCode, op)
	}

	s.stats.frames.Add(1)
	for _, sample := range samples {
		s.accept(sample)
	}
	return nil
}

func (s *Server) inflate(dst *bytes.Buffer, data []byte) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()

	n, err := dst.ReadFrom(io.LimitReader(zr, int64(s.maxInflated)+1))
	if err != nil {
		return err
	}
	if n > int64(s.maxInflated) {
		return fmt.Errorf("router: inflated datagram exceeds %d bytes", s.maxInflated)
	}
	return nil
}

// accept registers full identities in the catalog and hands the sample to
// the sink with its token set. A full catalog leaves new identities without
// a token.
func (s *Server) accept(sample wire.Sample) {
	if !sample.HasToken() {
		token, err := s.catalog.Register(sample.Identity())
		switch {
		case err == nil:
			sample.Token = token
		case errors.Is(err, wire.ErrCatalogFull):
			s.stats.untokenized.Add(1)
		}
	}
	s.stats.samples.Add(1)
	s.sink.OnSample(sample)
}
