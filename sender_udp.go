package apmrouter

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/pior/apmrouter/batch"
	"github.com/pior/apmrouter/internal"
)

const (
	// MaxDatagramSize keeps a datagram within a 1500 byte Ethernet MTU.
	MaxDatagramSize = 1472

	DefaultUDPWorkers      = 4
	DefaultUDPQueueSize    = 1024
	DefaultUDPWriteTimeout = time.Second
)

// UDPConfig configures a UDPSender.
type UDPConfig struct {
	// MaxDatagramSize bounds every datagram. Zero uses MaxDatagramSize.
	MaxDatagramSize int

	// Workers is the number of goroutines writing datagrams.
	// Zero uses DefaultUDPWorkers.
	Workers int

	// QueueSize bounds the chunks waiting for a worker. Chunks that do not
	// fit are dropped. Zero uses DefaultUDPQueueSize.
	QueueSize int

	// Compress gzips every datagram.
	Compress bool

	// WriteTimeout bounds one datagram write. Zero uses DefaultUDPWriteTimeout.
	WriteTimeout time.Duration

	// Dialer is used to open the socket. If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// UDPSender sends every chunk of a batch as one datagram. Delivery is best
// effort: a chunk that cannot be queued or written is counted as dropped
// and never retried.
type UDPSender struct {
	conn    net.Conn
	writer  *asyncWriter
	maxSize int
	stats   senderStatsCollector
}

var _ Sender = (*UDPSender)(nil)

func NewUDPSender(addr string, config UDPConfig) (*UDPSender, error) {
	dialer := config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return newUDPSender(conn, config), nil
}

func newUDPSender(conn net.Conn, config UDPConfig) *UDPSender {
	if config.MaxDatagramSize <= 0 {
		config.MaxDatagramSize = MaxDatagramSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultUDPWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultUDPQueueSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultUDPWriteTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &datagramWriter{
		conn:     conn,
		timeout:  config.WriteTimeout,
		compress: config.Compress,
		buffers:  internal.NewBufferPool(config.MaxDatagramSize, 4*config.MaxDatagramSize),
		logger:   logger.With("remote", conn.RemoteAddr().String()),
	}

	return &UDPSender{
		conn:    conn,
		writer:  newAsyncWriter(d.write, config.Workers, config.QueueSize),
		maxSize: config.MaxDatagramSize,
	}
}

// Send splits b into datagrams and queues them. It returns before the
// datagrams are written; use Flush to wait for them.
func (s *UDPSender) Send(_ context.Context, b *batch.Batch) error {
	if s.writer.isClosed() {
		s.stats.recordBatch()
		s.stats.recordDropped(b.Len())
		b.Release()
		return ErrSenderClosed
	}
	return sendChunks(&s.stats, s.writer, b, s.maxSize)
}

// Flush waits until every queued datagram was written or dropped.
func (s *UDPSender) Flush() {
	s.writer.flush()
}

func (s *UDPSender) Stats() SenderStats {
	return s.stats.snapshot()
}

// Close writes the queued datagrams and closes the socket. Later sends are
// dropped with ErrSenderClosed.
func (s *UDPSender) Close() error {
	s.writer.close()
	return s.conn.Close()
}

type datagramWriter struct {
	conn     net.Conn
	timeout  time.Duration
	compress bool
	buffers  *internal.BufferPool
	logger   *slog.Logger
}

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

func (d *datagramWriter) write(chunk []byte) error {
	if d.compress {
		buf := d.buffers.Get()
		defer d.buffers.Put(buf)

		zw := gzipWriters.Get().(*gzip.Writer)
		defer gzipWriters.Put(zw)

		zw.Reset(buf)
		if _, err := zw.Write(chunk); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		chunk = buf.Bytes()
	}

	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return err
	}
	if _, err := d.conn.Write(chunk); err != nil {
		d.logger.Debug("apmrouter: datagram write failed", "size", len(chunk), "error", err)
		return err
	}
	return nil
}

type chunkJob struct {
	chunk []byte
	done  func(error)
}

// asyncWriter is a ChunkWriter running write on a fixed pool of workers fed
// by a bounded queue.
type asyncWriter struct {
	write func([]byte) error
	jobs  chan chunkJob

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool

	workers sync.WaitGroup
}

func newAsyncWriter(write func([]byte) error, workers, queueSize int) *asyncWriter {
	w := &asyncWriter{
		write: write,
		jobs:  make(chan chunkJob, queueSize),
	}
	w.idle = sync.NewCond(&w.mu)

	w.workers.Add(workers)
	for range workers {
		go w.run()
	}
	return w
}

func (w *asyncWriter) WriteChunk(chunk []byte, done func(error)) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		done(ErrSenderClosed)
		return
	}

	select {
	case w.jobs <- chunkJob{chunk: chunk, done: done}:
		w.pending++
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		done(ErrQueueFull)
	}
}

func (w *asyncWriter) run() {
	defer w.workers.Done()

	for job := range w.jobs {
		job.done(w.write(job.chunk))

		w.mu.Lock()
		w.pending--
		if w.pending == 0 {
			w.idle.Broadcast()
		}
		w.mu.Unlock()
	}
}

func (w *asyncWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *asyncWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pending > 0 {
		w.idle.Wait()
	}
}

func (w *asyncWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	w.workers.Wait()
}
