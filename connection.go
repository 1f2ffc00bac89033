package apmrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pior/apmrouter/batch"
	"github.com/pior/apmrouter/internal/coarsetime"
	"github.com/pior/apmrouter/wire"
)

var ErrUnexpectedReply = errors.New("apmrouter: unexpected reply from router")

// Connection is a buffered connection to a router. It is not safe for
// concurrent use: a Pool hands it to one user at a time.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// WriteFrame writes one complete frame. A SEND_METRIC_DIRECT frame blocks
// until the router confirms the same record count.
func (c *Connection) WriteFrame(ctx context.Context, frame []byte) error {
	h, err := batch.ParseHeader(frame)
	if err != nil {
		return err
	}

	if err := c.begin(ctx); err != nil {
		return err
	}

	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	if h.Op != wire.OpSendMetricDirect {
		return nil
	}

	reply, err := batch.ReadHeader(c.r)
	if err != nil {
		return err
	}
	if reply.Op != wire.OpConfirmMetric || reply.Count != h.Count {
		return fmt.Errorf("%w: %s for %d records, sent %d", ErrUnexpectedReply, reply.Op, reply.Count, h.Count)
	}
	return nil
}

// Ping sends a PING frame carrying the current time and waits for the
// router to echo it back.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.begin(ctx); err != nil {
		return err
	}

	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(coarsetime.Now().UnixNano()))

	var head [batch.HeaderSize]byte
	if _, err := c.w.Write(batch.Header{Op: wire.OpPing, Count: uint32(len(payload))}.AppendTo(head[:0])); err != nil {
		return err
	}
	if _, err := c.w.Write(payload[:]); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	reply, err := batch.ReadHeader(c.r)
	if err != nil {
		return err
	}
	if reply.Op != wire.OpPingResponse || reply.Count != uint32(len(payload)) {
		return fmt.Errorf("%w: %s with %d bytes", ErrUnexpectedReply, reply.Op, reply.Count)
	}

	var echo [8]byte
	if _, err := io.ReadFull(c.r, echo[:]); err != nil {
		return err
	}
	if !bytes.Equal(echo[:], payload[:]) {
		return fmt.Errorf("%w: ping payload mismatch", ErrUnexpectedReply)
	}
	return nil
}

// begin applies the context deadline to the connection, or clears it.
func (c *Connection) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	return c.conn.SetDeadline(deadline)
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// withTimeout bounds an exchange when the caller set no deadline.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
