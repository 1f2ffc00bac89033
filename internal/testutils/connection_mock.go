package testutils

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ConnectionMock is a mock implementation of net.Conn for testing.
// Reads drain the inbound data, then return ReadErr (io.EOF by default).
type ConnectionMock struct {
	mu           sync.Mutex
	readBuf      *bytes.Buffer
	writeBuf     bytes.Buffer
	readErr      error
	closed       bool
	readDeadline time.Time
	deadlines    int
}

// NewConnectionMock creates a new mock connection with pre-configured inbound data
func NewConnectionMock(inbound ...string) *ConnectionMock {
	return &ConnectionMock{
		readBuf: bytes.NewBufferString(strings.Join(inbound, "")),
		readErr: io.EOF,
	}
}

// WithReadError makes reads fail with err once the inbound data is consumed,
// e.g. os.ErrDeadlineExceeded to emulate a slow peer.
func (m *ConnectionMock) WithReadError(err error) *ConnectionMock {
	m.readErr = err
	return m
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	if m.readBuf.Len() == 0 {
		return 0, m.readErr
	}
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9120}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53124}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error {
	return m.SetReadDeadline(t)
}

func (m *ConnectionMock) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	m.deadlines++
	return nil
}

func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns the bytes written to the mock connection
func (m *ConnectionMock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.writeBuf.Bytes())
}

// WrittenString returns the bytes written to the mock connection as a string
func (m *ConnectionMock) WrittenString() string {
	return string(m.Written())
}

// IsClosed reports whether Close was called
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// DeadlineCalls returns how many times a read deadline was set or cleared
func (m *ConnectionMock) DeadlineCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadlines
}
