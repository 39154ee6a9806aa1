package testutil

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/multichess/internal/protocol"
)

// WireClient speaks the framed message protocol for integration testing.
type WireClient struct {
	conn net.Conn
	dec  *protocol.Decoder
	t    *testing.T
}

// NewWireClient dials the given TCP address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected WireClient or fails the test.
func NewWireClient(t *testing.T, addr string) *WireClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	return WrapConn(t, conn)
}

// WrapConn returns a test client over an established connection, such as a
// websocket NetConn. The connection is closed on test cleanup.
func WrapConn(t *testing.T, conn net.Conn) *WireClient {
	t.Helper()
	t.Cleanup(func() {
		conn.Close()
	})
	return &WireClient{
		conn: conn,
		dec:  protocol.NewDecoder(),
		t:    t,
	}
}

// Send encodes m and writes it as one frame.
func (c *WireClient) Send(m protocol.Message) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteMessage(c.conn, m); err != nil {
		c.t.Fatalf("sending %s: %v", m.Tag(), err)
	}
}

// SendRaw writes b unmodified.
func (c *WireClient) SendRaw(b []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("sending raw bytes: %v", err)
	}
}

// Recv returns the next message, failing the test on timeout, framing
// errors or malformed payloads.
func (c *WireClient) Recv(timeout time.Duration) protocol.Message {
	c.t.Helper()
	m, err := c.next(timeout)
	if err != nil {
		c.t.Fatalf("receiving message: %v", err)
	}
	return m
}

// ExpectError receives the next message and requires it to be a
// ServerError, returning its text.
func (c *WireClient) ExpectError(timeout time.Duration) string {
	c.t.Helper()
	m := c.Recv(timeout)
	se, ok := m.(protocol.ServerError)
	if !ok {
		c.t.Fatalf("expected ServerError, got %#v", m)
	}
	return se.Message
}

// ExpectQuiet fails the test if any message arrives within d.
func (c *WireClient) ExpectQuiet(d time.Duration) {
	c.t.Helper()
	m, err := c.next(d)
	if err == nil {
		c.t.Fatalf("expected no message, got %#v", m)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection
// within timeout.
func (c *WireClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	m, err := c.next(timeout)
	if err == nil {
		c.t.Fatalf("expected connection close, got %#v", m)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatalf("connection still open after %s", timeout)
	}
}

func (c *WireClient) next(timeout time.Duration) (protocol.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	tmp := make([]byte, 1024)
	for {
		m, ok, err := c.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return m, nil
		}
		n, err := c.conn.Read(tmp)
		if n > 0 {
			c.dec.Feed(tmp[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Close closes the underlying connection.
func (c *WireClient) Close() {
	c.conn.Close()
}
