package tcp

import (
	"net"
	"sync"
	"time"
)

// Conn wraps an accepted TCP connection and applies a fresh deadline to
// every Read and Write. It satisfies net.Conn, so the session layer stays
// transport agnostic.
type Conn struct {
	net.Conn
	wmu sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps raw with per-operation deadlines. A zero timeout disables
// the corresponding deadline.
//
// Precondition: raw must be a valid, open network connection.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		Conn:         raw,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Read reads from the connection, failing with a timeout error if the peer
// stays silent for the read timeout.
func (c *Conn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.Conn.Read(p)
}

// Write writes p in full or fails. Concurrent writers are serialized so
// frames never interleave.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.Write(p)
}
