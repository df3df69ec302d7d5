package connpool

import (
	"net"
	"sync/atomic"
	"time"
)

// Conn is a pooled connection. It is owned by exactly one request between
// Acquire and Release; the pool never hands the same Conn to two requests.
type Conn struct {
	net.Conn

	target   string
	lastUsed time.Time
	broken   atomic.Bool
}

// Target returns the remote endpoint this connection is dialed to.
func (c *Conn) Target() string {
	return c.target
}

// MarkBroken flags the connection as unusable. The pool closes flagged
// connections on release instead of returning them to the idle set; the
// transport sets this on any read/write failure or protocol desync.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

// Broken reports whether the connection has been flagged as unusable.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}
