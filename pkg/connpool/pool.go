// Package connpool implements a bounded pool of reusable transport
// connections, one sub-pool per remote target.
//
// The pool consumes a Dialer supplied by the transport-security collaborator
// (the returned connections are assumed to already carry whatever channel
// security the deployment requires); it never negotiates security itself.
//
// Acquire blocks FIFO when a target's sub-pool is at capacity; the caller's
// context deadline bounds the wait. Unhealthy connections are closed on
// release and replaced lazily by the next acquire.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/layoutwcc/internal/logger"
)

var (
	// ErrPoolTimeout is returned when a queued acquire's deadline elapses
	// before a connection becomes available.
	ErrPoolTimeout = errors.New("connection pool acquire timed out")

	// ErrPoolClosed is returned for operations on a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Dialer opens a (already secured) connection to a target. Supplied by the
// transport-security collaborator at composition time.
type Dialer func(ctx context.Context, target string) (*Conn, error)

// TCPDialer returns a Dialer that opens plain TCP connections. Deployments
// with channel security wrap their secured net.Conn the same way.
func TCPDialer() Dialer {
	var d net.Dialer
	return func(ctx context.Context, target string) (*Conn, error) {
		nc, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, err
		}
		return &Conn{Conn: nc, target: target}, nil
	}
}

// Metrics receives pool instrumentation. A nil Metrics disables it.
type Metrics interface {
	ObserveAcquireWait(d time.Duration)
	RecordPoolTimeout()
	SetOpenConnections(target string, n int)
}

// Config holds pool sizing.
type Config struct {
	// MaxPerTarget caps concurrent connections per remote target.
	MaxPerTarget int

	// IdleTimeout discards idle connections older than this on the next
	// acquire. Zero disables idle expiry.
	IdleTimeout time.Duration
}

// waiter is a queued acquire. It receives either an idle connection or nil,
// which grants the waiter the right to dial a replacement.
type waiter chan *Conn

// targetPool is the bounded sub-pool for one remote target.
type targetPool struct {
	mu      sync.Mutex
	idle    []*Conn
	open    int // connections open or being dialed
	waiters []waiter
}

// Pool is the connection pool.
type Pool struct {
	dial    Dialer
	config  Config
	metrics Metrics

	mu      sync.Mutex
	targets map[string]*targetPool
	closed  bool
}

// New creates a pool using dial to open connections.
func New(dial Dialer, config Config, metrics Metrics) *Pool {
	if config.MaxPerTarget <= 0 {
		config.MaxPerTarget = 1
	}
	return &Pool{
		dial:    dial,
		config:  config,
		metrics: metrics,
		targets: make(map[string]*targetPool),
	}
}

// Acquire returns a connection to target, blocking FIFO until one is
// available or ctx expires (ErrPoolTimeout). The caller must Release the
// connection on every path.
func (p *Pool) Acquire(ctx context.Context, target string) (*Conn, error) {
	start := time.Now()

	tp, err := p.targetPool(target)
	if err != nil {
		return nil, err
	}

	tp.mu.Lock()

	// Reuse an idle connection, discarding expired ones.
	for len(tp.idle) > 0 {
		conn := tp.idle[len(tp.idle)-1]
		tp.idle = tp.idle[:len(tp.idle)-1]
		if p.expired(conn) {
			tp.open--
			tp.mu.Unlock()
			_ = conn.Close()
			tp.mu.Lock()
			continue
		}
		tp.mu.Unlock()
		p.observeWait(target, start, tp)
		return conn, nil
	}

	// Room to grow: dial a fresh connection outside the lock.
	if tp.open < p.config.MaxPerTarget {
		tp.open++
		tp.mu.Unlock()
		return p.dialFresh(ctx, target, tp, start)
	}

	// At capacity: queue FIFO.
	w := make(waiter, 1)
	tp.waiters = append(tp.waiters, w)
	tp.mu.Unlock()

	select {
	case <-ctx.Done():
		tp.mu.Lock()
		for i, queued := range tp.waiters {
			if queued == w {
				tp.waiters = append(tp.waiters[:i], tp.waiters[i+1:]...)
				tp.mu.Unlock()
				if p.metrics != nil {
					p.metrics.RecordPoolTimeout()
				}
				return nil, fmt.Errorf("%w: %v", ErrPoolTimeout, ctx.Err())
			}
		}
		tp.mu.Unlock()
		// A release already handed us something; consume it so the
		// connection (or dial grant) is not leaked.
		conn := <-w
		if conn != nil {
			p.Release(conn)
		} else {
			p.relinquishGrant(tp)
		}
		if p.metrics != nil {
			p.metrics.RecordPoolTimeout()
		}
		return nil, fmt.Errorf("%w: %v", ErrPoolTimeout, ctx.Err())

	case conn := <-w:
		if conn != nil {
			p.observeWait(target, start, tp)
			return conn, nil
		}
		// Grant: the releaser discarded a broken connection and reserved
		// the slot for us; dial the replacement lazily here.
		return p.dialFresh(ctx, target, tp, start)
	}
}

// Release returns a connection to the pool. Broken connections are closed
// and their slot freed; the pool dials a replacement only when next needed.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	tp, err := p.targetPool(conn.target)
	if err != nil {
		_ = conn.Close()
		return
	}

	if conn.Broken() {
		_ = conn.Close()
		p.relinquishGrant(tp)
		logger.Debug("discarded broken pooled connection", "target", conn.target)
		return
	}

	conn.lastUsed = time.Now()

	tp.mu.Lock()
	if w := tp.popWaiterLocked(); w != nil {
		tp.mu.Unlock()
		w <- conn
		return
	}
	tp.idle = append(tp.idle, conn)
	tp.mu.Unlock()
}

// Close shuts the pool down, closing idle connections and failing queued
// waiters. In-flight connections are closed by their eventual Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	targets := p.targets
	p.targets = make(map[string]*targetPool)
	p.mu.Unlock()

	for _, tp := range targets {
		tp.mu.Lock()
		idle := tp.idle
		waiters := tp.waiters
		tp.idle = nil
		tp.waiters = nil
		tp.mu.Unlock()

		for _, conn := range idle {
			_ = conn.Close()
		}
		for _, w := range waiters {
			close(w)
		}
	}
}

// dialFresh opens a new connection for a reserved slot, releasing the slot
// (and waking the next waiter) on failure.
func (p *Pool) dialFresh(ctx context.Context, target string, tp *targetPool, start time.Time) (*Conn, error) {
	conn, err := p.dial(ctx, target)
	if err != nil {
		p.relinquishGrant(tp)
		if ctx.Err() != nil {
			if p.metrics != nil {
				p.metrics.RecordPoolTimeout()
			}
			return nil, fmt.Errorf("%w: dial %s: %v", ErrPoolTimeout, target, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.target = target
	conn.lastUsed = time.Now()
	p.observeWait(target, start, tp)
	return conn, nil
}

// relinquishGrant frees one reserved slot, handing it to the next queued
// waiter when present.
func (p *Pool) relinquishGrant(tp *targetPool) {
	tp.mu.Lock()
	if w := tp.popWaiterLocked(); w != nil {
		// Slot stays reserved; the waiter dials its own replacement.
		tp.mu.Unlock()
		w <- nil
		return
	}
	tp.open--
	tp.mu.Unlock()
}

// popWaiterLocked dequeues the oldest waiter. Caller holds tp.mu.
func (tp *targetPool) popWaiterLocked() waiter {
	if len(tp.waiters) == 0 {
		return nil
	}
	w := tp.waiters[0]
	tp.waiters = tp.waiters[1:]
	return w
}

// targetPool returns (creating if needed) the sub-pool for target.
func (p *Pool) targetPool(target string) (*targetPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	tp, ok := p.targets[target]
	if !ok {
		tp = &targetPool{}
		p.targets[target] = tp
	}
	return tp, nil
}

// expired reports whether an idle connection outlived the idle timeout.
func (p *Pool) expired(conn *Conn) bool {
	if p.config.IdleTimeout <= 0 {
		return false
	}
	return time.Since(conn.lastUsed) > p.config.IdleTimeout
}

func (p *Pool) observeWait(target string, start time.Time, tp *targetPool) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveAcquireWait(time.Since(start))
	tp.mu.Lock()
	open := tp.open
	tp.mu.Unlock()
	p.metrics.SetOpenConnections(target, open)
}
