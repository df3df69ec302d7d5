package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marmos91/layoutwcc/internal/logger"
	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
	"github.com/marmos91/layoutwcc/pkg/connpool"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrRetriesExhausted is returned when every attempt against a mirror
	// failed. The last attempt's error is wrapped alongside it.
	ErrRetriesExhausted = errors.New("transport: retries exhausted")
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls the retry behavior of a Client.
type Config struct {
	// MaxAttempts caps the total number of attempts per exchange,
	// including the first.
	MaxAttempts int

	// BackoffBase is the delay before the first retry. Each subsequent
	// retry doubles it, up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// AttemptTimeout bounds a single write+read round trip.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the retry settings used when no explicit
// configuration is provided.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    100 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

// Metrics receives transport instrumentation. A nil Metrics disables it.
type Metrics interface {
	RecordExchange(target string)
	RecordRetry(target string)
	RecordFailure(target string)
	ObserveExchangeDuration(target string, seconds float64)
}

// ============================================================================
// Client
// ============================================================================

// Client performs request/response exchanges with mirror servers over pooled
// TCP connections. Each exchange owns its connection exclusively for the
// duration of the round trip; replies are matched to requests by XID as a
// sanity check, not for multiplexing.
type Client struct {
	pool    *connpool.Pool
	config  Config
	metrics Metrics
	nextXID atomic.Uint32
}

// NewClient creates a transport client on top of pool.
func NewClient(pool *connpool.Pool, config Config, metrics Metrics) *Client {
	c := &Client{
		pool:    pool,
		config:  config,
		metrics: metrics,
	}
	// Seed the XID so reconnecting after a restart does not replay the
	// same identifiers a stale peer might still associate with old calls.
	c.nextXID.Store(uint32(time.Now().UnixNano()))
	return c
}

// exchangeState tracks one in-flight exchange through its lifecycle. The
// state machine is driven by Exchange's loop; keeping it explicit (rather
// than burying the progression in loop variables) makes the transitions
// auditable and keeps the retry policy scheduler-agnostic.
type exchangeState int

const (
	statePending  exchangeState = iota // first attempt not yet made
	stateRetrying                      // waiting out a backoff before attempt N
	stateDone                          // terminal: response decoded
	stateFailed                        // terminal: attempts exhausted or ctx expired
)

// inflight is the per-exchange record: target, encoded payload, and the
// machine's current position.
type inflight struct {
	target  string
	payload []byte

	state    exchangeState
	attempt  int // attempts completed so far
	lastErr  error
	terminal bool // failure is non-retryable, report lastErr as-is

	response *layoutwcc.Response
}

// Exchange sends req to target and returns the decoded response.
//
// Connection errors and StatusRetry responses are retried with exponential
// backoff on a fresh connection, up to MaxAttempts. Any connection that saw
// an I/O error is marked broken so the pool discards it. All other statuses,
// including failures like StatusStaleStateID, are returned to the caller
// undisturbed: only the transport-level "try again" signals are absorbed
// here.
func (c *Client) Exchange(ctx context.Context, target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
	payload, err := layoutwcc.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveExchangeDuration(target, time.Since(start).Seconds())
		}
	}()

	call := &inflight{target: target, payload: payload, state: statePending}

	for {
		switch call.state {
		case statePending:
			c.step(ctx, call)

		case stateRetrying:
			if c.metrics != nil {
				c.metrics.RecordRetry(target)
			}
			delay := c.backoff(call.attempt)
			logger.Debug("transport retrying exchange",
				"target", target,
				"attempt", call.attempt+1,
				"delay", delay,
				"error", call.lastErr)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			c.step(ctx, call)

		case stateDone:
			return call.response, nil

		case stateFailed:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if c.metrics != nil {
				c.metrics.RecordFailure(target)
			}
			if call.terminal {
				return nil, call.lastErr
			}
			return nil, fmt.Errorf("exchange with %s failed after %d attempts: %w (last error: %w)",
				target, call.attempt, ErrRetriesExhausted, call.lastErr)
		}
	}
}

// step runs one attempt and transitions the state machine.
func (c *Client) step(ctx context.Context, call *inflight) {
	if c.metrics != nil {
		c.metrics.RecordExchange(call.target)
	}

	frame, err := c.attempt(ctx, call.target, call.payload)
	call.attempt++

	if err == nil {
		status, peekErr := layoutwcc.PeekStatus(frame)
		if peekErr != nil {
			// A reply that does not even carry a valid status is corrupt,
			// not transient.
			call.state = stateFailed
			call.terminal = true
			call.lastErr = fmt.Errorf("response from %s: %w", call.target, peekErr)
			return
		}
		if status != layoutwcc.StatusRetry {
			res, decodeErr := layoutwcc.DecodeResponse(frame)
			if decodeErr != nil {
				// A frame that carried a valid status but does not decode is
				// corrupt, not transient. Surface it immediately.
				call.state = stateFailed
				call.terminal = true
				call.lastErr = fmt.Errorf("decode response from %s: %w", call.target, decodeErr)
				return
			}
			call.state = stateDone
			call.response = res
			return
		}
		err = fmt.Errorf("mirror %s asked to retry", call.target)
	}

	call.lastErr = err
	if ctx.Err() != nil || call.attempt >= c.config.MaxAttempts {
		call.state = stateFailed
		return
	}
	logger.Warn("transport exchange attempt failed",
		"target", call.target,
		"attempt", call.attempt,
		"error", err)
	call.state = stateRetrying
}

// attempt performs a single round trip on a pooled connection.
func (c *Client) attempt(ctx context.Context, target string, payload []byte) ([]byte, error) {
	conn, err := c.pool.Acquire(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer c.pool.Release(conn)

	deadline := time.Now().Add(c.config.AttemptTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.MarkBroken()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	xid := c.nextXID.Add(1)

	if err := WriteFrame(conn, xid, payload); err != nil {
		conn.MarkBroken()
		return nil, err
	}

	frame, err := ReadReply(conn, xid)
	if err != nil {
		// The reply may still be in flight; the connection is no longer
		// in a known state, so it cannot be reused.
		conn.MarkBroken()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return frame, nil
}

// backoff returns the delay before the given retry (1-based), doubling from
// BackoffBase and capped at BackoffMax.
func (c *Client) backoff(retry int) time.Duration {
	delay := c.config.BackoffBase << (retry - 1)
	if delay > c.config.BackoffMax || delay <= 0 {
		delay = c.config.BackoffMax
	}
	return delay
}
