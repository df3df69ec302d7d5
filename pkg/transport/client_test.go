package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
	"github.com/marmos91/layoutwcc/pkg/connpool"
)

// respondFunc decides what a test mirror answers to the nth request (1-based).
type respondFunc func(n int, req *layoutwcc.Request) *layoutwcc.Response

// startMirror runs a loopback server that speaks the framed protocol. A nil
// response from respond makes the server drop the connection instead of
// answering.
func startMirror(t *testing.T, respond respondFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var calls atomic.Int64

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					message, err := ReadMessage(conn)
					if err != nil {
						return
					}
					if len(message) < 4 {
						return
					}
					xid := binary.BigEndian.Uint32(message[:4])

					req, err := layoutwcc.DecodeRequest(message[4:])
					if err != nil {
						return
					}

					res := respond(int(calls.Add(1)), req)
					if res == nil {
						return
					}
					frame, err := layoutwcc.EncodeResponse(res)
					if err != nil {
						return
					}
					if err := WriteFrame(conn, xid, frame); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func testRequest() *layoutwcc.Request {
	return &layoutwcc.Request{
		LayoutID: []byte{0x01, 0x02, 0x03, 0x04},
		Mirror: layoutwcc.MirrorRef{
			DeviceID:   []byte{0xaa, 0xbb},
			StateID:    []byte{0x10, 0x11, 0x12},
			FileHandle: []byte{0xfe, 0xed},
		},
		Snapshot: layoutwcc.AttributeSnapshot{
			ChangeID: 7,
			Size:     4096,
			Mtime:    time.Unix(0, 1700000000000000000).UTC(),
		},
	}
}

func testClient(t *testing.T, config Config) *Client {
	t.Helper()
	pool := connpool.New(connpool.TCPDialer(), connpool.Config{MaxPerTarget: 2}, nil)
	t.Cleanup(pool.Close)
	return NewClient(pool, config, nil)
}

func TestExchangeRoundTrip(t *testing.T) {
	applied := layoutwcc.AttributeSnapshot{
		ChangeID: 7,
		Size:     4096,
		Mtime:    time.Unix(0, 1700000000000000000).UTC(),
	}
	target := startMirror(t, func(n int, req *layoutwcc.Request) *layoutwcc.Response {
		return &layoutwcc.Response{
			Status:      layoutwcc.StatusOK,
			HasSnapshot: true,
			Snapshot:    req.Snapshot,
		}
	})

	client := testClient(t, DefaultConfig())
	res, err := client.Exchange(context.Background(), target, testRequest())
	require.NoError(t, err)

	assert.Equal(t, layoutwcc.StatusOK, res.Status)
	assert.True(t, res.HasSnapshot)
	assert.Equal(t, applied, res.Snapshot)
}

func TestExchangeRetryStatusIsRetried(t *testing.T) {
	target := startMirror(t, func(n int, req *layoutwcc.Request) *layoutwcc.Response {
		if n < 3 {
			return &layoutwcc.Response{Status: layoutwcc.StatusRetry}
		}
		return &layoutwcc.Response{Status: layoutwcc.StatusOK}
	})

	config := DefaultConfig()
	config.BackoffBase = time.Millisecond
	config.BackoffMax = 5 * time.Millisecond

	client := testClient(t, config)
	res, err := client.Exchange(context.Background(), target, testRequest())
	require.NoError(t, err)
	assert.Equal(t, layoutwcc.StatusOK, res.Status)
}

func TestExchangeRetriesExhausted(t *testing.T) {
	target := startMirror(t, func(n int, req *layoutwcc.Request) *layoutwcc.Response {
		return &layoutwcc.Response{Status: layoutwcc.StatusRetry}
	})

	config := DefaultConfig()
	config.MaxAttempts = 2
	config.BackoffBase = time.Millisecond
	config.BackoffMax = 5 * time.Millisecond

	client := testClient(t, config)
	_, err := client.Exchange(context.Background(), target, testRequest())
	require.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestExchangeRecoversFromDroppedConnection(t *testing.T) {
	// First request gets the connection closed mid-exchange; the retry on a
	// fresh connection succeeds.
	target := startMirror(t, func(n int, req *layoutwcc.Request) *layoutwcc.Response {
		if n == 1 {
			return nil
		}
		return &layoutwcc.Response{Status: layoutwcc.StatusOK}
	})

	config := DefaultConfig()
	config.BackoffBase = time.Millisecond
	config.BackoffMax = 5 * time.Millisecond

	client := testClient(t, config)
	res, err := client.Exchange(context.Background(), target, testRequest())
	require.NoError(t, err)
	assert.Equal(t, layoutwcc.StatusOK, res.Status)
}

func TestExchangeFailureStatusNotRetried(t *testing.T) {
	var calls atomic.Int64
	target := startMirror(t, func(n int, req *layoutwcc.Request) *layoutwcc.Response {
		calls.Store(int64(n))
		return &layoutwcc.Response{Status: layoutwcc.StatusStaleStateID}
	})

	client := testClient(t, DefaultConfig())
	res, err := client.Exchange(context.Background(), target, testRequest())
	require.NoError(t, err)

	assert.Equal(t, layoutwcc.StatusStaleStateID, res.Status)
	assert.Equal(t, int64(1), calls.Load())
}

func TestExchangeContextCancellation(t *testing.T) {
	// Server that accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	config := DefaultConfig()
	config.AttemptTimeout = 10 * time.Second

	client := testClient(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.Exchange(ctx, ln.Addr().String(), testRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("layout update payload")

	require.NoError(t, WriteFrame(&buf, 0xdeadbeef, payload))

	got, err := ReadReply(&buf, 0xdeadbeef)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameXIDMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1, []byte("payload")))

	_, err := ReadReply(&buf, 2)
	require.ErrorContains(t, err, "XID mismatch")
}

func TestReadMessageReassemblesFragments(t *testing.T) {
	var buf bytes.Buffer

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 5)
	buf.Write(header[:])
	buf.WriteString("hello")

	binary.BigEndian.PutUint32(header[:], lastFragmentFlag|6)
	buf.Write(header[:])
	buf.WriteString(" world")

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestReadMessageRejectsOversizedFragment(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], lastFragmentFlag|(maxFragmentLength+1))
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	require.ErrorContains(t, err, "exceeds limit")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	client := &Client{config: Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	}}

	assert.Equal(t, 100*time.Millisecond, client.backoff(1))
	assert.Equal(t, 200*time.Millisecond, client.backoff(2))
	assert.Equal(t, 400*time.Millisecond, client.backoff(3))
	assert.Equal(t, 800*time.Millisecond, client.backoff(4))
	assert.Equal(t, time.Second, client.backoff(5))
	assert.Equal(t, time.Second, client.backoff(40))
}
