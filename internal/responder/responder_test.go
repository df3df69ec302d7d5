package responder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
	"github.com/marmos91/layoutwcc/pkg/connpool"
	"github.com/marmos91/layoutwcc/pkg/transport"
)

func request(layoutID string, stateID []byte, changeID uint64) *layoutwcc.Request {
	return &layoutwcc.Request{
		LayoutID: []byte(layoutID),
		Mirror: layoutwcc.MirrorRef{
			DeviceID:   []byte{0x01},
			StateID:    stateID,
			FileHandle: []byte{0xfe},
		},
		Snapshot: layoutwcc.AttributeSnapshot{
			ChangeID: changeID,
			Size:     changeID * 10,
			Mtime:    time.Unix(1700000000+int64(changeID), 0).UTC(),
		},
	}
}

// ============================================================================
// Store
// ============================================================================

func TestStoreApplyUnknownLayout(t *testing.T) {
	store := NewStore()

	res := store.Apply(request("L1", []byte{0xaa}, 1))
	assert.Equal(t, layoutwcc.StatusNotFound, res.Status)
}

func TestStoreApplyStaleStateID(t *testing.T) {
	store := NewStore()
	store.Register([]byte("L1"), []byte{0xaa})

	res := store.Apply(request("L1", []byte{0xbb}, 1))
	assert.Equal(t, layoutwcc.StatusStaleStateID, res.Status)
}

func TestStoreApplyAdvances(t *testing.T) {
	store := NewStore()
	store.Register([]byte("L1"), []byte{0xaa})

	res := store.Apply(request("L1", []byte{0xaa}, 3))
	require.Equal(t, layoutwcc.StatusOK, res.Status)
	require.True(t, res.HasSnapshot)
	assert.Equal(t, uint64(3), res.Snapshot.ChangeID)

	snap, ok := store.Snapshot([]byte("L1"))
	require.True(t, ok)
	assert.Equal(t, uint64(3), snap.ChangeID)
}

func TestStoreApplyStaleSnapshotEchoesCurrent(t *testing.T) {
	store := NewStore()
	store.Register([]byte("L1"), []byte{0xaa})
	store.Apply(request("L1", []byte{0xaa}, 5))

	// An older update is not an error; the mirror reports what it holds.
	res := store.Apply(request("L1", []byte{0xaa}, 2))
	require.Equal(t, layoutwcc.StatusOK, res.Status)
	require.True(t, res.HasSnapshot)
	assert.Equal(t, uint64(5), res.Snapshot.ChangeID)
}

func TestStoreReregisterRotatesStateID(t *testing.T) {
	store := NewStore()
	store.Register([]byte("L1"), []byte{0xaa})
	store.Apply(request("L1", []byte{0xaa}, 4))

	store.Register([]byte("L1"), []byte{0xbb})

	res := store.Apply(request("L1", []byte{0xaa}, 5))
	assert.Equal(t, layoutwcc.StatusStaleStateID, res.Status)

	// The applied snapshot survives the rotation.
	res = store.Apply(request("L1", []byte{0xbb}, 5))
	require.Equal(t, layoutwcc.StatusOK, res.Status)
	assert.Equal(t, uint64(5), res.Snapshot.ChangeID)
}

// ============================================================================
// Server end to end
// ============================================================================

func startServer(t *testing.T, config Config, store *Store) string {
	t.Helper()
	if config.Listen == "" {
		config.Listen = "127.0.0.1:0"
	}
	srv := NewServer(config, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// Wait for the listener to bind.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		require.True(t, time.Now().Before(deadline), "server did not start")
		time.Sleep(time.Millisecond)
	}
	return srv.Addr().String()
}

func newClient(t *testing.T, config transport.Config) *transport.Client {
	t.Helper()
	pool := connpool.New(connpool.TCPDialer(), connpool.Config{MaxPerTarget: 2}, nil)
	t.Cleanup(pool.Close)
	return transport.NewClient(pool, config, nil)
}

func TestServerEndToEnd(t *testing.T) {
	store := NewStore()
	store.Register([]byte("L1"), []byte{0xaa})
	addr := startServer(t, Config{}, store)

	client := newClient(t, transport.DefaultConfig())

	res, err := client.Exchange(context.Background(), addr, request("L1", []byte{0xaa}, 7))
	require.NoError(t, err)
	assert.Equal(t, layoutwcc.StatusOK, res.Status)
	assert.Equal(t, uint64(7), res.Snapshot.ChangeID)

	res, err = client.Exchange(context.Background(), addr, request("L2", []byte{0xaa}, 1))
	require.NoError(t, err)
	assert.Equal(t, layoutwcc.StatusNotFound, res.Status)

	res, err = client.Exchange(context.Background(), addr, request("L1", []byte{0x00}, 8))
	require.NoError(t, err)
	assert.Equal(t, layoutwcc.StatusStaleStateID, res.Status)
}

func TestServerGracePeriodAnswersRetry(t *testing.T) {
	store := NewStore()
	store.Register([]byte("L1"), []byte{0xaa})
	addr := startServer(t, Config{GracePeriod: 100 * time.Millisecond}, store)

	// The transport absorbs RETRY and backs off until the grace period
	// ends.
	config := transport.DefaultConfig()
	config.MaxAttempts = 10
	config.BackoffBase = 30 * time.Millisecond
	config.BackoffMax = 50 * time.Millisecond
	client := newClient(t, config)

	res, err := client.Exchange(context.Background(), addr, request("L1", []byte{0xaa}, 2))
	require.NoError(t, err)
	assert.Equal(t, layoutwcc.StatusOK, res.Status)
}

func TestServerConcurrentClients(t *testing.T) {
	store := NewStore()
	for _, id := range []string{"L1", "L2", "L3", "L4"} {
		store.Register([]byte(id), []byte{0xaa})
	}
	addr := startServer(t, Config{}, store)

	done := make(chan error, 4)
	for _, id := range []string{"L1", "L2", "L3", "L4"} {
		go func(id string) {
			client := newClient(t, transport.DefaultConfig())
			var err error
			for c := uint64(1); c <= 20; c++ {
				if _, err = client.Exchange(context.Background(), addr, request(id, []byte{0xaa}, c)); err != nil {
					break
				}
			}
			done <- err
		}(id)
	}
	for range 4 {
		assert.NoError(t, <-done)
	}

	for _, id := range []string{"L1", "L2", "L3", "L4"} {
		snap, ok := store.Snapshot([]byte(id))
		require.True(t, ok)
		assert.Equal(t, uint64(20), snap.ChangeID)
	}
}
