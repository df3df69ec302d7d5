package propagation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
	"github.com/marmos91/layoutwcc/pkg/layoutcache"
)

// ============================================================================
// Test fakes
// ============================================================================

type fakeExchanger struct {
	mu    sync.Mutex
	calls atomic.Int64
	f     func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error)
}

func (fe *fakeExchanger) Exchange(ctx context.Context, target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
	fe.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fe.mu.Lock()
	f := fe.f
	fe.mu.Unlock()
	return f(target, req)
}

type fakeLeases struct {
	calls   atomic.Int64
	refresh func(mirror layoutwcc.MirrorRef) (layoutwcc.MirrorRef, error)
}

func (fl *fakeLeases) RefreshStateID(ctx context.Context, layoutID []byte, mirror layoutwcc.MirrorRef) (layoutwcc.MirrorRef, error) {
	fl.calls.Add(1)
	if fl.refresh != nil {
		return fl.refresh(mirror)
	}
	fresh := mirror
	fresh.StateID = append(append([]byte(nil), mirror.StateID...), 0xff)
	return fresh, nil
}

type fakeMirrors struct {
	calls   atomic.Int64
	mirrors []layoutwcc.MirrorRef
}

func (fm *fakeMirrors) MirrorsFor(ctx context.Context, layoutID []byte) ([]layoutwcc.MirrorRef, error) {
	fm.calls.Add(1)
	return fm.mirrors, nil
}

// hexResolver maps each device id to a synthetic target address.
type hexResolver struct{}

func (hexResolver) Resolve(deviceID []byte) (string, error) {
	return fmt.Sprintf("mirror-%x:2049", deviceID), nil
}

func mirror(device byte) layoutwcc.MirrorRef {
	return layoutwcc.MirrorRef{
		DeviceID:   []byte{device},
		StateID:    []byte{device, 0x01},
		FileHandle: []byte{device, 0xfe},
	}
}

func snapshot(changeID uint64) layoutwcc.AttributeSnapshot {
	return layoutwcc.AttributeSnapshot{
		ChangeID: changeID,
		Size:     changeID * 100,
		Mtime:    time.Unix(1700000000+int64(changeID), 0).UTC(),
	}
}

func okResponse() *layoutwcc.Response {
	return &layoutwcc.Response{Status: layoutwcc.StatusOK}
}

func newTestEngine(mirrors []layoutwcc.MirrorRef, exchange *fakeExchanger) (*Engine, *layoutcache.Cache, *fakeLeases, *fakeMirrors) {
	cache := layoutcache.New(16, nil)
	leases := &fakeLeases{}
	source := &fakeMirrors{mirrors: mirrors}
	engine := NewEngine(cache, exchange, leases, source, hexResolver{}, nil)
	return engine, cache, leases, source
}

// ============================================================================
// Tests
// ============================================================================

func TestPropagateNotifiesAllMirrors(t *testing.T) {
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		return okResponse(), nil
	}}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{mirror(1), mirror(2)}, exchange)
	layoutID := []byte("layout-1")

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	assert.True(t, result.Advanced)
	assert.Len(t, result.Outcomes, 2)
	assert.Equal(t, 2, result.Acked())
	assert.Equal(t, 0, result.Pending())

	entry, ok := cache.Get(layoutID)
	require.True(t, ok)
	assert.Empty(t, entry.Dirty)
	assert.Equal(t, uint64(2), entry.LastApplied.ChangeID)
}

func TestPropagateIsIdempotent(t *testing.T) {
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		return okResponse(), nil
	}}
	engine, _, _, _ := newTestEngine([]layoutwcc.MirrorRef{mirror(1), mirror(2)}, exchange)
	layoutID := []byte("layout-1")

	_, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)
	dispatched := exchange.calls.Load()

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	assert.False(t, result.Advanced)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, dispatched, exchange.calls.Load(), "duplicate snapshot must dispatch nothing")
}

func TestPropagateStaleSnapshotIgnored(t *testing.T) {
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		return okResponse(), nil
	}}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{mirror(1)}, exchange)
	layoutID := []byte("layout-1")

	_, err := engine.Propagate(context.Background(), layoutID, snapshot(5))
	require.NoError(t, err)

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(3))
	require.NoError(t, err)
	assert.False(t, result.Advanced)

	entry, _ := cache.Get(layoutID)
	assert.Equal(t, uint64(5), entry.LastApplied.ChangeID, "change id must never decrease")
}

func TestPropagatePartialSuccess(t *testing.T) {
	// Three mirrors: one acks, one is gone, one times out.
	m1, m2, m3 := mirror(1), mirror(2), mirror(3)
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		switch target {
		case "mirror-01:2049":
			return okResponse(), nil
		case "mirror-02:2049":
			return &layoutwcc.Response{Status: layoutwcc.StatusNotFound}, nil
		default:
			return nil, context.DeadlineExceeded
		}
	}}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{m1, m2, m3}, exchange)
	layoutID := []byte("layout-1")

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, OutcomeAcked, result.Outcomes[m1.Key()].Outcome)
	assert.Equal(t, OutcomeRemoved, result.Outcomes[m2.Key()].Outcome)
	assert.Equal(t, OutcomeTimeout, result.Outcomes[m3.Key()].Outcome)

	entry, ok := cache.Get(layoutID)
	require.True(t, ok)
	assert.NotContains(t, entry.Mirrors, m2.Key(), "NOT_FOUND mirror must be forgotten")
	assert.NotContains(t, entry.Dirty, m1.Key())
	assert.Contains(t, entry.Dirty, m3.Key(), "timed-out mirror must stay dirty")
	assert.Len(t, entry.Dirty, 1)
}

func TestPropagateStaleStateIDRefreshedAndRetried(t *testing.T) {
	// M1 acks immediately; M2 rejects the original state id once, then acks
	// the refreshed one.
	m1, m2 := mirror(1), mirror(2)
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		if target == "mirror-02:2049" && len(req.Mirror.StateID) == 2 {
			return &layoutwcc.Response{Status: layoutwcc.StatusStaleStateID}, nil
		}
		return okResponse(), nil
	}}
	engine, cache, leases, _ := newTestEngine([]layoutwcc.MirrorRef{m1, m2}, exchange)
	layoutID := []byte("layout-1")

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Acked())
	assert.Equal(t, int64(1), leases.calls.Load())

	entry, _ := cache.Get(layoutID)
	assert.Empty(t, entry.Dirty)
	assert.Equal(t, uint64(2), entry.LastApplied.ChangeID)
	// The refreshed state id replaced the stale one in the cache.
	assert.Equal(t, []byte{2, 0x01, 0xff}, entry.Mirrors[m2.Key()].StateID)
}

func TestPropagateStaleStateIDDeferredAfterSecondRejection(t *testing.T) {
	m1 := mirror(1)
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		return &layoutwcc.Response{Status: layoutwcc.StatusStaleStateID}, nil
	}}
	engine, cache, leases, _ := newTestEngine([]layoutwcc.MirrorRef{m1}, exchange)
	layoutID := []byte("layout-1")

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeferred, result.Outcomes[m1.Key()].Outcome)
	assert.Equal(t, int64(1), leases.calls.Load(), "exactly one refresh per cycle")
	assert.Equal(t, int64(2), exchange.calls.Load(), "exactly one retry per cycle")

	entry, _ := cache.Get(layoutID)
	assert.Contains(t, entry.Dirty, m1.Key(), "deferred mirror stays dirty")
}

func TestPropagateStaleAckDoesNotClearNewerDirtiness(t *testing.T) {
	// While the ack for change 4 is in flight, the layout advances to
	// change 5. The slow ack must not clear the dirtiness change 5 set.
	m1 := mirror(1)
	gate := make(chan struct{})
	advanced := make(chan struct{})

	exchange := &fakeExchanger{}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{m1}, exchange)
	layoutID := []byte("layout-1")

	exchange.f = func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		if req.Snapshot.ChangeID == 4 {
			close(gate)
			<-advanced
		}
		return okResponse(), nil
	}

	done := make(chan *Result, 1)
	go func() {
		result, err := engine.Propagate(context.Background(), layoutID, snapshot(4))
		assert.NoError(t, err)
		done <- result
	}()

	<-gate
	// Advance the cache to change 5 directly, as a racing cycle would.
	_, err := cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
		en.Advance(snapshot(5))
		return nil
	})
	require.NoError(t, err)
	close(advanced)
	<-done

	entry, _ := cache.Get(layoutID)
	assert.Contains(t, entry.Dirty, m1.Key(), "ack for change 4 must not clear dirtiness from change 5")
	assert.Equal(t, uint64(5), entry.LastApplied.ChangeID)
	assert.Equal(t, uint64(4), entry.Acked[m1.Key()])
}

func TestPropagateCreditsMirrorAlreadyAhead(t *testing.T) {
	// A mirror that reports an applied snapshot newer than the request is
	// credited for what it actually holds.
	m1 := mirror(1)
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		return &layoutwcc.Response{
			Status:      layoutwcc.StatusOK,
			HasSnapshot: true,
			Snapshot:    snapshot(9),
		}, nil
	}}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{m1}, exchange)
	layoutID := []byte("layout-1")

	_, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	entry, _ := cache.Get(layoutID)
	assert.Equal(t, uint64(9), entry.Acked[m1.Key()])
}

func TestPropagateDiscoversMirrorsOnce(t *testing.T) {
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		return okResponse(), nil
	}}
	engine, _, _, source := newTestEngine([]layoutwcc.MirrorRef{mirror(1)}, exchange)
	layoutID := []byte("layout-1")

	_, err := engine.Propagate(context.Background(), layoutID, snapshot(1))
	require.NoError(t, err)
	_, err = engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)

	assert.Equal(t, int64(1), source.calls.Load(), "mirror discovery is lazy, once per layout")
}

func TestAddMirrorReAddsAfterRemoval(t *testing.T) {
	// A mirror removed after NOT_FOUND can be re-registered by a rebalance.
	// It comes back with a fresh baseline and catches up on the next cycle.
	m1, m2 := mirror(1), mirror(2)
	var gone atomic.Bool
	gone.Store(true)
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		if target == "mirror-02:2049" && gone.Load() {
			return &layoutwcc.Response{Status: layoutwcc.StatusNotFound}, nil
		}
		return okResponse(), nil
	}}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{m1, m2}, exchange)
	layoutID := []byte("layout-1")

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoved, result.Outcomes[m2.Key()].Outcome)

	gone.Store(false)
	require.NoError(t, engine.AddMirror(layoutID, m2))

	entry, _ := cache.Get(layoutID)
	assert.Contains(t, entry.Dirty, m2.Key(), "re-added mirror starts dirty")

	result, err = engine.Propagate(context.Background(), layoutID, snapshot(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcked, result.Outcomes[m2.Key()].Outcome)

	entry, _ = cache.Get(layoutID)
	assert.Empty(t, entry.Dirty)
}

func TestPropagateL1ScenarioFromColdStart(t *testing.T) {
	// Layout with 2 mirrors at change 1, then a change to id=2: both dirty,
	// M1 OK, M2 STALE_STATEID then OK. Final: nothing dirty, change id 2.
	m1, m2 := mirror(1), mirror(2)
	var m2Rejections atomic.Int64
	exchange := &fakeExchanger{f: func(target string, req *layoutwcc.Request) (*layoutwcc.Response, error) {
		if target == "mirror-02:2049" && req.Snapshot.ChangeID == 2 && m2Rejections.Add(1) == 1 {
			return &layoutwcc.Response{Status: layoutwcc.StatusStaleStateID}, nil
		}
		return okResponse(), nil
	}}
	engine, cache, _, _ := newTestEngine([]layoutwcc.MirrorRef{m1, m2}, exchange)
	layoutID := []byte("L1")

	_, err := engine.Propagate(context.Background(), layoutID, snapshot(1))
	require.NoError(t, err)

	result, err := engine.Propagate(context.Background(), layoutID, snapshot(2))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Acked())

	entry, _ := cache.Get(layoutID)
	assert.Empty(t, entry.Dirty)
	assert.Equal(t, uint64(2), entry.LastApplied.ChangeID)
}
