// Package propagation implements the selective LAYOUT_WCC dispatch cycle:
// given a file attribute change, it advances the cached layout state, works
// out which mirrors are behind, notifies exactly those, and reconciles their
// answers back into the cache.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/layoutwcc/internal/logger"
	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
	"github.com/marmos91/layoutwcc/pkg/connpool"
	"github.com/marmos91/layoutwcc/pkg/layoutcache"
)

// Metrics receives engine instrumentation. A nil Metrics disables it.
type Metrics interface {
	RecordCycle()
	RecordNoOp()
	RecordOutcome(outcome string)
	ObserveCycleDuration(seconds float64)
}

// Engine drives propagation cycles. It owns no mirror state itself: the
// layout cache is the single source of truth and every mutation goes through
// its per-key atomic upsert, so concurrent cycles for the same layout never
// interleave their read-modify-write.
type Engine struct {
	cache   *layoutcache.Cache
	client  Exchanger
	leases  LeaseManager
	mirrors MirrorSource
	devices DeviceResolver
	metrics Metrics
}

// NewEngine wires an engine from its collaborators.
func NewEngine(
	cache *layoutcache.Cache,
	client Exchanger,
	leases LeaseManager,
	mirrors MirrorSource,
	devices DeviceResolver,
	metrics Metrics,
) *Engine {
	return &Engine{
		cache:   cache,
		client:  client,
		leases:  leases,
		mirrors: mirrors,
		devices: devices,
		metrics: metrics,
	}
}

// Propagate runs one cycle: apply snapshot to the layout's cache entry and
// notify every mirror that is now behind.
//
// A snapshot whose change id does not supersede the cached one is a no-op
// and dispatches nothing. Mirror failures never fail the cycle as a whole;
// they are reported per mirror in the result and the mirrors stay dirty for
// a later cycle. The only errors returned are cache backpressure
// (layoutcache.ErrCacheExhausted), mirror discovery failure for an unknown
// layout, and ctx expiry before dispatch began.
func (e *Engine) Propagate(ctx context.Context, layoutID []byte, snapshot layoutwcc.AttributeSnapshot) (*Result, error) {
	start := time.Now()
	cycleID := uuid.New()

	if e.metrics != nil {
		defer func() {
			e.metrics.ObserveCycleDuration(time.Since(start).Seconds())
		}()
		e.metrics.RecordCycle()
	}

	if err := e.ensureMirrors(ctx, layoutID); err != nil {
		return nil, err
	}

	var advanced bool
	entry, err := e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
		advanced = en.Advance(snapshot)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		CycleID:  cycleID,
		LayoutID: append([]byte(nil), layoutID...),
		Snapshot: snapshot,
		Advanced: advanced,
		Outcomes: make(map[string]MirrorOutcome),
	}

	if !advanced {
		if e.metrics != nil {
			e.metrics.RecordNoOp()
		}
		logger.Debug("propagation no-op, snapshot does not supersede cached state",
			"cycle_id", cycleID,
			"layout_id", fmt.Sprintf("%x", layoutID),
			"change_id", snapshot.ChangeID,
			"cached_change_id", entry.LastApplied.ChangeID)
		return result, nil
	}

	logger.Info("propagation cycle started",
		"cycle_id", cycleID,
		"layout_id", fmt.Sprintf("%x", layoutID),
		"change_id", snapshot.ChangeID,
		"dirty_mirrors", len(entry.Dirty))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for key := range entry.Dirty {
		mirror, ok := entry.Mirrors[key]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(key string, mirror layoutwcc.MirrorRef) {
			defer wg.Done()
			outcome := e.notifyMirror(ctx, cycleID, layoutID, mirror, entry.LastApplied)
			if e.metrics != nil {
				e.metrics.RecordOutcome(outcome.Outcome.String())
			}
			mu.Lock()
			result.Outcomes[key] = outcome
			mu.Unlock()
		}(key, mirror)
	}
	wg.Wait()

	logger.Info("propagation cycle finished",
		"cycle_id", cycleID,
		"layout_id", fmt.Sprintf("%x", layoutID),
		"acked", result.Acked(),
		"pending", result.Pending(),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// AddMirror registers a mirror for a layout, outside the normal discovery
// path. This is how a mirror removed after NOT_FOUND comes back once a
// rebalance re-assigns the layout to it: the re-added mirror starts from a
// fresh baseline and is dirty until it acknowledges the current state.
func (e *Engine) AddMirror(layoutID []byte, mirror layoutwcc.MirrorRef) error {
	_, err := e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
		en.AddMirror(mirror)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("mirror registered",
		"layout_id", fmt.Sprintf("%x", layoutID),
		"mirror", mirror.Key())
	return nil
}

// ensureMirrors lazily populates the mirror set the first time a layout is
// seen. Discovery happens outside any cache lock; a concurrent cycle racing
// through here at worst re-adds the same mirrors, which is idempotent.
func (e *Engine) ensureMirrors(ctx context.Context, layoutID []byte) error {
	if _, ok := e.cache.Get(layoutID); ok {
		return nil
	}

	mirrors, err := e.mirrors.MirrorsFor(ctx, layoutID)
	if err != nil {
		return fmt.Errorf("discover mirrors for layout %x: %w", layoutID, err)
	}

	_, err = e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
		for _, m := range mirrors {
			en.AddMirror(m)
		}
		return nil
	})
	return err
}

// notifyMirror sends one LAYOUT_WCC update and reconciles the answer into
// the cache. It never returns an error: every path maps to an Outcome.
func (e *Engine) notifyMirror(
	ctx context.Context,
	cycleID uuid.UUID,
	layoutID []byte,
	mirror layoutwcc.MirrorRef,
	snapshot layoutwcc.AttributeSnapshot,
) MirrorOutcome {
	key := mirror.Key()

	res, err := e.exchange(ctx, layoutID, mirror, snapshot)
	if err != nil {
		return e.dispatchFailure(cycleID, mirror, err)
	}

	switch res.Status {
	case layoutwcc.StatusOK:
		return e.acknowledge(layoutID, mirror, snapshot, res)

	case layoutwcc.StatusNotFound:
		// The mirror no longer serves this layout. Forget it; this is
		// routine topology churn, not a failure.
		_, err := e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
			en.RemoveMirror(key)
			return nil
		})
		if err != nil {
			return MirrorOutcome{Mirror: mirror, Outcome: OutcomeFailed, Err: err}
		}
		logger.Info("mirror no longer serves layout, removed",
			"cycle_id", cycleID,
			"layout_id", fmt.Sprintf("%x", layoutID),
			"mirror", key)
		return MirrorOutcome{Mirror: mirror, Outcome: OutcomeRemoved}

	case layoutwcc.StatusStaleStateID:
		return e.refreshAndRetry(ctx, cycleID, layoutID, mirror, snapshot)

	default:
		// StatusRetry is absorbed by the transport; anything else here is
		// a status this engine does not know how to reconcile.
		return MirrorOutcome{
			Mirror:  mirror,
			Outcome: OutcomeFailed,
			Err:     fmt.Errorf("unexpected status %s from mirror %s", res.Status, key),
		}
	}
}

// refreshAndRetry handles STALE_STATEID: fetch a fresh state id from the
// lease manager and retry exactly once. A second rejection defers the mirror
// to a later cycle rather than escalating.
func (e *Engine) refreshAndRetry(
	ctx context.Context,
	cycleID uuid.UUID,
	layoutID []byte,
	mirror layoutwcc.MirrorRef,
	snapshot layoutwcc.AttributeSnapshot,
) MirrorOutcome {
	key := mirror.Key()

	refreshed, err := e.leases.RefreshStateID(ctx, layoutID, mirror)
	if err != nil {
		return MirrorOutcome{
			Mirror:  mirror,
			Outcome: OutcomeDeferred,
			Err:     fmt.Errorf("refresh state id for mirror %s: %w", key, err),
		}
	}

	// Remember the fresh state id so later cycles start from it.
	_, err = e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
		if _, known := en.Mirrors[key]; known {
			en.Mirrors[key] = refreshed
		}
		return nil
	})
	if err != nil {
		return MirrorOutcome{Mirror: mirror, Outcome: OutcomeDeferred, Err: err}
	}

	logger.Debug("retrying mirror with refreshed state id",
		"cycle_id", cycleID,
		"layout_id", fmt.Sprintf("%x", layoutID),
		"mirror", key)

	res, err := e.exchange(ctx, layoutID, refreshed, snapshot)
	if err != nil {
		return e.dispatchFailure(cycleID, refreshed, err)
	}
	switch res.Status {
	case layoutwcc.StatusOK:
		return e.acknowledge(layoutID, refreshed, snapshot, res)
	case layoutwcc.StatusNotFound:
		_, err := e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
			en.RemoveMirror(key)
			return nil
		})
		if err != nil {
			return MirrorOutcome{Mirror: refreshed, Outcome: OutcomeFailed, Err: err}
		}
		return MirrorOutcome{Mirror: refreshed, Outcome: OutcomeRemoved}
	default:
		return MirrorOutcome{
			Mirror:  refreshed,
			Outcome: OutcomeDeferred,
			Err:     fmt.Errorf("mirror %s still rejects state id after refresh", key),
		}
	}
}

// exchange resolves the mirror's address and performs the wire round trip.
func (e *Engine) exchange(
	ctx context.Context,
	layoutID []byte,
	mirror layoutwcc.MirrorRef,
	snapshot layoutwcc.AttributeSnapshot,
) (*layoutwcc.Response, error) {
	target, err := e.devices.Resolve(mirror.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve device %x: %w", mirror.DeviceID, err)
	}
	req := &layoutwcc.Request{
		LayoutID: layoutID,
		Mirror:   mirror,
		Snapshot: snapshot,
	}
	return e.client.Exchange(ctx, target, req)
}

// acknowledge clears the mirror's dirtiness for the change id it confirmed.
// The cache only clears dirtiness when the ack covers the current
// last-applied snapshot, so an ack raced by a newer change leaves the mirror
// dirty for the next cycle.
func (e *Engine) acknowledge(
	layoutID []byte,
	mirror layoutwcc.MirrorRef,
	snapshot layoutwcc.AttributeSnapshot,
	res *layoutwcc.Response,
) MirrorOutcome {
	ackedChangeID := snapshot.ChangeID
	if res.HasSnapshot && res.Snapshot.ChangeID > ackedChangeID {
		// The mirror was already ahead of us; credit it for what it
		// actually holds.
		ackedChangeID = res.Snapshot.ChangeID
	}

	_, err := e.cache.Upsert(layoutID, func(en *layoutcache.Entry) error {
		en.Acknowledge(mirror.Key(), ackedChangeID)
		return nil
	})
	if err != nil {
		return MirrorOutcome{Mirror: mirror, Outcome: OutcomeFailed, Err: err}
	}
	return MirrorOutcome{Mirror: mirror, Outcome: OutcomeAcked}
}

// dispatchFailure classifies a transport-level failure. Dirtiness is left
// untouched in every case so a later cycle retries the mirror.
func (e *Engine) dispatchFailure(cycleID uuid.UUID, mirror layoutwcc.MirrorRef, err error) MirrorOutcome {
	outcome := OutcomeFailed
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, connpool.ErrPoolTimeout) {
		outcome = OutcomeTimeout
	}
	logger.Warn("mirror notification failed",
		"cycle_id", cycleID,
		"mirror", mirror.Key(),
		"outcome", outcome,
		"error", err)
	return MirrorOutcome{Mirror: mirror, Outcome: outcome, Err: err}
}
