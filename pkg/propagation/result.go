package propagation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
)

// ============================================================================
// Per-mirror outcomes
// ============================================================================

// Outcome classifies how one mirror fared in a propagation cycle.
type Outcome int

const (
	// OutcomeAcked means the mirror applied the snapshot and its dirtiness
	// was cleared.
	OutcomeAcked Outcome = iota

	// OutcomeRemoved means the mirror reported NOT_FOUND and was dropped
	// from the layout's known mirrors.
	OutcomeRemoved

	// OutcomeDeferred means the mirror rejected the state id even after a
	// lease refresh; it stays dirty for a later cycle.
	OutcomeDeferred

	// OutcomeTimeout means the exchange was abandoned on deadline expiry;
	// the mirror stays dirty.
	OutcomeTimeout

	// OutcomeFailed means the exchange failed after transport retries were
	// exhausted; the mirror stays dirty.
	OutcomeFailed
)

// String returns a human-readable representation.
func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "ACKED"
	case OutcomeRemoved:
		return "REMOVED"
	case OutcomeDeferred:
		return "DEFERRED"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(o))
	}
}

// MirrorOutcome is the result for a single mirror in a cycle.
type MirrorOutcome struct {
	Mirror  layoutwcc.MirrorRef
	Outcome Outcome
	Err     error // set for DEFERRED, TIMEOUT and FAILED
}

// Result aggregates one propagation cycle. Partial success is the expected
// steady state: a cycle with failed mirrors is still a successful cycle, the
// failures are reported here per mirror and the mirrors stay dirty.
type Result struct {
	// CycleID identifies this propagation cycle in logs.
	CycleID uuid.UUID

	// LayoutID is the layout the cycle ran for.
	LayoutID []byte

	// Snapshot is the attribute snapshot the cycle carried.
	Snapshot layoutwcc.AttributeSnapshot

	// Advanced reports whether the snapshot superseded the cached one. A
	// false value means the cycle was a no-op (duplicate or stale snapshot)
	// and Outcomes is empty.
	Advanced bool

	// Outcomes holds the per-mirror results, keyed by mirror key.
	Outcomes map[string]MirrorOutcome
}

// Acked returns how many mirrors acknowledged the snapshot this cycle.
func (r *Result) Acked() int {
	return r.count(OutcomeAcked)
}

// Pending returns how many mirrors are still dirty after this cycle.
func (r *Result) Pending() int {
	n := 0
	for _, mo := range r.Outcomes {
		switch mo.Outcome {
		case OutcomeDeferred, OutcomeTimeout, OutcomeFailed:
			n++
		}
	}
	return n
}

func (r *Result) count(o Outcome) int {
	n := 0
	for _, mo := range r.Outcomes {
		if mo.Outcome == o {
			n++
		}
	}
	return n
}

// String returns a human-readable representation.
func (r *Result) String() string {
	return fmt.Sprintf("PropagationResult{cycle=%s, layout=%x, change_id=%d, mirrors=%d, acked=%d, pending=%d}",
		r.CycleID, r.LayoutID, r.Snapshot.ChangeID, len(r.Outcomes), r.Acked(), r.Pending())
}
