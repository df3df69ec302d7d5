package layoutcache

import (
	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
)

// Entry is the cached state for one layout: its known mirrors, the newest
// attribute snapshot applied locally, and which mirrors still need to hear
// about it.
//
// Invariants:
//   - Dirty ⊆ Mirrors (keyed by MirrorRef.Key()).
//   - LastApplied.ChangeID never decreases.
//   - A mirror is dirty exactly when Acked[key] < LastApplied.ChangeID.
//
// Entries are owned by the Cache. Callers only ever see copies; mutation
// happens inside Upsert mutators.
type Entry struct {
	// LayoutID is the opaque server-assigned layout identity.
	LayoutID []byte

	// Mirrors holds the known replicas of this layout, keyed by mirror key.
	Mirrors map[string]layoutwcc.MirrorRef

	// Acked maps each mirror key to the last change id it acknowledged.
	Acked map[string]uint64

	// LastApplied is the newest snapshot observed for this layout.
	LastApplied layoutwcc.AttributeSnapshot

	// Dirty is the set of mirror keys whose acknowledged snapshot is behind
	// LastApplied.
	Dirty map[string]struct{}
}

// newEntry creates an empty entry for a layout.
func newEntry(layoutID []byte) *Entry {
	return &Entry{
		LayoutID: append([]byte(nil), layoutID...),
		Mirrors:  make(map[string]layoutwcc.MirrorRef),
		Acked:    make(map[string]uint64),
		Dirty:    make(map[string]struct{}),
	}
}

// Pinned reports whether the entry has in-flight propagation work and must
// not be evicted.
func (e *Entry) Pinned() bool {
	return len(e.Dirty) > 0
}

// AddMirror registers a replica. A re-discovered mirror starts from a fresh
// baseline: it has acknowledged nothing, so it is immediately dirty if the
// layout has already advanced past change id zero.
func (e *Entry) AddMirror(m layoutwcc.MirrorRef) {
	key := m.Key()
	e.Mirrors[key] = m
	if _, ok := e.Acked[key]; !ok {
		e.Acked[key] = 0
	}
	if e.Acked[key] < e.LastApplied.ChangeID {
		e.Dirty[key] = struct{}{}
	}
}

// RemoveMirror drops a replica entirely (it no longer serves this layout).
func (e *Entry) RemoveMirror(key string) {
	delete(e.Mirrors, key)
	delete(e.Acked, key)
	delete(e.Dirty, key)
}

// Advance applies a new snapshot if it supersedes LastApplied and marks every
// mirror that is now behind as dirty. It returns false (and changes nothing)
// when the snapshot is stale or duplicate.
func (e *Entry) Advance(snapshot layoutwcc.AttributeSnapshot) bool {
	if snapshot.ChangeID <= e.LastApplied.ChangeID {
		return false
	}
	e.LastApplied = snapshot
	for key := range e.Mirrors {
		if e.Acked[key] < snapshot.ChangeID {
			e.Dirty[key] = struct{}{}
		}
	}
	return true
}

// Acknowledge records that a mirror acked the snapshot with the given change
// id. Dirtiness is only cleared when the ack covers the current LastApplied:
// a slow ack for an older snapshot must not clear dirtiness introduced by a
// newer one.
func (e *Entry) Acknowledge(key string, changeID uint64) {
	if _, known := e.Mirrors[key]; !known {
		return
	}
	if changeID > e.Acked[key] {
		e.Acked[key] = changeID
	}
	if e.Acked[key] >= e.LastApplied.ChangeID {
		delete(e.Dirty, key)
	}
}

// clone returns a deep copy safe to hand outside the cache.
func (e *Entry) clone() Entry {
	c := Entry{
		LayoutID:    e.LayoutID,
		Mirrors:     make(map[string]layoutwcc.MirrorRef, len(e.Mirrors)),
		Acked:       make(map[string]uint64, len(e.Acked)),
		LastApplied: e.LastApplied,
		Dirty:       make(map[string]struct{}, len(e.Dirty)),
	}
	for k, v := range e.Mirrors {
		c.Mirrors[k] = v
	}
	for k, v := range e.Acked {
		c.Acked[k] = v
	}
	for k := range e.Dirty {
		c.Dirty[k] = struct{}{}
	}
	return c
}
