package responder

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
)

// layoutState is the mirror-local view of one layout: the state id the
// client must present and the newest snapshot applied so far.
type layoutState struct {
	stateID  []byte
	snapshot layoutwcc.AttributeSnapshot
}

// Store holds the attribute state this mirror serves. It is purely
// in-memory; a restarted mirror answers NOT_FOUND (or RETRY during the grace
// period) until layouts are registered again.
type Store struct {
	mu      sync.RWMutex
	layouts map[string]*layoutState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{layouts: make(map[string]*layoutState)}
}

// Register makes the store serve a layout, accepting updates that present
// stateID. Re-registering replaces the state id (lease rotation) and keeps
// the applied snapshot.
func (s *Store) Register(layoutID, stateID []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(layoutID)
	if st, ok := s.layouts[key]; ok {
		st.stateID = append([]byte(nil), stateID...)
		return
	}
	s.layouts[key] = &layoutState{stateID: append([]byte(nil), stateID...)}
}

// Unregister stops serving a layout.
func (s *Store) Unregister(layoutID []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layouts, string(layoutID))
}

// Snapshot returns the applied snapshot for a layout.
func (s *Store) Snapshot(layoutID []byte) (layoutwcc.AttributeSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.layouts[string(layoutID)]
	if !ok {
		return layoutwcc.AttributeSnapshot{}, false
	}
	return st.snapshot, true
}

// Apply processes one LAYOUT_WCC update and returns the wire response.
//
// An unknown layout answers NOT_FOUND; a wrong state id answers
// STALE_STATEID. A stale or duplicate snapshot is not an error: the mirror
// answers OK and echoes what it actually holds, letting the caller detect
// that it is behind.
func (s *Store) Apply(req *layoutwcc.Request) *layoutwcc.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.layouts[string(req.LayoutID)]
	if !ok {
		return &layoutwcc.Response{Status: layoutwcc.StatusNotFound}
	}

	if !bytes.Equal(st.stateID, req.Mirror.StateID) {
		return &layoutwcc.Response{Status: layoutwcc.StatusStaleStateID}
	}

	if req.Snapshot.Newer(st.snapshot) {
		st.snapshot = req.Snapshot
	}
	return &layoutwcc.Response{
		Status:      layoutwcc.StatusOK,
		HasSnapshot: true,
		Snapshot:    st.snapshot,
	}
}

// String returns a human-readable representation.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("ResponderStore{layouts=%d}", len(s.layouts))
}
