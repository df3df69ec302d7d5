// Package layoutwcc implements the LAYOUT_WCC operation wire format.
//
// LAYOUT_WCC propagates weak-cache-consistency attribute hints (change id,
// size, mtime) for a pNFS layout to the mirror data servers that hold stale
// copies of the file's data. The codec here is a pure transform between the
// operation's Go representation and its versioned XDR-style binary frame;
// it performs no I/O.
package layoutwcc

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Wire Constants
// ============================================================================

const (
	// OpTag identifies the LAYOUT_WCC operation on the wire.
	OpTag uint32 = 0x1234

	// FormatVersion is the only wire format version this codec speaks.
	// Decoding rejects any other version.
	FormatVersion uint32 = 1
)

// ErrMalformedMessage is returned (wrapped) by every decode failure:
// truncated buffers, length prefixes past the end of the frame, unknown
// operation tags, unsupported versions, and trailing garbage. It is never
// retryable.
var ErrMalformedMessage = errors.New("malformed LAYOUT_WCC message")

// malformedf wraps ErrMalformedMessage with decode context.
func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// ============================================================================
// Status Codes
// ============================================================================

// Status is the closed set of LAYOUT_WCC response statuses.
type Status uint32

const (
	// StatusOK: the mirror applied the snapshot.
	StatusOK Status = iota

	// StatusStaleStateID: the request's state id no longer proves a lease on
	// the mirror; the caller must refresh it and retry once.
	StatusStaleStateID

	// StatusNotFound: the mirror no longer serves this layout.
	StatusNotFound

	// StatusRetry: transient server-side condition; safe to retry with backoff.
	StatusRetry

	statusCount // sentinel for range checks, keep last
)

// Valid reports whether s is one of the defined status codes.
func (s Status) Valid() bool {
	return s < statusCount
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusStaleStateID:
		return "STALE_STATEID"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusRetry:
		return "RETRY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(s))
	}
}

// ============================================================================
// Operation Data Types
// ============================================================================

// MirrorRef identifies one data-server replica holding a copy of a layout's
// file data.
type MirrorRef struct {
	// DeviceID is the opaque server identity (resolvable to a network
	// address via GETDEVICEINFO-style metadata).
	DeviceID []byte

	// StateID proves the client's current lease on this mirror.
	StateID []byte

	// FileHandle is the opaque per-server file reference.
	FileHandle []byte
}

// Key returns the mirror's identity within a layout. The state id is
// excluded: it rotates on lease refresh while the mirror stays the same.
func (m MirrorRef) Key() string {
	return fmt.Sprintf("%x/%x", m.DeviceID, m.FileHandle)
}

func (m MirrorRef) String() string {
	return fmt.Sprintf("MirrorRef{device=%x, handle=%x}", m.DeviceID, m.FileHandle)
}

// AttributeSnapshot carries the weak-cache-consistency attribute hints for
// one point in a file's history. ChangeID is monotonically non-decreasing
// per file; ties are broken by larger Size, then later Mtime.
type AttributeSnapshot struct {
	ChangeID uint64
	Size     uint64
	Mtime    time.Time
}

// Newer reports whether s supersedes other under the last-writer-by-change_id
// policy.
func (s AttributeSnapshot) Newer(other AttributeSnapshot) bool {
	if s.ChangeID != other.ChangeID {
		return s.ChangeID > other.ChangeID
	}
	if s.Size != other.Size {
		return s.Size > other.Size
	}
	return s.Mtime.After(other.Mtime)
}

func (s AttributeSnapshot) String() string {
	return fmt.Sprintf("AttributeSnapshot{change_id=%d, size=%d, mtime=%s}",
		s.ChangeID, s.Size, s.Mtime.UTC().Format(time.RFC3339Nano))
}
