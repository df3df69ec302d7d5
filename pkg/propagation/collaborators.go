package propagation

import (
	"context"

	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
)

// ============================================================================
// External collaborators
// ============================================================================
//
// The engine orchestrates propagation but does not own session state, layout
// metadata or device addressing. Those live behind the interfaces below,
// injected at construction.

// LeaseManager supplies current state ids. It is consulted when a mirror
// answers STALE_STATEID: the returned MirrorRef carries a fresh state id for
// the same device and file handle.
type LeaseManager interface {
	RefreshStateID(ctx context.Context, layoutID []byte, mirror layoutwcc.MirrorRef) (layoutwcc.MirrorRef, error)
}

// MirrorSource provides the mirror set for a layout. It is consulted once,
// lazily, when an attribute change arrives for a layout the cache has never
// seen.
type MirrorSource interface {
	MirrorsFor(ctx context.Context, layoutID []byte) ([]layoutwcc.MirrorRef, error)
}

// DeviceResolver maps a mirror's opaque device id to a dialable network
// address.
type DeviceResolver interface {
	Resolve(deviceID []byte) (string, error)
}

// Exchanger performs one request/response exchange with a mirror. It is
// satisfied by transport.Client.
type Exchanger interface {
	Exchange(ctx context.Context, target string, req *layoutwcc.Request) (*layoutwcc.Response, error)
}
