package layoutwcc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/marmos91/layoutwcc/internal/protocol/xdr"
)

// ============================================================================
// LAYOUT_WCC Request
// ============================================================================

// Request is the unit of wire transmission: one LAYOUT_WCC update for one
// mirror of one layout.
//
// Wire format (all integers big-endian):
//
//	op_tag:4  version:4
//	layout_id:opaque
//	device_id:opaque  state_id:opaque  file_handle:opaque
//	change_id:8  size:8  mtime:8 (unix nanoseconds)
type Request struct {
	LayoutID []byte
	Mirror   MirrorRef
	Snapshot AttributeSnapshot
}

// Encode writes the request frame in wire format.
func (req *Request) Encode(buf *bytes.Buffer) error {
	if err := xdr.WriteUint32(buf, OpTag); err != nil {
		return fmt.Errorf("encode layout_wcc op_tag: %w", err)
	}
	if err := xdr.WriteUint32(buf, FormatVersion); err != nil {
		return fmt.Errorf("encode layout_wcc version: %w", err)
	}
	if err := xdr.WriteOpaque(buf, req.LayoutID); err != nil {
		return fmt.Errorf("encode layout_wcc layout_id: %w", err)
	}
	if err := xdr.WriteOpaque(buf, req.Mirror.DeviceID); err != nil {
		return fmt.Errorf("encode layout_wcc device_id: %w", err)
	}
	if err := xdr.WriteOpaque(buf, req.Mirror.StateID); err != nil {
		return fmt.Errorf("encode layout_wcc state_id: %w", err)
	}
	if err := xdr.WriteOpaque(buf, req.Mirror.FileHandle); err != nil {
		return fmt.Errorf("encode layout_wcc file_handle: %w", err)
	}
	if err := xdr.WriteUint64(buf, req.Snapshot.ChangeID); err != nil {
		return fmt.Errorf("encode layout_wcc change_id: %w", err)
	}
	if err := xdr.WriteUint64(buf, req.Snapshot.Size); err != nil {
		return fmt.Errorf("encode layout_wcc size: %w", err)
	}
	if err := xdr.WriteUint64(buf, uint64(req.Snapshot.Mtime.UnixNano())); err != nil {
		return fmt.Errorf("encode layout_wcc mtime: %w", err)
	}
	return nil
}

// EncodeRequest encodes req into a standalone frame.
func EncodeRequest(req *Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest decodes a complete request frame. It is the exact inverse of
// EncodeRequest: every field must be present and no trailing bytes may
// remain. All failures wrap ErrMalformedMessage.
func DecodeRequest(data []byte) (*Request, error) {
	r := bytes.NewReader(data)

	tag, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, malformedf("read op_tag: %v", err)
	}
	if tag != OpTag {
		return nil, malformedf("unknown operation tag 0x%x", tag)
	}

	version, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, malformedf("read version: %v", err)
	}
	if version != FormatVersion {
		return nil, malformedf("unsupported version %d", version)
	}

	var req Request
	if req.LayoutID, err = xdr.DecodeOpaque(r); err != nil {
		return nil, malformedf("read layout_id: %v", err)
	}
	if req.Mirror.DeviceID, err = xdr.DecodeOpaque(r); err != nil {
		return nil, malformedf("read device_id: %v", err)
	}
	if req.Mirror.StateID, err = xdr.DecodeOpaque(r); err != nil {
		return nil, malformedf("read state_id: %v", err)
	}
	if req.Mirror.FileHandle, err = xdr.DecodeOpaque(r); err != nil {
		return nil, malformedf("read file_handle: %v", err)
	}
	if req.Snapshot.ChangeID, err = xdr.DecodeUint64(r); err != nil {
		return nil, malformedf("read change_id: %v", err)
	}
	if req.Snapshot.Size, err = xdr.DecodeUint64(r); err != nil {
		return nil, malformedf("read size: %v", err)
	}
	mtime, err := xdr.DecodeUint64(r)
	if err != nil {
		return nil, malformedf("read mtime: %v", err)
	}
	req.Snapshot.Mtime = time.Unix(0, int64(mtime)).UTC()

	if r.Len() != 0 {
		return nil, malformedf("%d trailing bytes after request", r.Len())
	}
	return &req, nil
}

// String returns a human-readable representation.
func (req *Request) String() string {
	return fmt.Sprintf("LayoutWccRequest{layout=%x, mirror=%s, change_id=%d, size=%d}",
		req.LayoutID, req.Mirror.Key(), req.Snapshot.ChangeID, req.Snapshot.Size)
}
