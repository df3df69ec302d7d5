package layoutwcc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/marmos91/layoutwcc/internal/protocol/xdr"
)

// ============================================================================
// LAYOUT_WCC Response
// ============================================================================

// Response is the mirror's answer to a LAYOUT_WCC request.
//
// Wire format:
//
//	status:4
//	has_snapshot:1 (single byte, 0 or 1)
//	snapshot:24 (change_id:8 size:8 mtime:8, only when has_snapshot=1)
//
// The applied snapshot is present on StatusOK and echoes what the mirror now
// considers current; it lets the caller detect a mirror that is already ahead.
type Response struct {
	Status      Status
	HasSnapshot bool
	Snapshot    AttributeSnapshot // only meaningful when HasSnapshot
}

// Encode writes the response frame in wire format.
func (res *Response) Encode(buf *bytes.Buffer) error {
	if !res.Status.Valid() {
		return fmt.Errorf("encode layout_wcc response: invalid status %d", uint32(res.Status))
	}
	if err := xdr.WriteUint32(buf, uint32(res.Status)); err != nil {
		return fmt.Errorf("encode layout_wcc status: %w", err)
	}

	flag := byte(0)
	if res.HasSnapshot {
		flag = 1
	}
	if err := buf.WriteByte(flag); err != nil {
		return fmt.Errorf("encode layout_wcc has_snapshot: %w", err)
	}

	if res.HasSnapshot {
		if err := xdr.WriteUint64(buf, res.Snapshot.ChangeID); err != nil {
			return fmt.Errorf("encode layout_wcc applied change_id: %w", err)
		}
		if err := xdr.WriteUint64(buf, res.Snapshot.Size); err != nil {
			return fmt.Errorf("encode layout_wcc applied size: %w", err)
		}
		if err := xdr.WriteUint64(buf, uint64(res.Snapshot.Mtime.UnixNano())); err != nil {
			return fmt.Errorf("encode layout_wcc applied mtime: %w", err)
		}
	}
	return nil
}

// EncodeResponse encodes res into a standalone frame.
func EncodeResponse(res *Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := res.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResponse decodes a complete response frame. All failures wrap
// ErrMalformedMessage.
func DecodeResponse(data []byte) (*Response, error) {
	r := bytes.NewReader(data)

	status, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, malformedf("read status: %v", err)
	}
	res := Response{Status: Status(status)}
	if !res.Status.Valid() {
		return nil, malformedf("unknown status %d", status)
	}

	flag, err := r.ReadByte()
	if err != nil {
		return nil, malformedf("read has_snapshot: %v", err)
	}
	switch flag {
	case 0:
		res.HasSnapshot = false
	case 1:
		res.HasSnapshot = true
	default:
		return nil, malformedf("invalid has_snapshot byte 0x%x", flag)
	}

	if res.HasSnapshot {
		if res.Snapshot.ChangeID, err = xdr.DecodeUint64(r); err != nil {
			return nil, malformedf("read applied change_id: %v", err)
		}
		if res.Snapshot.Size, err = xdr.DecodeUint64(r); err != nil {
			return nil, malformedf("read applied size: %v", err)
		}
		mtime, err := xdr.DecodeUint64(r)
		if err != nil {
			return nil, malformedf("read applied mtime: %v", err)
		}
		res.Snapshot.Mtime = time.Unix(0, int64(mtime)).UTC()
	}

	if r.Len() != 0 {
		return nil, malformedf("%d trailing bytes after response", r.Len())
	}
	return &res, nil
}

// PeekStatus extracts just the status field from an encoded response frame.
// The transport uses it to spot RETRY without decoding the full frame.
func PeekStatus(data []byte) (Status, error) {
	status, err := xdr.DecodeUint32(bytes.NewReader(data))
	if err != nil {
		return 0, malformedf("read status: %v", err)
	}
	s := Status(status)
	if !s.Valid() {
		return 0, malformedf("unknown status %d", status)
	}
	return s, nil
}

// String returns a human-readable representation.
func (res *Response) String() string {
	if res.HasSnapshot {
		return fmt.Sprintf("LayoutWccResponse{status=%s, applied_change_id=%d}",
			res.Status, res.Snapshot.ChangeID)
	}
	return fmt.Sprintf("LayoutWccResponse{status=%s}", res.Status)
}
