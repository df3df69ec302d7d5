package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ============================================================================
// Record marking
// ============================================================================
//
// Every message on the wire is preceded by a 4-byte record mark: the high bit
// flags the last fragment and the low 31 bits carry the fragment length. The
// fragment itself starts with a 4-byte XID that pairs replies with requests
// on the same connection.

const (
	lastFragmentFlag = uint32(0x80000000)

	// maxFragmentLength bounds a single fragment so a corrupt record mark
	// cannot force a huge allocation.
	maxFragmentLength = 1 << 20

	// maxMessageLength bounds the reassembled message across fragments.
	maxMessageLength = 4 << 20
)

// WriteFrame sends payload prefixed with the record mark and xid as a single
// last fragment.
func WriteFrame(w io.Writer, xid uint32, payload []byte) error {
	length := uint32(len(payload)) + 4

	var buf bytes.Buffer
	buf.Grow(8 + len(payload))

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], lastFragmentFlag|length)
	buf.Write(header[:])

	binary.BigEndian.PutUint32(header[:], xid)
	buf.Write(header[:])

	buf.Write(payload)

	// Single Write so the frame is never interleaved with another writer.
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadReply reads one complete message, reassembling fragments, and returns
// the payload that follows the XID. A reply carrying an unexpected XID is a
// protocol error: connections are never shared between in-flight exchanges,
// so the only reply on the wire must match the request we just sent.
func ReadReply(r io.Reader, wantXID uint32) ([]byte, error) {
	message, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if len(message) < 4 {
		return nil, fmt.Errorf("message too short for XID: %d bytes", len(message))
	}

	xid := binary.BigEndian.Uint32(message[:4])
	if xid != wantXID {
		return nil, fmt.Errorf("XID mismatch: sent 0x%x, received 0x%x", wantXID, xid)
	}
	return message[4:], nil
}

// ReadMessage reads and reassembles one record-marked message, XID included.
func ReadMessage(r io.Reader) ([]byte, error) {
	var message []byte

	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("read fragment header: %w", err)
		}

		mark := binary.BigEndian.Uint32(header[:])
		isLast := mark&lastFragmentFlag != 0
		length := mark &^ lastFragmentFlag

		if length > maxFragmentLength {
			return nil, fmt.Errorf("fragment length %d exceeds limit %d", length, maxFragmentLength)
		}
		if uint32(len(message))+length > maxMessageLength {
			return nil, fmt.Errorf("message exceeds limit %d", maxMessageLength)
		}

		fragment := make([]byte, length)
		if _, err := io.ReadFull(r, fragment); err != nil {
			return nil, fmt.Errorf("read fragment body: %w", err)
		}
		message = append(message, fragment...)

		if isLast {
			return message, nil
		}
	}
}
