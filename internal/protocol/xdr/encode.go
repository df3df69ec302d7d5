// Package xdr implements the XDR-style primitives (RFC 4506) used by the
// LAYOUT_WCC wire format: big-endian fixed-width integers and length-prefixed
// opaque byte strings padded to 4-byte boundaries.
//
// Decoding is bounds-checked: every length prefix is validated against the
// bytes remaining in the buffer before any allocation or read, so a
// truncated or corrupt frame can never cause a read past the buffer.
package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// Encoding Helpers - Go Types → Wire Format
// ============================================================================

// WriteUint32 encodes a 32-bit unsigned integer in big-endian byte order.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

// WriteUint64 encodes a 64-bit unsigned integer in big-endian byte order.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// WriteBool encodes a boolean as a uint32 (0=false, 1=true).
func WriteBool(buf *bytes.Buffer, v bool) error {
	var encoded uint32
	if v {
		encoded = 1
	}
	return WriteUint32(buf, encoded)
}

// WriteOpaque encodes variable-length opaque data: length + data + padding.
//
// Per RFC 4506 Section 4.10:
// Format: [length:uint32][data:bytes][padding:0-3 zero bytes]
// Padding aligns the next item to a 4-byte boundary.
func WriteOpaque(buf *bytes.Buffer, data []byte) error {
	length := uint32(len(data))
	if err := WriteUint32(buf, length); err != nil {
		return fmt.Errorf("write opaque length: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write opaque data: %w", err)
	}
	padding := (4 - (length % 4)) % 4
	for range padding {
		if err := buf.WriteByte(0); err != nil {
			return fmt.Errorf("write opaque padding: %w", err)
		}
	}
	return nil
}
