package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ============================================================================
// Decoding Helpers - Wire Format → Go Types
// ============================================================================
//
// All decoders operate on a *bytes.Reader so the remaining buffer size is
// known up front. A length prefix larger than the remaining bytes is rejected
// before any allocation: malicious or truncated input cannot force a huge
// allocation or a read past the end of the frame.

// maxOpaqueLength bounds a single opaque field. Layout ids, device ids,
// state ids and file handles are all well under this.
const maxOpaqueLength = 1024 * 1024 // 1 MB

// DecodeUint32 decodes a 32-bit unsigned integer in big-endian byte order.
func DecodeUint32(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return v, nil
}

// DecodeUint64 decodes a 64-bit unsigned integer in big-endian byte order.
func DecodeUint64(r *bytes.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return v, nil
}

// DecodeBool decodes a uint32-encoded boolean (0=false, anything else=true).
func DecodeBool(r *bytes.Reader) (bool, error) {
	v, err := DecodeUint32(r)
	if err != nil {
		return false, fmt.Errorf("read bool: %w", err)
	}
	return v != 0, nil
}

// DecodeOpaque decodes variable-length opaque data.
//
// Per RFC 4506 Section 4.10:
// Format: [length:uint32][data:length bytes][padding:0-3 bytes]
func DecodeOpaque(r *bytes.Reader) ([]byte, error) {
	length, err := DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read opaque length: %w", err)
	}

	if length > maxOpaqueLength {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, maxOpaqueLength)
	}

	padding := (4 - (length % 4)) % 4
	if uint64(length)+uint64(padding) > uint64(r.Len()) {
		return nil, fmt.Errorf("opaque length %d exceeds remaining buffer %d", length, r.Len())
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read opaque data: %w", err)
	}

	// Padding is at most 3 bytes; skip it with a tiny stack buffer.
	if padding > 0 {
		var padBuf [3]byte
		if _, err := io.ReadFull(r, padBuf[:padding]); err != nil {
			return nil, fmt.Errorf("skip opaque padding: %w", err)
		}
	}

	return data, nil
}
