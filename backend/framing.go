package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// recordMagic is the 4-byte prefix for stored object records.
	recordMagic = []byte("DSR1")

	// ErrInvalidMagic is returned when a stored record does not start
	// with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected DSR1")

	// ErrHeaderTooLarge is returned when the metadata header exceeds
	// maxHeaderSize.
	ErrHeaderTooLarge = errors.New("metadata header exceeds maximum size")
)

// maxHeaderSize bounds the JSON metadata header (4 KiB).
const maxHeaderSize = 4 * 1024

// EncodeRecord serializes metadata and payload into a single value suitable
// for key-value storage.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | PAYLOAD
func EncodeRecord(meta Metadata, payload []byte) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if len(header) > maxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	buf := make([]byte, 0, len(recordMagic)+4+len(header)+len(payload))
	buf = append(buf, recordMagic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(header))) //nolint:gosec // bounds-checked above
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeRecord parses a stored value back into metadata and payload.
// The returned payload aliases the input slice.
func DecodeRecord(value []byte) (Metadata, []byte, error) {
	if len(value) < len(recordMagic)+4 {
		return Metadata{}, nil, fmt.Errorf("record truncated: %d bytes", len(value))
	}
	if !bytes.Equal(value[:len(recordMagic)], recordMagic) {
		return Metadata{}, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(value[len(recordMagic):])
	if headerLen > maxHeaderSize {
		return Metadata{}, nil, ErrHeaderTooLarge
	}

	rest := value[len(recordMagic)+4:]
	if uint32(len(rest)) < headerLen {
		return Metadata{}, nil, fmt.Errorf("record truncated: header claims %d bytes, %d remain", headerLen, len(rest))
	}

	var meta Metadata
	if err := json.Unmarshal(rest[:headerLen], &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}

	return meta, rest[headerLen:], nil
}
