package recipe

import (
	"bytes"
	"encoding/binary"
	"fmt"

	dedupstore "github.com/wolfeidau/dedupstore"
)

// Binary layout: MAGIC (4 bytes) | VERSION (uint32 big-endian) | records.
// Each record is a fixed-width (offset u64, length u64, fingerprint) triple
// with no padding and no trailing file metadata — recipes are anonymous, the
// same bytes apply to any file with matching content.
var codecMagic = []byte("DSRC")

const (
	codecVersion = 1
	headerSize   = 8
	recordSize   = 16 + dedupstore.FingerprintSize
)

// Encode serializes the extent list. The input must satisfy Validate;
// encoding is deterministic.
func Encode(extents []Extent) ([]byte, error) {
	if err := Validate(extents); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, headerSize+len(extents)*recordSize)
	buf = append(buf, codecMagic...)
	buf = binary.BigEndian.AppendUint32(buf, codecVersion)

	for _, e := range extents {
		buf = binary.BigEndian.AppendUint64(buf, e.Offset)
		buf = binary.BigEndian.AppendUint64(buf, e.Length)
		buf = append(buf, e.Fingerprint[:]...)
	}
	return buf, nil
}

// Decode parses and validates an encoded extent list, failing with
// ErrCorrupt on any violation.
func Decode(data []byte) ([]Extent, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:4], codecMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	body := data[headerSize:]
	if len(body)%recordSize != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(body)%recordSize)
	}

	extents := make([]Extent, 0, len(body)/recordSize)
	for i := 0; i < len(body); i += recordSize {
		record := body[i : i+recordSize]

		e := Extent{
			Offset: binary.BigEndian.Uint64(record[0:8]),
			Length: binary.BigEndian.Uint64(record[8:16]),
		}
		copy(e.Fingerprint[:], record[16:])
		extents = append(extents, e)
	}

	if err := Validate(extents); err != nil {
		return nil, err
	}
	return extents, nil
}
