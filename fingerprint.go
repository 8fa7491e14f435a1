// Package dedupstore provides content-addressed, self-deduplicating storage
// primitives: fingerprinting, chunking, recipes, and a reference-counted
// object store built on a namespaced key-value backend.
package dedupstore

import (
	"encoding/hex"
	"fmt"
)

// FingerprintSize is the size of a content fingerprint in bytes (256 bits).
const FingerprintSize = 32

// Fingerprint is a deterministic content digest used as a CAS object's key.
// The same bytes always produce the same fingerprint for a given algorithm.
type Fingerprint [FingerprintSize]byte

// String returns the hex-encoded representation of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShortString returns a shortened hex representation for display and logging.
func (f Fingerprint) ShortString() string {
	return hex.EncodeToString(f[:8])
}

// IsZero returns true if the fingerprint is all zeros (uninitialized).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != FingerprintSize*2 {
		return fmt.Errorf("invalid fingerprint length: expected %d hex chars, got %d", FingerprintSize*2, len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if err := f.UnmarshalText([]byte(s)); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}
