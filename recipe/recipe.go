// Package recipe defines the extent list describing how a file's bytes map
// to CAS objects, and its deterministic binary encoding. A recipe is itself
// stored as a CAS object, so two logically equal extent lists must always
// encode to identical bytes — that is what makes identical files deduplicate
// at the recipe level.
package recipe

import (
	"errors"
	"fmt"
	"math"

	dedupstore "github.com/wolfeidau/dedupstore"
)

// ErrCorrupt is returned when decoding or validation finds a malformed
// recipe. Corrupt recipes are never repaired.
var ErrCorrupt = errors.New("recipe: corrupt recipe")

// Extent describes one contiguous file region backed by a CAS object.
type Extent struct {
	Offset      uint64
	Length      uint64
	Fingerprint dedupstore.Fingerprint
}

// End returns the first offset past the extent.
func (e Extent) End() uint64 {
	return e.Offset + e.Length
}

// Size returns the total file length described by the extent list.
func Size(extents []Extent) uint64 {
	if len(extents) == 0 {
		return 0
	}
	return extents[len(extents)-1].End()
}

// Validate checks that the extents are sorted by offset, have positive
// lengths, and exactly tile [0, Size) with no gaps or overlaps.
func Validate(extents []Extent) error {
	var next uint64
	for i, e := range extents {
		if e.Length == 0 {
			return fmt.Errorf("%w: extent %d has zero length", ErrCorrupt, i)
		}
		if e.Length > math.MaxUint64-e.Offset {
			// End() would wrap, letting a later extent restart at a
			// low offset and still pass the tiling check.
			return fmt.Errorf("%w: extent %d end overflows", ErrCorrupt, i)
		}
		if e.Offset != next {
			return fmt.Errorf("%w: extent %d starts at %d, want %d", ErrCorrupt, i, e.Offset, next)
		}
		next = e.End()
	}
	return nil
}

// ExtentsInRange returns the subsequence of extents intersecting
// [offset, offset+length). The input must be a valid sorted extent list;
// the scan stops as soon as the intersection ends.
func ExtentsInRange(extents []Extent, offset, length uint64) []Extent {
	if length == 0 {
		return nil
	}
	end := offset + length

	var result []Extent
	for _, e := range extents {
		if e.End() <= offset {
			continue
		}
		if e.Offset >= end {
			break
		}
		result = append(result, e)
	}
	return result
}
