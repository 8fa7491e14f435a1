package recipe

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	dedupstore "github.com/wolfeidau/dedupstore"
)

func fp(s string) dedupstore.Fingerprint {
	return dedupstore.DefaultEngine().Fingerprint([]byte(s))
}

// tiling builds a valid extent list from chunk lengths.
func tiling(lengths ...uint64) []Extent {
	var extents []Extent
	var offset uint64
	for i, length := range lengths {
		extents = append(extents, Extent{
			Offset:      offset,
			Length:      length,
			Fingerprint: fp(fmt.Sprintf("chunk-%d", i)),
		})
		offset += length
	}
	return extents
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	extents := tiling(4096, 4096, 1000)

	encoded, err := Encode(extents)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, extents, decoded)
}

func TestEncodeDeterministic(t *testing.T) {
	extents := tiling(1024, 1024, 512)

	a, err := Encode(extents)
	require.NoError(t, err)
	b, err := Encode(extents)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestEncodeEmpty(t *testing.T) {
	encoded, err := Encode(nil)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Empty(t, decoded)
	require.Equal(t, uint64(0), Size(decoded))
}

func TestEncodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		extents []Extent
	}{
		{"zero length", []Extent{{Offset: 0, Length: 0, Fingerprint: fp("a")}}},
		{"gap at start", []Extent{{Offset: 10, Length: 5, Fingerprint: fp("a")}}},
		{"gap between", []Extent{
			{Offset: 0, Length: 10, Fingerprint: fp("a")},
			{Offset: 20, Length: 10, Fingerprint: fp("b")},
		}},
		{"overlap", []Extent{
			{Offset: 0, Length: 10, Fingerprint: fp("a")},
			{Offset: 5, Length: 10, Fingerprint: fp("b")},
		}},
		{"unsorted", []Extent{
			{Offset: 10, Length: 10, Fingerprint: fp("a")},
			{Offset: 0, Length: 10, Fingerprint: fp("b")},
		}},
		{"end overflows", []Extent{
			{Offset: 0, Length: math.MaxUint64, Fingerprint: fp("a")},
			{Offset: math.MaxUint64, Length: 2, Fingerprint: fp("b")},
			{Offset: 1, Length: 10, Fingerprint: fp("c")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.extents)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	valid, err := Encode(tiling(100, 100))
	require.NoError(t, err)

	t.Run("truncated header", func(t *testing.T) {
		_, err := Decode(valid[:4])
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupted := append([]byte(nil), valid...)
		corrupted[0] = 'X'
		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad version", func(t *testing.T) {
		corrupted := append([]byte(nil), valid...)
		corrupted[7] = 99
		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		corrupted := append(append([]byte(nil), valid...), 0x01)
		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("overlapping records", func(t *testing.T) {
		// Rewrite the second record's offset to overlap the first.
		corrupted := append([]byte(nil), valid...)
		for i := 8 + recordSize; i < 8+recordSize+8; i++ {
			corrupted[i] = 0
		}
		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestSize(t *testing.T) {
	require.Equal(t, uint64(0), Size(nil))
	require.Equal(t, uint64(9216), Size(tiling(4096, 4096, 1024)))
}

func TestExtentsInRange(t *testing.T) {
	// Three extents: [0,4M) [4M,8M) [8M,10M)
	const mib = 1 << 20
	extents := tiling(4*mib, 4*mib, 2*mib)

	tests := []struct {
		name    string
		offset  uint64
		length  uint64
		wantIdx []int
	}{
		{"whole file", 0, 10 * mib, []int{0, 1, 2}},
		{"within first", 100, 1000, []int{0}},
		{"spanning first two", 3000000, 2000000, []int{0, 1}},
		{"exact extent", 4 * mib, 4 * mib, []int{1}},
		{"tail", 9 * mib, mib, []int{2}},
		{"zero length", 0, 0, nil},
		{"beyond end", 20 * mib, mib, nil},
		{"boundary start", 4 * mib, 1, []int{1}},
		{"boundary end", 4*mib - 1, 1, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var want []Extent
			for _, i := range tt.wantIdx {
				want = append(want, extents[i])
			}
			require.Equal(t, want, ExtentsInRange(extents, tt.offset, tt.length))
		})
	}
}
