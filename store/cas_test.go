package store

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	dedupstore "github.com/wolfeidau/dedupstore"
	"github.com/wolfeidau/dedupstore/backend"
)

func TestCASPutGet(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	payload := []byte("some file content")

	fp, err := cas.Put(ctx, payload)
	require.NoError(t, err)
	require.False(t, fp.IsZero())

	got, err := cas.Get(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	refcount, err := cas.Refcount(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, uint64(1), refcount)
}

func TestCASPutDeduplicates(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	payload := bytes.Repeat([]byte("x"), 4096)

	fp1, err := cas.Put(ctx, payload)
	require.NoError(t, err)

	fp2, err := cas.Put(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	refcount, err := cas.Refcount(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), refcount)

	info, err := cas.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.Objects)
	require.Equal(t, uint64(2), info.TotalRefs)
}

func TestCASGetNotFound(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	fp := dedupstore.DefaultEngine().Fingerprint([]byte("never stored"))

	_, err := cas.Get(ctx, fp)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestCASUpDown(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	fp, err := cas.Put(ctx, []byte("counted"))
	require.NoError(t, err)

	count, err := cas.Up(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	count, err = cas.Down(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = cas.Down(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	// At zero the object is still readable; only the count is exhausted.
	got, err := cas.Get(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, []byte("counted"), got)

	_, err = cas.Down(ctx, fp)
	require.ErrorIs(t, err, backend.ErrRefcountUnderflow)
}

func TestCASUpMissingObject(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	fp := dedupstore.DefaultEngine().Fingerprint([]byte("phantom"))

	_, err := cas.Up(ctx, fp)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestCASFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemory()
	cas := New(b)

	fp, err := cas.Put(ctx, []byte("original"))
	require.NoError(t, err)

	// Corrupt the stored payload underneath the CAS.
	err = b.Put(ctx, backend.CAS, fp.String(), []byte("tampered"), backend.Metadata{
		Algorithm:      string(dedupstore.AlgBLAKE3),
		Codec:          CodecIdentity,
		OriginalLength: 8,
	})
	require.NoError(t, err)

	_, err = cas.Get(ctx, fp)
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	// A dedup put verifies the stored payload and must also refuse.
	_, err = cas.Put(ctx, []byte("original"))
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestCASCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemory()
	zstd, err := CodecFor(CodecZstd)
	require.NoError(t, err)
	cas := New(b, WithCodec(zstd))

	payload := bytes.Repeat([]byte("compressible "), 8192)

	fp, err := cas.Put(ctx, payload)
	require.NoError(t, err)

	got, err := cas.Get(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	stat, err := cas.Stat(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, CodecZstd, stat.Codec)
	require.Equal(t, uint64(len(payload)), stat.OriginalLength)
	require.Less(t, stat.StoredLength, stat.OriginalLength)
}

func TestCASCodecsShareFingerprints(t *testing.T) {
	// The fingerprint covers the uncompressed content, so the same payload
	// deduplicates across writers configured with different codecs.
	ctx := context.Background()
	b := backend.NewMemory()
	plain := New(b)
	compressed := New(b, WithCodec(s2Codec{}))

	payload := bytes.Repeat([]byte("shared "), 1024)

	fp1, err := plain.Put(ctx, payload)
	require.NoError(t, err)

	fp2, err := compressed.Put(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	refcount, err := plain.Refcount(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), refcount)

	// First writer won, so the stored codec is the plain one.
	stat, err := compressed.Stat(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, CodecIdentity, stat.Codec)
}

func TestCASGetAt(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	fp, err := cas.Put(ctx, []byte("0123456789"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset uint64
		length uint64
		want   []byte
	}{
		{name: "middle", offset: 2, length: 4, want: []byte("2345")},
		{name: "prefix", offset: 0, length: 3, want: []byte("012")},
		{name: "clamped to end", offset: 8, length: 100, want: []byte("89")},
		{name: "past end", offset: 20, length: 4, want: nil},
		{name: "zero length", offset: 3, length: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cas.GetAt(ctx, fp, tt.offset, tt.length)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCASList(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	want := map[dedupstore.Fingerprint]uint64{}
	for _, payload := range []string{"one", "two", "three"} {
		fp, err := cas.Put(ctx, []byte(payload))
		require.NoError(t, err)
		want[fp] = 1
	}

	got := map[dedupstore.Fingerprint]uint64{}
	err := cas.List(ctx, func(fp dedupstore.Fingerprint, refcount uint64) error {
		got[fp] = refcount
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCASConcurrentPuts(t *testing.T) {
	// Concurrent puts of the same content must each take a reference,
	// whichever of them creates the object.
	ctx := context.Background()
	cas := New(backend.NewMemory())

	payload := bytes.Repeat([]byte("racer "), 512)

	const writers = 16
	var wg sync.WaitGroup
	fps := make([]dedupstore.Fingerprint, writers)
	errs := make([]error, writers)

	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fps[i], errs[i] = cas.Put(ctx, payload)
		}()
	}
	wg.Wait()

	for i := range writers {
		require.NoError(t, errs[i])
		require.Equal(t, fps[0], fps[i])
	}

	refcount, err := cas.Refcount(ctx, fps[0])
	require.NoError(t, err)
	require.Equal(t, uint64(writers), refcount)
}

func TestCASInfoCountsUnreferenced(t *testing.T) {
	ctx := context.Background()
	cas := New(backend.NewMemory())

	fp, err := cas.Put(ctx, []byte("soon orphaned"))
	require.NoError(t, err)

	_, err = cas.Put(ctx, []byte("still referenced"))
	require.NoError(t, err)

	_, err = cas.Down(ctx, fp)
	require.NoError(t, err)

	info, err := cas.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.Objects)
	require.Equal(t, uint64(1), info.TotalRefs)
	require.Equal(t, uint64(1), info.Unreferenced)
}
