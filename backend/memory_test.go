package backend

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	meta := Metadata{Algorithm: "sha256", OriginalLength: 4}
	require.NoError(t, m.Put(ctx, CAS, "k", []byte("data"), meta))

	data, gotMeta, err := m.Get(ctx, CAS, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("data"), data)
	require.Equal(t, meta, gotMeta)

	require.NoError(t, m.Delete(ctx, CAS, "k"))
	_, _, err = m.Get(ctx, CAS, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRefcounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, CAS, "obj", []byte("x"), Metadata{}))

	count, err := m.Incr(ctx, CAS, "obj")
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = m.Decr(ctx, CAS, "obj")
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	_, err = m.Decr(ctx, CAS, "obj")
	require.ErrorIs(t, err, ErrRefcountUnderflow)

	_, err = m.Incr(ctx, CAS, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutIfAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PutIfAbsent(ctx, Index, "slot", []byte("first"), Metadata{}))

	err := m.PutIfAbsent(ctx, Index, "slot", []byte("second"), Metadata{})
	require.ErrorIs(t, err, ErrExists)

	data, _, err := m.Get(ctx, Index, "slot")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
}

func TestMemoryPutIfAbsentConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 32
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.PutIfAbsent(ctx, CAS, "contended", []byte{byte(i)}, Metadata{})
		}()
	}
	wg.Wait()

	winners := 0
	for i := range n {
		if errs[i] == nil {
			winners++
		} else {
			require.ErrorIs(t, errs[i], ErrExists)
		}
	}
	require.Equal(t, 1, winners)
}

func TestMemoryForEachOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, key := range []string{"c", "a", "b"} {
		require.NoError(t, m.Put(ctx, CAS, key, []byte(key), Metadata{}))
	}

	var keys []string
	err := m.ForEach(ctx, CAS, "", func(key string, refcount uint64) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMemoryConcurrentIncr(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, CAS, "obj", []byte("x"), Metadata{}))

	const n = 100
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Incr(ctx, CAS, "obj")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := m.Refcount(ctx, CAS, "obj")
	require.NoError(t, err)
	require.Equal(t, uint64(n), count)
}
