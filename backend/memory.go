package backend

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Backend guarded by a single mutex, which makes
// every operation trivially linearizable. Intended for tests and for
// exercising the layers above without a pool database on disk.
type Memory struct {
	mu        sync.Mutex
	objects   map[string][]byte
	metadata  map[string]Metadata
	refcounts map[string]uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects:   make(map[string][]byte),
		metadata:  make(map[string]Metadata),
		refcounts: make(map[string]uint64),
	}
}

func memKey(ns Namespace, key string) string {
	return string(ns) + "\x00" + key
}

func (m *Memory) Put(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	k := memKey(ns, key)
	m.objects[k] = bytes.Clone(data)
	m.metadata[k] = meta
	if _, ok := m.refcounts[k]; !ok {
		m.refcounts[k] = 0
	}
	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	k := memKey(ns, key)
	if _, ok := m.objects[k]; ok {
		return ErrExists
	}
	m.objects[k] = bytes.Clone(data)
	m.metadata[k] = meta
	m.refcounts[k] = 0
	return nil
}

func (m *Memory) Get(ctx context.Context, ns Namespace, key string) ([]byte, Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, Metadata{}, err
	}

	k := memKey(ns, key)
	data, ok := m.objects[k]
	if !ok {
		return nil, Metadata{}, ErrNotFound
	}
	return bytes.Clone(data), m.metadata[k], nil
}

func (m *Memory) Delete(ctx context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	k := memKey(ns, key)
	delete(m.objects, k)
	delete(m.metadata, k)
	delete(m.refcounts, k)
	return nil
}

func (m *Memory) Incr(ctx context.Context, ns Namespace, key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	k := memKey(ns, key)
	count, ok := m.refcounts[k]
	if !ok {
		return 0, ErrNotFound
	}
	count++
	m.refcounts[k] = count
	return count, nil
}

func (m *Memory) Decr(ctx context.Context, ns Namespace, key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	k := memKey(ns, key)
	count, ok := m.refcounts[k]
	if !ok {
		return 0, ErrNotFound
	}
	if count == 0 {
		return 0, ErrRefcountUnderflow
	}
	count--
	m.refcounts[k] = count
	return count, nil
}

func (m *Memory) Refcount(ctx context.Context, ns Namespace, key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count, ok := m.refcounts[memKey(ns, key)]
	if !ok {
		return 0, ErrNotFound
	}
	return count, nil
}

func (m *Memory) ForEach(ctx context.Context, ns Namespace, prefix string, fn func(key string, refcount uint64) error) error {
	// Snapshot under the lock so fn can call back into the backend.
	m.mu.Lock()
	nsPrefix := memKey(ns, prefix)
	type entry struct {
		key      string
		refcount uint64
	}
	var entries []entry
	for k, count := range m.refcounts {
		if strings.HasPrefix(k, nsPrefix) {
			entries = append(entries, entry{
				key:      strings.TrimPrefix(k, memKey(ns, "")),
				refcount: count,
			})
		}
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, e.refcount); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time interface check
var _ Backend = (*Memory)(nil)
