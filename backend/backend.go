// Package backend defines the namespaced object store the CAS and index
// layers are built on. The backend owns durability and the atomic refcount
// primitives; it knows nothing about fingerprints, recipes, or versions.
package backend

import (
	"context"
	"errors"
)

// Namespace is a disjoint keyspace within one storage pool.
type Namespace string

const (
	// CAS holds content-defined names: chunk and recipe objects.
	CAS Namespace = "cas"

	// Index holds user-defined names: index objects and intent records.
	Index Namespace = "index"
)

var (
	// ErrNotFound is returned when a key does not exist in a namespace.
	ErrNotFound = errors.New("backend: not found")

	// ErrExists is returned by PutIfAbsent when the key is already taken.
	ErrExists = errors.New("backend: key exists")

	// ErrRefcountUnderflow is returned by Decr when the refcount is
	// already zero. The count is never taken below zero.
	ErrRefcountUnderflow = errors.New("backend: refcount underflow")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Operations failing with it are safe to retry.
	ErrUnavailable = errors.New("backend: unavailable")
)

// Metadata travels with every stored object. For CAS objects it records how
// to decode and verify the payload; index objects leave it empty.
type Metadata struct {
	// Algorithm is the fingerprint algorithm id the object's key was
	// computed with.
	Algorithm string `json:"algorithm,omitempty"`

	// Codec is the compression codec id the payload is encoded with.
	Codec string `json:"codec,omitempty"`

	// OriginalLength is the length of the payload before compression.
	OriginalLength uint64 `json:"original_length,omitempty"`
}

// Backend is a namespaced key-value store with per-key atomic refcounts.
// Implementations must be safe for concurrent use; Incr and Decr must be
// linearizable per key — they are the sole concurrency primitive the layers
// above rely on.
type Backend interface {
	// Put stores data and metadata at (ns, key), creating or overwriting.
	// A newly created key gets a refcount entry initialized to zero; an
	// existing key keeps its current count.
	Put(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error

	// PutIfAbsent stores data and metadata at (ns, key) only if the key
	// does not exist, atomically with the existence check. Returns
	// ErrExists if the key is already taken. A created key gets a
	// refcount entry initialized to zero.
	PutIfAbsent(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error

	// Get retrieves the data and metadata at (ns, key).
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, Metadata, error)

	// Delete removes the key and its refcount entry. Deleting an absent
	// key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Incr atomically increments the key's refcount and returns the new
	// count. Returns ErrNotFound if the key does not exist.
	Incr(ctx context.Context, ns Namespace, key string) (uint64, error)

	// Decr atomically decrements the key's refcount and returns the new
	// count. Returns ErrNotFound if the key does not exist and
	// ErrRefcountUnderflow if the count is already zero.
	Decr(ctx context.Context, ns Namespace, key string) (uint64, error)

	// Refcount returns the key's current refcount.
	// Returns ErrNotFound if the key does not exist.
	Refcount(ctx context.Context, ns Namespace, key string) (uint64, error)

	// ForEach calls fn for every key in the namespace with the given
	// prefix, in lexicographic key order. Iteration stops on the first
	// error from fn, which is returned.
	ForEach(ctx context.Context, ns Namespace, prefix string, fn func(key string, refcount uint64) error) error
}
