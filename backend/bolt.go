package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt implements Backend on a single bbolt database file. Each namespace
// gets an objects bucket and a refcounts bucket; refcount mutations run in
// bbolt write transactions, which serialize per database and therefore
// satisfy the linearizable increment/decrement contract.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt opens (or creates) the pool database at path and prepares the
// namespace buckets.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening pool database: %v", ErrUnavailable, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, ns := range []Namespace{CAS, Index} {
			if _, err := tx.CreateBucketIfNotExists(objectsBucket(ns)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(refcountsBucket(ns)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating namespace buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Path returns the database file path.
func (b *Bolt) Path() string {
	return b.db.Path()
}

func objectsBucket(ns Namespace) []byte {
	return []byte(string(ns) + ":objects")
}

func refcountsBucket(ns Namespace) []byte {
	return []byte(string(ns) + ":refcounts")
}

func encodeRefcount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeRefcount(v []byte) uint64 {
	if len(v) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Put stores the record and ensures a refcount entry exists. A new key
// starts at refcount zero; an existing key keeps its current count.
func (b *Bolt) Put(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error {
	record, err := EncodeRecord(meta, data)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(objectsBucket(ns))
		if err := objects.Put([]byte(key), record); err != nil {
			return fmt.Errorf("putting object: %w", err)
		}

		refcounts := tx.Bucket(refcountsBucket(ns))
		if refcounts.Get([]byte(key)) == nil {
			if err := refcounts.Put([]byte(key), encodeRefcount(0)); err != nil {
				return fmt.Errorf("initializing refcount: %w", err)
			}
		}
		return nil
	})
}

// PutIfAbsent stores the record only if the key does not exist. The check
// and the write share one write transaction, so two racing creators cannot
// both succeed.
func (b *Bolt) PutIfAbsent(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error {
	record, err := EncodeRecord(meta, data)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(objectsBucket(ns))
		if objects.Get([]byte(key)) != nil {
			return ErrExists
		}
		if err := objects.Put([]byte(key), record); err != nil {
			return fmt.Errorf("putting object: %w", err)
		}

		if err := tx.Bucket(refcountsBucket(ns)).Put([]byte(key), encodeRefcount(0)); err != nil {
			return fmt.Errorf("initializing refcount: %w", err)
		}
		return nil
	})
}

// Get retrieves the record at (ns, key).
func (b *Bolt) Get(ctx context.Context, ns Namespace, key string) ([]byte, Metadata, error) {
	var (
		data []byte
		meta Metadata
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(objectsBucket(ns)).Get([]byte(key))
		if value == nil {
			return ErrNotFound
		}

		m, payload, err := DecodeRecord(value)
		if err != nil {
			return fmt.Errorf("decoding record %q: %w", key, err)
		}

		meta = m
		// The value slice is only valid inside the transaction.
		data = bytes.Clone(payload)
		return nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}
	return data, meta, nil
}

// Delete removes the key and its refcount entry.
func (b *Bolt) Delete(ctx context.Context, ns Namespace, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(objectsBucket(ns)).Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting object: %w", err)
		}
		if err := tx.Bucket(refcountsBucket(ns)).Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting refcount: %w", err)
		}
		return nil
	})
}

// Incr atomically increments the key's refcount.
func (b *Bolt) Incr(ctx context.Context, ns Namespace, key string) (uint64, error) {
	var count uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		refcounts := tx.Bucket(refcountsBucket(ns))
		current := refcounts.Get([]byte(key))
		if current == nil {
			return ErrNotFound
		}

		count = decodeRefcount(current) + 1
		return refcounts.Put([]byte(key), encodeRefcount(count))
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Decr atomically decrements the key's refcount, never going below zero.
func (b *Bolt) Decr(ctx context.Context, ns Namespace, key string) (uint64, error) {
	var count uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		refcounts := tx.Bucket(refcountsBucket(ns))
		current := refcounts.Get([]byte(key))
		if current == nil {
			return ErrNotFound
		}

		n := decodeRefcount(current)
		if n == 0 {
			return ErrRefcountUnderflow
		}

		count = n - 1
		return refcounts.Put([]byte(key), encodeRefcount(count))
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Refcount returns the key's current refcount.
func (b *Bolt) Refcount(ctx context.Context, ns Namespace, key string) (uint64, error) {
	var count uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		current := tx.Bucket(refcountsBucket(ns)).Get([]byte(key))
		if current == nil {
			return ErrNotFound
		}
		count = decodeRefcount(current)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ForEach iterates keys with the given prefix in lexicographic order.
func (b *Bolt) ForEach(ctx context.Context, ns Namespace, prefix string, fn func(key string, refcount uint64) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		refcounts := tx.Bucket(refcountsBucket(ns))
		cursor := tx.Bucket(objectsBucket(ns)).Cursor()

		p := []byte(prefix)
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(string(k), decodeRefcount(refcounts.Get(k))); err != nil {
				return err
			}
		}
		return nil
	})
}

// Compile-time interface check
var _ Backend = (*Bolt)(nil)
