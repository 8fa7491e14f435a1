// Package store implements the content-addressed object store: put, get,
// and refcount operations over a namespaced backend, keyed by content
// fingerprint.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	dedupstore "github.com/wolfeidau/dedupstore"
	"github.com/wolfeidau/dedupstore/backend"
	"github.com/wolfeidau/dedupstore/telemetry"
)

// ErrFingerprintMismatch is returned when a stored payload's computed
// fingerprint disagrees with its key. It indicates backend-level corruption
// and is never silently trusted.
var ErrFingerprintMismatch = errors.New("store: fingerprint mismatch")

// CAS provides content-addressed, reference-counted object storage.
// Identical payloads are stored once: a put of existing content only
// increments the object's refcount. Instances are safe for concurrent use.
type CAS struct {
	backend backend.Backend
	engine  dedupstore.Engine
	codec   Codec
	logger  *slog.Logger
}

// Option configures a CAS instance.
type Option func(*CAS)

// WithEngine sets the fingerprint engine for new objects.
func WithEngine(engine dedupstore.Engine) Option {
	return func(c *CAS) {
		c.engine = engine
	}
}

// WithCodec sets the compression codec for new objects. Existing objects
// carry their codec id in metadata and decode with that, so mixing codecs
// within one pool is fine.
func WithCodec(codec Codec) Option {
	return func(c *CAS) {
		c.codec = codec
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CAS) {
		c.logger = logger
	}
}

// New creates a CAS over the given backend. Defaults: BLAKE3 fingerprints,
// no compression.
func New(b backend.Backend, opts ...Option) *CAS {
	c := &CAS{
		backend: b,
		engine:  dedupstore.DefaultEngine(),
		codec:   identityCodec{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores data and returns its fingerprint. If the object is absent it
// is created with refcount 1; if present, the stored payload is verified
// against the fingerprint and the refcount is atomically incremented. The
// returned fingerprint is the same in both cases — this idempotence is the
// dedup mechanism.
func (c *CAS) Put(ctx context.Context, data []byte) (dedupstore.Fingerprint, error) {
	fp := c.engine.Fingerprint(data)
	key := fp.String()

	_, err := c.backend.Refcount(ctx, backend.CAS, key)
	switch {
	case err == nil:
		// Existing object: verify the content-addressing guarantee
		// before taking a reference on it.
		stored, meta, err := c.backend.Get(ctx, backend.CAS, key)
		if err != nil {
			telemetry.RecordCASPut(ctx, int64(len(data)), true, outcomeOf(err))
			return dedupstore.Fingerprint{}, fmt.Errorf("reading existing object: %w", err)
		}
		if _, err := c.decodeObject(fp, stored, meta); err != nil {
			telemetry.RecordCASPut(ctx, int64(len(data)), true, outcomeOf(err))
			return dedupstore.Fingerprint{}, err
		}

		count, err := c.backend.Incr(ctx, backend.CAS, key)
		if err != nil {
			telemetry.RecordCASPut(ctx, int64(len(data)), true, outcomeOf(err))
			return dedupstore.Fingerprint{}, fmt.Errorf("incrementing refcount: %w", err)
		}

		c.logger.Debug("cas put deduplicated", "fp", fp.ShortString(), "size", len(data), "refcount", count)
		telemetry.RecordCASPut(ctx, int64(len(data)), true, "success")
		return fp, nil

	case errors.Is(err, backend.ErrNotFound):
		// New object: write the payload, then take the first reference.
		compressed, err := c.codec.Compress(data)
		if err != nil {
			return dedupstore.Fingerprint{}, fmt.Errorf("compressing payload: %w", err)
		}

		meta := backend.Metadata{
			Algorithm:      string(c.engine.Algorithm()),
			Codec:          c.codec.ID(),
			OriginalLength: uint64(len(data)),
		}
		if err := c.backend.Put(ctx, backend.CAS, key, compressed, meta); err != nil {
			telemetry.RecordCASPut(ctx, int64(len(data)), false, outcomeOf(err))
			return dedupstore.Fingerprint{}, fmt.Errorf("writing object: %w", err)
		}

		count, err := c.backend.Incr(ctx, backend.CAS, key)
		if err != nil {
			telemetry.RecordCASPut(ctx, int64(len(data)), false, outcomeOf(err))
			return dedupstore.Fingerprint{}, fmt.Errorf("incrementing refcount: %w", err)
		}

		c.logger.Debug("cas put", "fp", fp.ShortString(), "size", len(data), "stored", len(compressed), "codec", c.codec.ID(), "refcount", count)
		telemetry.RecordCASPut(ctx, int64(len(data)), false, "success")
		return fp, nil

	default:
		telemetry.RecordCASPut(ctx, int64(len(data)), false, outcomeOf(err))
		return dedupstore.Fingerprint{}, fmt.Errorf("checking for existing object: %w", err)
	}
}

// Get retrieves an object by fingerprint, decompresses it, and verifies the
// content against the key. Does not touch the refcount.
func (c *CAS) Get(ctx context.Context, fp dedupstore.Fingerprint) ([]byte, error) {
	stored, meta, err := c.backend.Get(ctx, backend.CAS, fp.String())
	if err != nil {
		telemetry.RecordCASGet(ctx, 0, outcomeOf(err))
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("object %s: %w", fp.ShortString(), err)
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}

	data, err := c.decodeObject(fp, stored, meta)
	if err != nil {
		telemetry.RecordCASGet(ctx, 0, outcomeOf(err))
		return nil, err
	}

	telemetry.RecordCASGet(ctx, int64(len(data)), "success")
	return data, nil
}

// GetAt retrieves the [offset, offset+length) slice of an object's
// decompressed content. The range is clamped to the object's size.
func (c *CAS) GetAt(ctx context.Context, fp dedupstore.Fingerprint, offset, length uint64) ([]byte, error) {
	data, err := c.Get(ctx, fp)
	if err != nil {
		return nil, err
	}

	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := min(offset+length, uint64(len(data)))
	return data[offset:end], nil
}

// Up atomically increments the object's refcount and returns the new count.
func (c *CAS) Up(ctx context.Context, fp dedupstore.Fingerprint) (uint64, error) {
	count, err := c.backend.Incr(ctx, backend.CAS, fp.String())
	telemetry.RecordRefcountOp(ctx, "up", outcomeOf(err))
	if err != nil {
		return 0, fmt.Errorf("object %s: %w", fp.ShortString(), err)
	}
	return count, nil
}

// Down atomically decrements the object's refcount and returns the new
// count. Fails with backend.ErrRefcountUnderflow at zero; the object stays
// stored even at refcount zero — sweeping unreferenced objects is a
// separate, explicit operation.
func (c *CAS) Down(ctx context.Context, fp dedupstore.Fingerprint) (uint64, error) {
	count, err := c.backend.Decr(ctx, backend.CAS, fp.String())
	telemetry.RecordRefcountOp(ctx, "down", outcomeOf(err))
	if err != nil {
		return 0, fmt.Errorf("object %s: %w", fp.ShortString(), err)
	}
	return count, nil
}

// Refcount returns the object's current refcount.
func (c *CAS) Refcount(ctx context.Context, fp dedupstore.Fingerprint) (uint64, error) {
	return c.backend.Refcount(ctx, backend.CAS, fp.String())
}

// List enumerates the pool's objects and their refcounts. Ordering is
// unspecified but stable within one enumeration.
func (c *CAS) List(ctx context.Context, fn func(fp dedupstore.Fingerprint, refcount uint64) error) error {
	return c.backend.ForEach(ctx, backend.CAS, "", func(key string, refcount uint64) error {
		fp, err := dedupstore.ParseFingerprint(key)
		if err != nil {
			// Not a content key; nothing in this namespace should
			// be, but skip rather than abort the enumeration.
			c.logger.Warn("skipping non-fingerprint key in CAS namespace", "key", key)
			return nil
		}
		return fn(fp, refcount)
	})
}

// PoolInfo is a point-in-time summary of the CAS namespace. It may be
// eventually consistent with concurrent writers.
type PoolInfo struct {
	// Objects is the number of stored objects.
	Objects uint64

	// TotalRefs is the sum of all refcounts.
	TotalRefs uint64

	// Unreferenced counts objects at refcount zero. These are orphan
	// candidates awaiting an explicit sweep; their presence is not an
	// error.
	Unreferenced uint64
}

// Info returns pool statistics.
func (c *CAS) Info(ctx context.Context) (*PoolInfo, error) {
	info := &PoolInfo{}
	err := c.List(ctx, func(fp dedupstore.Fingerprint, refcount uint64) error {
		info.Objects++
		info.TotalRefs += refcount
		if refcount == 0 {
			info.Unreferenced++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Fingerprint    dedupstore.Fingerprint
	Algorithm      string
	Codec          string
	OriginalLength uint64
	StoredLength   uint64
	Refcount       uint64
}

// Stat returns an object's metadata and refcount without decoding the
// payload.
func (c *CAS) Stat(ctx context.Context, fp dedupstore.Fingerprint) (*ObjectInfo, error) {
	stored, meta, err := c.backend.Get(ctx, backend.CAS, fp.String())
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", fp.ShortString(), err)
	}

	refcount, err := c.backend.Refcount(ctx, backend.CAS, fp.String())
	if err != nil {
		return nil, fmt.Errorf("object %s refcount: %w", fp.ShortString(), err)
	}

	return &ObjectInfo{
		Fingerprint:    fp,
		Algorithm:      meta.Algorithm,
		Codec:          meta.Codec,
		OriginalLength: meta.OriginalLength,
		StoredLength:   uint64(len(stored)),
		Refcount:       refcount,
	}, nil
}

// decodeObject decompresses a stored payload per its metadata and verifies
// the result against the object's key.
func (c *CAS) decodeObject(fp dedupstore.Fingerprint, stored []byte, meta backend.Metadata) ([]byte, error) {
	codec, err := CodecFor(meta.Codec)
	if err != nil {
		return nil, err
	}

	data, err := codec.Decompress(stored, meta.OriginalLength)
	if err != nil {
		return nil, fmt.Errorf("decoding object %s: %w", fp.ShortString(), err)
	}

	engine, err := dedupstore.EngineFor(dedupstore.Algorithm(meta.Algorithm))
	if err != nil {
		return nil, err
	}

	if engine.Fingerprint(data) != fp {
		return nil, fmt.Errorf("object %s: %w", fp.ShortString(), ErrFingerprintMismatch)
	}
	return data, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, backend.ErrNotFound):
		return "not_found"
	case errors.Is(err, backend.ErrRefcountUnderflow):
		return "underflow"
	case errors.Is(err, ErrFingerprintMismatch):
		return "fingerprint_mismatch"
	default:
		return "error"
	}
}
