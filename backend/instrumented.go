package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/dedupstore/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented creates a new instrumented backend wrapper. The name tags
// every recorded operation so multiple backends can share one meter.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) Put(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error {
	start := time.Now()
	err := ib.backend.Put(ctx, ns, key, data, meta)
	telemetry.RecordBackendOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func (ib *Instrumented) PutIfAbsent(ctx context.Context, ns Namespace, key string, data []byte, meta Metadata) error {
	start := time.Now()
	err := ib.backend.PutIfAbsent(ctx, ns, key, data, meta)
	telemetry.RecordBackendOp(ctx, ib.name, "put_if_absent", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func (ib *Instrumented) Get(ctx context.Context, ns Namespace, key string) ([]byte, Metadata, error) {
	start := time.Now()
	data, meta, err := ib.backend.Get(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, meta, err
}

func (ib *Instrumented) Delete(ctx context.Context, ns Namespace, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) Incr(ctx context.Context, ns Namespace, key string) (uint64, error) {
	start := time.Now()
	count, err := ib.backend.Incr(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "incr", outcomeFromError(err), time.Since(start), 0)
	return count, err
}

func (ib *Instrumented) Decr(ctx context.Context, ns Namespace, key string) (uint64, error) {
	start := time.Now()
	count, err := ib.backend.Decr(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "decr", outcomeFromError(err), time.Since(start), 0)
	return count, err
}

func (ib *Instrumented) Refcount(ctx context.Context, ns Namespace, key string) (uint64, error) {
	start := time.Now()
	count, err := ib.backend.Refcount(ctx, ns, key)
	telemetry.RecordBackendOp(ctx, ib.name, "refcount", outcomeFromError(err), time.Since(start), 0)
	return count, err
}

func (ib *Instrumented) ForEach(ctx context.Context, ns Namespace, prefix string, fn func(key string, refcount uint64) error) error {
	start := time.Now()
	err := ib.backend.ForEach(ctx, ns, prefix, fn)
	telemetry.RecordBackendOp(ctx, ib.name, "foreach", outcomeFromError(err), time.Since(start), 0)
	return err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExists):
		return "exists"
	case errors.Is(err, ErrRefcountUnderflow):
		return "underflow"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// Compile-time interface check
var _ Backend = (*Instrumented)(nil)
