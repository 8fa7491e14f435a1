// Package filestore ties the layers together: it chunks file content into
// the content-addressed store, describes each version with a recipe, and
// records versions in the name index. Identical content between files and
// versions is stored once.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	dedupstore "github.com/wolfeidau/dedupstore"
	"github.com/wolfeidau/dedupstore/backend"
	"github.com/wolfeidau/dedupstore/chunker"
	"github.com/wolfeidau/dedupstore/index"
	"github.com/wolfeidau/dedupstore/recipe"
	"github.com/wolfeidau/dedupstore/store"
	"github.com/wolfeidau/dedupstore/telemetry"
)

// defaultConcurrency bounds parallel chunk operations per call.
const defaultConcurrency = 8

// FileStore provides versioned, deduplicated file storage. Instances are
// safe for concurrent use.
type FileStore struct {
	cas         *store.CAS
	index       *index.Index
	chunker     chunker.Strategy
	intents     *IntentLog
	logger      *slog.Logger
	concurrency int

	// fetch deduplicates concurrent read-side chunk fetches. Writes never
	// go through it: every put must take its own reference.
	fetch singleflight.Group
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithChunker sets the chunking strategy for writes. Reads are driven by
// the recipe, so the strategy can change between versions.
func WithChunker(strategy chunker.Strategy) Option {
	return func(fs *FileStore) {
		fs.chunker = strategy
	}
}

// WithIntentLog enables write intent logging.
func WithIntentLog(log *IntentLog) Option {
	return func(fs *FileStore) {
		fs.intents = log
	}
}

// WithConcurrency bounds the parallel chunk operations per read or write.
func WithConcurrency(n int) Option {
	return func(fs *FileStore) {
		if n > 0 {
			fs.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(fs *FileStore) {
		fs.logger = logger
	}
}

// New creates a FileStore over the given CAS and index.
func New(cas *store.CAS, ix *index.Index, opts ...Option) *FileStore {
	fs := &FileStore{
		cas:         cas,
		index:       ix,
		chunker:     chunker.NewFixed(chunker.DefaultChunkSize),
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// WriteFull stores data as a new version of name and returns the assigned
// version timestamp. Chunks are written before the recipe, and the recipe
// before the index entry, so a reader never resolves a version whose data
// is incomplete. A failure partway through can leave already-written chunks
// behind; they hold their references and a later identical write reuses
// them.
func (fs *FileStore) WriteFull(ctx context.Context, name string, data []byte) (uint64, error) {
	start := time.Now()

	ts, err := fs.writeFull(ctx, name, data)
	telemetry.RecordFileOp(ctx, "write_full", outcomeOf(err), time.Since(start))
	if err != nil {
		return 0, err
	}

	fs.logger.Info("wrote version", "name", name, "ts", ts, "size", len(data), "duration", time.Since(start))
	return ts, nil
}

func (fs *FileStore) writeFull(ctx context.Context, name string, data []byte) (uint64, error) {
	var intentID string
	if fs.intents != nil {
		id, err := fs.intents.Begin(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("logging intent: %w", err)
		}
		intentID = id
	}

	chunks := fs.chunker.Split(data)
	extents := make([]recipe.Extent, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			fp, err := fs.cas.Put(gctx, chunk.Data)
			if err != nil {
				return err
			}
			extents[i] = recipe.Extent{
				Offset:      chunk.Offset,
				Length:      chunk.Length,
				Fingerprint: fp,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("writing chunks: %w", err)
	}

	encoded, err := recipe.Encode(extents)
	if err != nil {
		return 0, fmt.Errorf("encoding recipe: %w", err)
	}

	recipeFP, err := fs.cas.Put(ctx, encoded)
	if err != nil {
		return 0, fmt.Errorf("writing recipe: %w", err)
	}

	ts, err := fs.index.PutVersion(ctx, name, uint64(time.Now().UnixNano()), recipeFP)
	if err != nil {
		return 0, fmt.Errorf("committing index entry: %w", err)
	}

	if fs.intents != nil {
		if err := fs.intents.Clear(ctx, intentID); err != nil {
			// The version is committed; a leftover intent only costs a
			// later audit a false positive.
			fs.logger.Warn("clearing intent failed", "name", name, "intent", intentID, "error", err)
		}
	}

	return ts, nil
}

// ReadFull reads a complete version of name. Pass index.Head for the most
// recent version.
func (fs *FileStore) ReadFull(ctx context.Context, name string, ts uint64) ([]byte, error) {
	start := time.Now()

	data, err := fs.readFull(ctx, name, ts)
	telemetry.RecordFileOp(ctx, "read_full", outcomeOf(err), time.Since(start))
	return data, err
}

func (fs *FileStore) readFull(ctx context.Context, name string, ts uint64) ([]byte, error) {
	extents, _, err := fs.loadRecipe(ctx, name, ts)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, recipe.Size(extents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.concurrency)

	for _, ext := range extents {
		g.Go(func() error {
			data, err := fs.fetchChunk(gctx, ext.Fingerprint)
			if err != nil {
				return err
			}
			if uint64(len(data)) != ext.Length {
				return fmt.Errorf("chunk %s: length %d does not match extent length %d: %w",
					ext.Fingerprint.ShortString(), len(data), ext.Length, recipe.ErrCorrupt)
			}
			copy(buf[ext.Offset:ext.End()], data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}

	return buf, nil
}

// ReadAt reads the [offset, offset+length) byte range of a version, fetching
// only the chunks the range touches. The range is clamped to the file size.
func (fs *FileStore) ReadAt(ctx context.Context, name string, ts uint64, offset, length uint64) ([]byte, error) {
	start := time.Now()

	data, err := fs.readAt(ctx, name, ts, offset, length)
	telemetry.RecordFileOp(ctx, "read_at", outcomeOf(err), time.Since(start))
	return data, err
}

func (fs *FileStore) readAt(ctx context.Context, name string, ts uint64, offset, length uint64) ([]byte, error) {
	extents, _, err := fs.loadRecipe(ctx, name, ts)
	if err != nil {
		return nil, err
	}

	size := recipe.Size(extents)
	if offset >= size {
		return nil, nil
	}
	end := min(offset+length, size)

	touched := recipe.ExtentsInRange(extents, offset, end-offset)
	buf := make([]byte, end-offset)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.concurrency)

	for _, ext := range touched {
		g.Go(func() error {
			data, err := fs.fetchChunk(gctx, ext.Fingerprint)
			if err != nil {
				return err
			}
			if uint64(len(data)) != ext.Length {
				return fmt.Errorf("chunk %s: length %d does not match extent length %d: %w",
					ext.Fingerprint.ShortString(), len(data), ext.Length, recipe.ErrCorrupt)
			}

			// Intersect this chunk with the requested range.
			from := max(offset, ext.Offset)
			to := min(end, ext.End())
			copy(buf[from-offset:to-offset], data[from-ext.Offset:to-ext.Offset])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}

	return buf, nil
}

// Stat describes one version of a named file.
type Stat struct {
	Name      string
	Timestamp uint64
	Size      uint64
	Chunks    int
	Recipe    dedupstore.Fingerprint
}

// StatVersion returns a version's size and chunk layout without reading its
// content.
func (fs *FileStore) StatVersion(ctx context.Context, name string, ts uint64) (*Stat, error) {
	extents, v, err := fs.loadRecipe(ctx, name, ts)
	if err != nil {
		return nil, err
	}

	return &Stat{
		Name:      name,
		Timestamp: v.Timestamp,
		Size:      recipe.Size(extents),
		Chunks:    len(extents),
		Recipe:    v.Recipe,
	}, nil
}

// Versions returns name's history in ascending timestamp order.
func (fs *FileStore) Versions(ctx context.Context, name string) ([]index.Version, error) {
	return fs.index.Versions(ctx, name)
}

// Names enumerates the named files in the store.
func (fs *FileStore) Names(ctx context.Context, fn func(name string) error) error {
	return fs.index.ForEachName(ctx, fn)
}

// RemoveVersion deletes one version of name and releases the references it
// held: one per chunk extent, then one for the recipe object. Objects whose
// refcount reaches zero stay stored; sweeping them is a separate decision.
// The index entry is removed first, so readers cannot resolve the version
// while its references are being released.
func (fs *FileStore) RemoveVersion(ctx context.Context, name string, ts uint64) error {
	start := time.Now()

	err := fs.removeVersion(ctx, name, ts)
	telemetry.RecordFileOp(ctx, "remove_version", outcomeOf(err), time.Since(start))
	return err
}

func (fs *FileStore) removeVersion(ctx context.Context, name string, ts uint64) error {
	extents, v, err := fs.loadRecipe(ctx, name, ts)
	if err != nil {
		return err
	}

	if _, err := fs.index.RemoveVersion(ctx, name, v.Timestamp); err != nil {
		return fmt.Errorf("removing index entry: %w", err)
	}

	for _, ext := range extents {
		if _, err := fs.cas.Down(ctx, ext.Fingerprint); err != nil {
			return fmt.Errorf("releasing chunk: %w", err)
		}
	}

	if _, err := fs.cas.Down(ctx, v.Recipe); err != nil {
		return fmt.Errorf("releasing recipe: %w", err)
	}

	fs.logger.Info("removed version", "name", name, "ts", v.Timestamp)
	return nil
}

// RemoveAll deletes every version of name and then the name itself.
func (fs *FileStore) RemoveAll(ctx context.Context, name string) error {
	versions, err := fs.index.Versions(ctx, name)
	if err != nil {
		return err
	}

	// Newest first, so a concurrent Head read cannot land on a version
	// about to be released.
	for i := len(versions) - 1; i >= 0; i-- {
		if err := fs.removeVersion(ctx, name, versions[i].Timestamp); err != nil {
			return err
		}
	}

	return fs.index.Remove(ctx, name)
}

// loadRecipe resolves a version and decodes its recipe.
func (fs *FileStore) loadRecipe(ctx context.Context, name string, ts uint64) ([]recipe.Extent, index.Version, error) {
	v, err := fs.index.GetVersion(ctx, name, ts)
	if err != nil {
		return nil, index.Version{}, err
	}

	encoded, err := fs.fetchChunk(ctx, v.Recipe)
	if err != nil {
		return nil, index.Version{}, fmt.Errorf("reading recipe: %w", err)
	}

	extents, err := recipe.Decode(encoded)
	if err != nil {
		return nil, index.Version{}, fmt.Errorf("recipe %s: %w", v.Recipe.ShortString(), err)
	}

	return extents, v, nil
}

// fetchChunk reads an object through the singleflight group, so concurrent
// readers of the same chunk share one backend fetch. The flight runs on the
// leader's context; a co-waiter whose own context is still live must not
// inherit the leader's cancellation, so it falls back to a direct fetch.
func (fs *FileStore) fetchChunk(ctx context.Context, fp dedupstore.Fingerprint) ([]byte, error) {
	data, err, _ := fs.fetch.Do(fp.String(), func() (any, error) {
		return fs.cas.Get(ctx, fp)
	})
	if err != nil {
		if isContextErr(err) && ctx.Err() == nil {
			return fs.cas.Get(ctx, fp)
		}
		return nil, err
	}
	return data.([]byte), nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, backend.ErrNotFound):
		return "not_found"
	case errors.Is(err, recipe.ErrCorrupt):
		return "corrupt"
	default:
		return "error"
	}
}
