// Package index maintains the name to version to recipe mapping. Each named
// file has an ordered set of versions, keyed by timestamp, and each version
// points at the recipe fingerprint describing that version's content.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	dedupstore "github.com/wolfeidau/dedupstore"
	"github.com/wolfeidau/dedupstore/backend"
)

// Head selects the most recent version of a name. It is an impossible
// timestamp: real versions are always written with a nonzero timestamp.
const Head uint64 = 0

// timestampWidth zero-pads version keys so lexicographic backend ordering
// matches numeric timestamp ordering. 20 digits covers the full uint64
// range.
const timestampWidth = 20

// Version is one entry in a name's history.
type Version struct {
	// Timestamp orders the version within its name. Unique per name.
	Timestamp uint64

	// Recipe is the fingerprint of the recipe object for this version.
	Recipe dedupstore.Fingerprint
}

// Index stores the version history for named files. Instances are safe for
// concurrent use; each version lives under its own backend key, so
// concurrent appends to the same name never clobber each other.
type Index struct {
	backend backend.Backend
	logger  *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// New creates an Index over the given backend.
func New(b backend.Backend, opts ...Option) *Index {
	ix := &Index{
		backend: b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// PutVersion records a new version of name pointing at the given recipe
// fingerprint. The requested timestamp must be nonzero; if it is already
// taken the next free timestamp is used, so two writers committing in the
// same instant both land, in arrival order. Returns the timestamp actually
// assigned.
func (ix *Index) PutVersion(ctx context.Context, name string, ts uint64, recipeFP dedupstore.Fingerprint) (uint64, error) {
	if ts == Head {
		return 0, errors.New("index: version timestamp must be nonzero")
	}

	if err := ix.ensureName(ctx, name); err != nil {
		return 0, err
	}

	for {
		// Allocation and write are one atomic create: two writers
		// racing for the same timestamp cannot both claim the slot,
		// the loser sees ErrExists and bumps to the next one.
		err := ix.backend.PutIfAbsent(ctx, backend.Index, versionKey(name, ts), []byte(recipeFP.String()), backend.Metadata{})
		switch {
		case err == nil:
			ix.logger.Debug("index put version", "name", name, "ts", ts, "recipe", recipeFP.ShortString())
			return ts, nil
		case errors.Is(err, backend.ErrExists):
			ts++
		default:
			return 0, fmt.Errorf("writing version entry: %w", err)
		}
	}
}

// GetVersion resolves a version of name to its recipe fingerprint. Pass
// Head for the most recent version.
func (ix *Index) GetVersion(ctx context.Context, name string, ts uint64) (Version, error) {
	if ts == Head {
		return ix.head(ctx, name)
	}

	data, _, err := ix.backend.Get(ctx, backend.Index, versionKey(name, ts))
	if err != nil {
		return Version{}, fmt.Errorf("version %d of %q: %w", ts, name, err)
	}

	fp, err := dedupstore.ParseFingerprint(string(data))
	if err != nil {
		return Version{}, fmt.Errorf("version %d of %q: %w", ts, name, err)
	}

	return Version{Timestamp: ts, Recipe: fp}, nil
}

// Versions returns name's full history in ascending timestamp order.
// Returns backend.ErrNotFound if the name has never been written.
func (ix *Index) Versions(ctx context.Context, name string) ([]Version, error) {
	if _, _, err := ix.backend.Get(ctx, backend.Index, nameKey(name)); err != nil {
		return nil, fmt.Errorf("name %q: %w", name, err)
	}

	var versions []Version
	prefix := versionPrefix(name)

	err := ix.backend.ForEach(ctx, backend.Index, prefix, func(key string, _ uint64) error {
		ts, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed version key %q: %w", key, err)
		}

		data, _, err := ix.backend.Get(ctx, backend.Index, key)
		if err != nil {
			return err
		}

		fp, err := dedupstore.ParseFingerprint(string(data))
		if err != nil {
			return fmt.Errorf("version key %q: %w", key, err)
		}

		versions = append(versions, Version{Timestamp: ts, Recipe: fp})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return versions, nil
}

// RemoveVersion deletes one version entry and returns the recipe
// fingerprint it pointed at, so the caller can release the recipe's
// references. The name itself remains, even with zero versions left.
func (ix *Index) RemoveVersion(ctx context.Context, name string, ts uint64) (dedupstore.Fingerprint, error) {
	v, err := ix.GetVersion(ctx, name, ts)
	if err != nil {
		return dedupstore.Fingerprint{}, err
	}

	if err := ix.backend.Delete(ctx, backend.Index, versionKey(name, v.Timestamp)); err != nil {
		return dedupstore.Fingerprint{}, fmt.Errorf("deleting version entry: %w", err)
	}

	ix.logger.Debug("index remove version", "name", name, "ts", v.Timestamp)
	return v.Recipe, nil
}

// Remove deletes a name and its remaining version entries. Callers must
// release the recipes referenced by those versions first; Remove only
// clears the index.
func (ix *Index) Remove(ctx context.Context, name string) error {
	var keys []string
	err := ix.backend.ForEach(ctx, backend.Index, versionPrefix(name), func(key string, _ uint64) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := ix.backend.Delete(ctx, backend.Index, key); err != nil {
			return fmt.Errorf("deleting version entry: %w", err)
		}
	}

	if err := ix.backend.Delete(ctx, backend.Index, nameKey(name)); err != nil {
		return fmt.Errorf("deleting name entry: %w", err)
	}

	ix.logger.Debug("index remove name", "name", name)
	return nil
}

// ForEachName enumerates the names in the index in lexicographic order.
func (ix *Index) ForEachName(ctx context.Context, fn func(name string) error) error {
	return ix.backend.ForEach(ctx, backend.Index, "name/", func(key string, _ uint64) error {
		rest := strings.TrimPrefix(key, "name/")
		if strings.Contains(rest, "/") {
			// Version entry, not a name marker.
			return nil
		}

		name, err := url.PathUnescape(rest)
		if err != nil {
			return fmt.Errorf("malformed name key %q: %w", key, err)
		}
		return fn(name)
	})
}

// head returns the most recent version of name.
func (ix *Index) head(ctx context.Context, name string) (Version, error) {
	versions, err := ix.Versions(ctx, name)
	if err != nil {
		return Version{}, err
	}
	if len(versions) == 0 {
		return Version{}, fmt.Errorf("name %q has no versions: %w", name, backend.ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

// ensureName writes the name marker if it is absent. The marker keeps the
// name enumerable even before its first version commits, and after its last
// version is removed.
func (ix *Index) ensureName(ctx context.Context, name string) error {
	_, _, err := ix.backend.Get(ctx, backend.Index, nameKey(name))
	if err == nil {
		return nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("checking name entry: %w", err)
	}

	if err := ix.backend.Put(ctx, backend.Index, nameKey(name), nil, backend.Metadata{}); err != nil {
		return fmt.Errorf("writing name entry: %w", err)
	}
	return nil
}

// nameKey is the marker key for a name. Names are escaped so a "/" in a
// user-supplied name cannot collide with the key layout.
func nameKey(name string) string {
	return "name/" + url.PathEscape(name)
}

func versionPrefix(name string) string {
	return nameKey(name) + "/v/"
}

func versionKey(name string, ts uint64) string {
	return fmt.Sprintf("%s%0*d", versionPrefix(name), timestampWidth, ts)
}
