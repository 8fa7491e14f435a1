package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/dedupstore/backend"
)

// intentPrefix keeps intent records disjoint from name and version keys
// within the index namespace.
const intentPrefix = "intent/"

// Intent records an in-flight write. A write begins by logging an intent and
// clears it after the index entry commits. Intents left behind by a crashed
// writer mark names whose chunks may be orphaned, so an audit knows where to
// look.
type Intent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// IntentLog stores write intents in the backend's index namespace.
type IntentLog struct {
	backend backend.Backend
}

// NewIntentLog creates an IntentLog over the given backend.
func NewIntentLog(b backend.Backend) *IntentLog {
	return &IntentLog{backend: b}
}

// Begin logs an intent to write name and returns its id.
func (l *IntentLog) Begin(ctx context.Context, name string) (string, error) {
	intent := Intent{
		ID:        uuid.New().String(),
		Name:      name,
		StartedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("encoding intent: %w", err)
	}

	if err := l.backend.Put(ctx, backend.Index, intentPrefix+intent.ID, data, backend.Metadata{}); err != nil {
		return "", fmt.Errorf("writing intent: %w", err)
	}
	return intent.ID, nil
}

// Clear removes a completed intent. Clearing an unknown id is not an error.
func (l *IntentLog) Clear(ctx context.Context, id string) error {
	if err := l.backend.Delete(ctx, backend.Index, intentPrefix+id); err != nil {
		return fmt.Errorf("clearing intent: %w", err)
	}
	return nil
}

// Pending returns all logged intents, oldest first.
func (l *IntentLog) Pending(ctx context.Context) ([]Intent, error) {
	var intents []Intent

	err := l.backend.ForEach(ctx, backend.Index, intentPrefix, func(key string, _ uint64) error {
		data, _, err := l.backend.Get(ctx, backend.Index, key)
		if err != nil {
			return err
		}

		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			return fmt.Errorf("decoding intent %q: %w", strings.TrimPrefix(key, intentPrefix), err)
		}

		intents = append(intents, intent)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(intents, func(a, b Intent) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return intents, nil
}

// Stale returns intents older than the given age. A healthy writer clears
// its intent within one write's duration, so anything old enough here
// belongs to a writer that died mid-flight.
func (l *IntentLog) Stale(ctx context.Context, olderThan time.Duration) ([]Intent, error) {
	all, err := l.Pending(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)

	var stale []Intent
	for _, intent := range all {
		if intent.StartedAt.Before(cutoff) {
			stale = append(stale, intent)
		}
	}
	return stale, nil
}
