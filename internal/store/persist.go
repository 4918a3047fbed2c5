package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/i474232898/freezer/internal/weather"
)

// SchemaVersion tags every persisted record. Records carrying any other
// version are discarded on load.
const SchemaVersion = 1

// ErrIncompatibleRecord is returned for persisted records from another
// schema version.
var ErrIncompatibleRecord = errors.New("incompatible cache record schema")

// Persister is the durable side of the response cache.
type Persister interface {
	Load(ctx context.Context) ([]weather.CacheEntry, error)
	Save(ctx context.Context, entry weather.CacheEntry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type record struct {
	Schema    int                     `json:"schema"`
	Key       string                  `json:"key"`
	Snapshot  weather.WeatherSnapshot `json:"snapshot"`
	ExpiresAt time.Time               `json:"expiresAt"`
}

func encodeEntry(e weather.CacheEntry) ([]byte, error) {
	return json.Marshal(record{
		Schema:    SchemaVersion,
		Key:       e.Key,
		Snapshot:  e.Snapshot,
		ExpiresAt: e.ExpiresAt,
	})
}

func decodeEntry(data []byte) (weather.CacheEntry, error) {
	// Peek at the schema first so a future layout change cannot fail the
	// full decode in confusing ways.
	var head struct {
		Schema int `json:"schema"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return weather.CacheEntry{}, fmt.Errorf("decode cache record: %w", err)
	}
	if head.Schema != SchemaVersion {
		return weather.CacheEntry{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleRecord, head.Schema, SchemaVersion)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return weather.CacheEntry{}, fmt.Errorf("decode cache record: %w", err)
	}
	if r.Key == "" || r.ExpiresAt.Before(r.Snapshot.FetchedAt) {
		return weather.CacheEntry{}, fmt.Errorf("decode cache record: inconsistent record for %q", r.Key)
	}
	return weather.CacheEntry{Key: r.Key, Snapshot: r.Snapshot, ExpiresAt: r.ExpiresAt}, nil
}

// decodeRecords decodes raw key/payload pairs, returning the usable entries
// and the keys whose payload must be discarded.
func decodeRecords(raw map[string][]byte) (entries []weather.CacheEntry, discard []string) {
	for key, payload := range raw {
		e, err := decodeEntry(payload)
		if err != nil || e.Key != key {
			discard = append(discard, key)
			continue
		}
		entries = append(entries, e)
	}
	return entries, discard
}
