package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/i474232898/freezer/internal/weather"

	_ "modernc.org/sqlite"
)

// SQLitePersister keeps cache entries in a single key/value table using the
// pure Go modernc.org/sqlite driver.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister opens (or creates) the database at path and applies the
// schema.
func NewSQLitePersister(path string, logger *slog.Logger) (*SQLitePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer keeps sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logger.Warn("could not set sqlite WAL mode", "error", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS cache_entries (
        key        TEXT PRIMARY KEY,
        payload    TEXT NOT NULL,
        updated_at INTEGER NOT NULL
    );`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLitePersister{db: db, logger: logger}, nil
}

// Load returns every compatible entry. Incompatible or corrupt rows are
// deleted.
func (s *SQLitePersister) Load(ctx context.Context) ([]weather.CacheEntry, error) {
	raw, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	entries, discard := decodeRecords(raw)
	for _, key := range discard {
		s.logger.Warn("discarding incompatible cache record", "key", key)
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn("could not delete cache record", "key", key, "error", err)
		}
	}
	return entries, nil
}

// readAll reads the whole table. The result set is closed before returning so
// the single connection is free for follow-up writes.
func (s *SQLitePersister) readAll(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, payload FROM cache_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw := make(map[string][]byte)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		raw[key] = []byte(payload)
	}
	return raw, rows.Err()
}

func (s *SQLitePersister) Save(ctx context.Context, entry weather.CacheEntry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries(key, payload, updated_at) VALUES(?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		entry.Key, string(payload), time.Now().UTC().Unix())
	return err
}

func (s *SQLitePersister) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (s *SQLitePersister) Close() error {
	return s.db.Close()
}
