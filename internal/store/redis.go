package store

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/i474232898/freezer/internal/weather"
)

// DefaultRedisHash is the hash holding all cache records.
const DefaultRedisHash = "freezer:weather-cache"

// RedisPersister keeps cache entries as fields of a single Redis hash.
type RedisPersister struct {
	client *redis.Client
	hash   string
	logger *slog.Logger
}

func NewRedisPersister(addr, password string, db int, logger *slog.Logger) *RedisPersister {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPersister{client: client, hash: DefaultRedisHash, logger: logger}
}

// Ping checks connectivity; main uses it to fall back to memory only.
func (r *RedisPersister) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPersister) Load(ctx context.Context) ([]weather.CacheEntry, error) {
	fields, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return nil, err
	}

	raw := make(map[string][]byte, len(fields))
	for k, v := range fields {
		raw[k] = []byte(v)
	}

	entries, discard := decodeRecords(raw)
	if len(discard) > 0 {
		r.logger.Warn("discarding incompatible cache records", "count", len(discard))
		if err := r.client.HDel(ctx, r.hash, discard...).Err(); err != nil {
			r.logger.Warn("could not delete cache records", "error", err)
		}
	}
	return entries, nil
}

func (r *RedisPersister) Save(ctx context.Context, entry weather.CacheEntry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.hash, entry.Key, payload).Err()
}

func (r *RedisPersister) Delete(ctx context.Context, key string) error {
	return r.client.HDel(ctx, r.hash, key).Err()
}

func (r *RedisPersister) Close() error {
	return r.client.Close()
}
