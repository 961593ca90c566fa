package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/auth-sidecar/internal/core"
)

// Shared is the HA-mode tier backed by a shared redis store. The TTL is
// enforced server-side; read failures are surfaced to the caller, which
// treats them as cache misses.
type Shared struct {
	rdb       *redis.Client
	tolerance time.Duration
}

// NewShared connects to redis and verifies connectivity before returning.
func NewShared(addr, password string, db int, tolerance time.Duration) (*Shared, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("shared stale cache connected", "addr", addr, "db", db)
	return &Shared{rdb: rdb, tolerance: tolerance}, nil
}

func (s *Shared) GetStale(ctx context.Context, key string) (*core.ConsumerSecret, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shared cache get %s: %w", key, err)
	}

	var secret core.ConsumerSecret
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, fmt.Errorf("shared cache decode %s: %w", key, err)
	}
	return &secret, nil
}

func (s *Shared) Put(ctx context.Context, key string, value *core.ConsumerSecret) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("shared cache encode %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, raw, s.tolerance).Err()
}

func (s *Shared) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Entries is empty by contract in shared mode; enumerating a shared store
// from one replica would be misleading.
func (s *Shared) Entries(_ context.Context) []EntryInfo {
	return []EntryInfo{}
}

// Clear removes this sidecar's keyspace. Scoped to the key prefix so other
// tenants of the store are untouched.
func (s *Shared) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close shuts down the underlying redis client.
func (s *Shared) Close() error {
	return s.rdb.Close()
}
