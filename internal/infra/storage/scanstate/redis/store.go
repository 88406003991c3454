// Package redis provides a Redis-backed KVStore implementation. Scan state
// is small and read on every operator interaction, which makes a networked
// key/value store a natural fit.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/internal/infra/storage"
)

var _ census.KVStore = (*Store)(nil)

// Store persists scan state keys in Redis, namespaced per community.
type Store struct {
	client *redis.Client
	prefix string
	tracer trace.Tracer
}

// New creates a Redis-backed store scoped to the given community.
func New(client *redis.Client, communityID string, tracer trace.Tracer) *Store {
	return &Store{
		client: client,
		prefix: fmt.Sprintf("census:%s:", communityID),
		tracer: tracer,
	}
}

func (s *Store) key(key string) string { return s.prefix + key }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false

	attrs := []attribute.KeyValue{attribute.String("key", key)}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.get_scan_state", attrs, func(ctx context.Context) error {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("failed to get key %s: %w", key, err)
		}
		value, found = data, true
		return nil
	})
	return value, found, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	attrs := []attribute.KeyValue{
		attribute.String("key", key),
		attribute.Int("value_size", len(value)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.set_scan_state", attrs, func(ctx context.Context) error {
		if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
			return fmt.Errorf("failed to set key %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	attrs := []attribute.KeyValue{attribute.String("key", key)}
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.delete_scan_state", attrs, func(ctx context.Context) error {
		if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return nil
	})
}
