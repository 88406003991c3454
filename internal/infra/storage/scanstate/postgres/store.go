// Package postgres provides a PostgreSQL-backed KVStore implementation for
// deployments that already run a relational database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/internal/infra/storage"
)

var _ census.KVStore = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// Store persists scan state keys in the census_scan_state table, one row per
// (community, key) pair.
type Store struct {
	pool        *pgxpool.Pool
	communityID string
	tracer      trace.Tracer
}

// New creates a PostgreSQL-backed store scoped to the given community.
func New(pool *pgxpool.Pool, communityID string, tracer trace.Tracer) *Store {
	return &Store{pool: pool, communityID: communityID, tracer: tracer}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false

	dbAttrs := append(defaultDBAttributes,
		attribute.String("community_id", s.communityID),
		attribute.String("key", key),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_state", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT value FROM census_scan_state WHERE community_id = $1 AND key = $2`,
			s.communityID, key,
		)
		if err := row.Scan(&value); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get key %s: %w", key, err)
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("community_id", s.communityID),
		attribute.String("key", key),
		attribute.Int("value_size", len(value)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_scan_state", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO census_scan_state (community_id, key, value, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (community_id, key)
			 DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			s.communityID, key, value,
		)
		if err != nil {
			return fmt.Errorf("failed to set key %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("community_id", s.communityID),
		attribute.String("key", key),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_scan_state", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM census_scan_state WHERE community_id = $1 AND key = $2`,
			s.communityID, key,
		)
		if err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return nil
	})
}
