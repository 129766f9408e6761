package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres implements Store on a single table with an expires_at column.
// Expired rows are treated as absent by every statement and reaped in bulk
// by Cleanup, so readers never depend on the reaper having run.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	query := `
SELECT kv_value
FROM askdb_kv_entry
WHERE kv_key = $1 AND expires_at > now()`

	var value string
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	return value, true, nil
}

func (s *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	query := `
INSERT INTO askdb_kv_entry (kv_key, kv_value, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 second')
ON CONFLICT (kv_key)
DO UPDATE SET kv_value = excluded.kv_value, expires_at = excluded.expires_at`

	if _, err := s.db.ExecContext(ctx, query, key, value, ttl.Seconds()); err != nil {
		return fmt.Errorf("%w: set %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *Postgres) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	// Single statement so concurrent increments in the same window serialize
	// on the row. An expired counter restarts at 1 with a fresh expiry; a
	// live one keeps its expiry, which is what makes the TTL the window.
	query := `
INSERT INTO askdb_kv_entry (kv_key, kv_value, expires_at)
VALUES ($1, '1', now() + $2 * interval '1 second')
ON CONFLICT (kv_key)
DO UPDATE SET
	kv_value = CASE
		WHEN askdb_kv_entry.expires_at <= now() THEN '1'
		ELSE (askdb_kv_entry.kv_value::bigint + 1)::text
	END,
	expires_at = CASE
		WHEN askdb_kv_entry.expires_at <= now() THEN excluded.expires_at
		ELSE askdb_kv_entry.expires_at
	END
RETURNING kv_value::bigint`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, key, ttl.Seconds()).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: increment %q: %v", ErrUnavailable, key, err)
	}
	return count, nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM askdb_kv_entry WHERE kv_key = $1`, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Cleanup deletes expired rows and returns how many were removed.
func (s *Postgres) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM askdb_kv_entry WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", ErrUnavailable, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}
