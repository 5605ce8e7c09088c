package quota

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool the Postgres store needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore advances counters with a single conditional upsert. When
// the counter is already at the limit the WHERE clause suppresses the update
// and no row is returned.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the counter table; cmd applies it at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS search_quota (
    user_id    TEXT        NOT NULL,
    period_key TEXT        NOT NULL,
    count      BIGINT      NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, period_key)
);`

const (
	incrementSQL = `
INSERT INTO search_quota (user_id, period_key, count)
VALUES ($1, $2, 1)
ON CONFLICT (user_id, period_key) DO UPDATE
   SET count = search_quota.count + 1, updated_at = NOW()
 WHERE $3::bigint <= 0 OR search_quota.count < $3::bigint
RETURNING count`

	currentCountSQL = `SELECT count FROM search_quota WHERE user_id = $1 AND period_key = $2`
)

func (s *PostgresStore) CheckAndIncrement(ctx context.Context, userID, periodKey string, limit int64) (Result, error) {
	var count int64
	err := s.db.QueryRow(ctx, incrementSQL, userID, periodKey, limit).Scan(&count)
	if err == nil {
		return result(true, count, limit), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, unavailable("postgres upsert", err)
	}

	// over the limit: report the stored count, which nothing changed
	if err := s.db.QueryRow(ctx, currentCountSQL, userID, periodKey).Scan(&count); err != nil {
		count = limit
	}
	return result(false, count, limit), nil
}
