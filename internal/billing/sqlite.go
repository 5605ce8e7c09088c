package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a Store backed by SQLite, used for single-node deployments
// without Postgres. Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore and initialises its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("billing: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS user_subscriptions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        TEXT    NOT NULL,
    plan_id        TEXT    NOT NULL,
    is_active      INTEGER NOT NULL DEFAULT 1,
    billing_period TEXT    NOT NULL DEFAULT '',
    expires_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_user_subscriptions_user
    ON user_subscriptions(user_id, expires_at);

CREATE TABLE IF NOT EXISTS profiles (
    id        TEXT PRIMARY KEY,
    plan_type TEXT
);
`
	_, err := s.db.Exec(ddl)
	return err
}

// AddSubscription inserts a subscription row.
func (s *SQLiteStore) AddSubscription(ctx context.Context, sub Subscription) error {
	var expires sql.NullInt64
	if !sub.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: sub.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_subscriptions (user_id, plan_id, is_active, billing_period, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.UserID, sub.PlanID, sub.Active, sub.BillingPeriod, expires,
	)
	if err != nil {
		return fmt.Errorf("billing: insert subscription: %w", err)
	}
	return nil
}

// SetProfilePlan records planID on the user's profile.
func (s *SQLiteStore) SetProfilePlan(ctx context.Context, userID, planID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, plan_type) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET plan_type = excluded.plan_type`,
		userID, planID,
	)
	if err != nil {
		return fmt.Errorf("billing: set profile plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveSubscription(ctx context.Context, userID string, now time.Time) (Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, plan_id, is_active, billing_period, expires_at
		 FROM user_subscriptions
		 WHERE user_id = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY expires_at IS NOT NULL, expires_at DESC
		 LIMIT 1`,
		userID, now.UnixMilli(),
	)
	return scanSQLiteSubscription(row)
}

func (s *SQLiteStore) LatestExpiredSubscription(ctx context.Context, userID string, now time.Time) (Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, plan_id, is_active, billing_period, expires_at
		 FROM user_subscriptions
		 WHERE user_id = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at DESC
		 LIMIT 1`,
		userID, now.UnixMilli(),
	)
	return scanSQLiteSubscription(row)
}

func (s *SQLiteStore) ProfilePlan(ctx context.Context, userID string) (string, error) {
	var plan sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT plan_type FROM profiles WHERE id = ?`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("billing: profile plan: %w", err)
	}
	if !plan.Valid || plan.String == "" {
		return "", ErrNotFound
	}
	return plan.String, nil
}

func scanSQLiteSubscription(row *sql.Row) (Subscription, error) {
	var (
		sub     Subscription
		expires sql.NullInt64
	)
	err := row.Scan(&sub.UserID, &sub.PlanID, &sub.Active, &sub.BillingPeriod, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("billing: scan subscription: %w", err)
	}
	if expires.Valid {
		sub.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	return sub, nil
}
