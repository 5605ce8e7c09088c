package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool the Postgres store needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads the billing system's Postgres tables.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore wraps a pgx pool (or any Querier).
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	activeSubscriptionSQL = `
SELECT user_id, plan_id, is_active, COALESCE(billing_period, ''), expires_at
FROM user_subscriptions
WHERE user_id = $1 AND is_active = true AND (expires_at IS NULL OR expires_at > $2)
ORDER BY expires_at DESC NULLS FIRST
LIMIT 1`

	latestExpiredSubscriptionSQL = `
SELECT user_id, plan_id, is_active, COALESCE(billing_period, ''), expires_at
FROM user_subscriptions
WHERE user_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2
ORDER BY expires_at DESC
LIMIT 1`

	profilePlanSQL = `SELECT plan_type FROM profiles WHERE id = $1`
)

func (s *PostgresStore) ActiveSubscription(ctx context.Context, userID string, now time.Time) (Subscription, error) {
	return scanPGSubscription(s.db.QueryRow(ctx, activeSubscriptionSQL, userID, now))
}

func (s *PostgresStore) LatestExpiredSubscription(ctx context.Context, userID string, now time.Time) (Subscription, error) {
	return scanPGSubscription(s.db.QueryRow(ctx, latestExpiredSubscriptionSQL, userID, now))
}

func (s *PostgresStore) ProfilePlan(ctx context.Context, userID string) (string, error) {
	var plan *string
	err := s.db.QueryRow(ctx, profilePlanSQL, userID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query profile plan: %w", err)
	}
	if plan == nil || *plan == "" {
		return "", ErrNotFound
	}
	return *plan, nil
}

func scanPGSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub     Subscription
		expires *time.Time
	)
	err := row.Scan(&sub.UserID, &sub.PlanID, &sub.Active, &sub.BillingPeriod, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("query subscription: %w", err)
	}
	if expires != nil {
		sub.ExpiresAt = expires.UTC()
	}
	return sub, nil
}
