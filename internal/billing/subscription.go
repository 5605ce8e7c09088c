package billing

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when the requested record does not
// exist. It is a normal outcome, not a backend failure.
var ErrNotFound = errors.New("billing record not found")

// Subscription is a user's paid plan as recorded by the billing system.
// A zero ExpiresAt means the subscription does not expire.
type Subscription struct {
	UserID        string    `json:"userId"`
	PlanID        string    `json:"planId"`
	Active        bool      `json:"active"`
	BillingPeriod string    `json:"billingPeriod"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ActiveAt reports whether the subscription is active and unexpired at now.
func (s Subscription) ActiveAt(now time.Time) bool {
	return s.Active && (s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt))
}

// WithinGrace reports whether the subscription expired no more than grace
// before now. The grace window only affects plan resolution, never billing.
func (s Subscription) WithinGrace(now time.Time, grace time.Duration) bool {
	if s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt) {
		return false
	}
	return now.Sub(s.ExpiresAt) <= grace
}

// Source names the resolution layer a PlanRecord came from.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceGrace        Source = "grace"
	SourceProfile      Source = "profile"
	SourceDefault      Source = "default"
)

// PlanRecord is the plan a request runs under. It is resolved fresh for
// every request.
type PlanRecord struct {
	PlanID        string   `json:"planId"`
	BillingPeriod string   `json:"billingPeriod"`
	Features      []string `json:"features"`
	Source        Source   `json:"source"`
}

// Plan returns the catalog entry for the record, falling back to the
// lowest tier for identifiers the catalog doesn't know.
func (r PlanRecord) Plan() Plan {
	if p := PlanByID(r.PlanID); p != nil {
		return *p
	}
	return PlanFreeTrial
}

// NewPlanRecord builds a PlanRecord from the catalog. billingPeriod
// overrides the plan's default when non-empty.
func NewPlanRecord(planID, billingPeriod string, source Source) PlanRecord {
	rec := PlanRecord{PlanID: planID, BillingPeriod: billingPeriod, Source: source}
	if p := PlanByID(planID); p != nil {
		if rec.BillingPeriod == "" {
			rec.BillingPeriod = p.BillingPeriod
		}
		rec.Features = append([]string(nil), p.Features...)
	}
	if rec.Features == nil {
		rec.Features = []string{}
	}
	return rec
}

// Store is read-only access to plan data. Every method is idempotent and
// safe to retry. Missing data is reported as ErrNotFound.
type Store interface {
	// ActiveSubscription returns the user's active, unexpired subscription.
	ActiveSubscription(ctx context.Context, userID string, now time.Time) (Subscription, error)
	// LatestExpiredSubscription returns the most recently expired
	// subscription, whatever its active flag says.
	LatestExpiredSubscription(ctx context.Context, userID string, now time.Time) (Subscription, error)
	// ProfilePlan returns the last plan recorded on the user's profile.
	ProfilePlan(ctx context.Context, userID string) (string, error)
}
