package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// EventSearchCompleted is the channel completed searches are published on.
// Spreadsheet export and summary generation subscribe to it.
const EventSearchCompleted = "EVENT_SEARCH_COMPLETED"

// Delivery is what downstream generators receive: the revealed bids and the
// plan, unmodified.
type Delivery struct {
	RequestID    string             `json:"requestId"`
	UserID       string             `json:"userId"`
	Plan         billing.PlanRecord `json:"plan"`
	Bids         []model.Bid        `json:"bids"`
	TotalMatches int                `json:"totalMatches"`
	CompletedAt  time.Time          `json:"completedAt"`
}

// Handoff passes completed searches on. Failures are logged, never returned
// to the search caller.
type Handoff interface {
	Deliver(ctx context.Context, d Delivery) error
}

// RedisPublisher publishes deliveries as JSON on a Redis channel.
type RedisPublisher struct {
	rdb redis.Cmdable
}

func NewRedisPublisher(rdb redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Deliver(ctx context.Context, d Delivery) error {
	event, err := json.Marshal(struct {
		Type string `json:"type"`
		Delivery
	}{Type: EventSearchCompleted, Delivery: d})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", EventSearchCompleted, err)
	}
	if err := p.rdb.Publish(ctx, EventSearchCompleted, event).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", EventSearchCompleted, err)
	}
	return nil
}

type noHandoff struct{}

func (noHandoff) Deliver(context.Context, Delivery) error { return nil }
