package notify

import (
	"context"
	"time"

	"github.com/panelsync/panelsync/internal/model"
)

type Kind string

const (
	KindConnectionLimitReached Kind = "connection_limit_reached"
	KindSubscriptionExpired    Kind = "subscription_expired"
	KindExpiringSoon           Kind = "expiring_soon"
	KindEntityCreated          Kind = "entity_created"
	KindEntityWentOnline       Kind = "entity_went_online"
	KindEntityWentOffline      Kind = "entity_went_offline"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Table     model.Table    `json:"table,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink receives emitted notifications. Implementations must be safe for
// concurrent use.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
