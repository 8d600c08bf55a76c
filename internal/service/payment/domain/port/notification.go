package port

import (
	"context"
	"time"

	"crowdx/internal/service/payment/domain"
)

// UpdateBroadcaster pushes funding changes to live viewers. Delivery is best
// effort; callers never let a broadcast failure affect a committed payment.
type UpdateBroadcaster interface {
	PublishFunding(ctx context.Context, update domain.FundingUpdate) error
	PublishPaymentStatus(ctx context.Context, notice domain.PaymentStatusNotice) error
}

// EventQueue decouples webhook acknowledgement from processing.
type EventQueue interface {
	Enqueue(ctx context.Context, event *domain.ProviderEvent) error
}

// EventDeduplicator remembers provider event ids already accepted.
type EventDeduplicator interface {
	// FirstSeen returns true exactly once per (method, event id) within ttl.
	FirstSeen(ctx context.Context, method domain.PaymentMethod, eventID string, ttl time.Duration) (bool, error)
	// Forget drops the marker so a redelivery is accepted again, used when
	// the event could not be enqueued.
	Forget(ctx context.Context, method domain.PaymentMethod, eventID string) error
}
