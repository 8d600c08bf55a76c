package domain

import (
	"encoding/json"
	"time"
)

// EventKind is the provider-neutral meaning of a webhook. An order_approved
// event means the payer approved and the server still has to capture.
type EventKind string

const (
	EventCaptureCompleted EventKind = "capture_completed"
	EventOrderApproved    EventKind = "order_approved"
	EventPaymentFailed    EventKind = "payment_failed"
	EventIgnored          EventKind = "ignored"
)

// ProviderEvent is a verified webhook notification. It is also the message
// body carried by the webhook queue.
type ProviderEvent struct {
	ID              string          `json:"id"`
	Method          PaymentMethod   `json:"method"`
	Type            string          `json:"type"`
	Kind            EventKind       `json:"kind"`
	ProviderOrderID string          `json:"provider_order_id"`
	Reason          string          `json:"reason,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReceivedAt      time.Time       `json:"received_at"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Actionable reports whether the event can change a transaction.
func (e *ProviderEvent) Actionable() bool {
	return e.Kind != EventIgnored && e.ProviderOrderID != ""
}
