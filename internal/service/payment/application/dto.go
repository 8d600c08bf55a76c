package application

import (
	"github.com/shopspring/decimal"

	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
)

// Trigger records what started a reconciliation.
type Trigger string

const (
	TriggerCapture Trigger = "capture"
	TriggerWebhook Trigger = "webhook"
	TriggerCancel  Trigger = "cancel"
)

type ReconcileInput struct {
	ProviderOrderID string
	Trigger         Trigger
	// Method, when set, must match the method the order was created with.
	Method domain.PaymentMethod
}

// AbandonInput fails a pending transaction without asking the provider.
type AbandonInput struct {
	ProviderOrderID string
	Trigger         Trigger
	Reason          string
	// Method, when set, must match the method the order was created with.
	Method domain.PaymentMethod
}

type ReconcileResult struct {
	Transaction *domain.Transaction
	Campaign    *domain.Campaign
	// Credited is true only for the one call that moved money into the campaign.
	Credited bool
	// Duplicate means the transaction was already terminal, or another worker
	// settled it first. Nothing was written.
	Duplicate bool
}

type CreateOrderCommand struct {
	CampaignID int64
	NetAmount  decimal.Decimal
	Method     domain.PaymentMethod
	Currency   string
	ReturnURL  string
	CancelURL  string
}

type CreateOrderResult struct {
	TransactionID   int64
	ProviderOrderID string
	Method          domain.PaymentMethod
	Quote           domain.Quote
	Links           []port.Link
}

// RedirectHint tells the frontend which page to show after returning from
// the provider.
type RedirectHint string

const (
	RedirectSuccess RedirectHint = "success"
	RedirectCancel  RedirectHint = "cancel"
)

type CaptureResult struct {
	Status        domain.Status
	RedirectHint  RedirectHint
	CurrentAmount *decimal.Decimal
	Credited      bool
}

// WebhookAck is what IngestWebhook reports back to the HTTP layer. All of
// them are answered with 200.
type WebhookAck string

const (
	AckAccepted  WebhookAck = "accepted"
	AckDuplicate WebhookAck = "duplicate"
	AckIgnored   WebhookAck = "ignored"
)

func toCaptureResult(r *ReconcileResult) *CaptureResult {
	out := &CaptureResult{
		Status:       r.Transaction.Status,
		RedirectHint: RedirectCancel,
		Credited:     r.Credited,
	}
	if r.Transaction.Status == domain.StatusCompleted {
		out.RedirectHint = RedirectSuccess
	}
	if r.Campaign != nil {
		amount := r.Campaign.CurrentAmount
		out.CurrentAmount = &amount
	}
	return out
}
