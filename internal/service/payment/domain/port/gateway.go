package port

import (
	"context"

	"github.com/shopspring/decimal"

	"crowdx/internal/service/payment/domain"
)

// CaptureOutcome is the provider status mapped onto the ledger.
type CaptureOutcome string

const (
	CaptureCompleted CaptureOutcome = "completed"
	CaptureFailed    CaptureOutcome = "failed"
	// CapturePending means the payer has not finished; nothing is written.
	CapturePending CaptureOutcome = "pending"
)

type CreateOrderRequest struct {
	CampaignID int64
	Gross      decimal.Decimal
	Currency   string
	ReturnURL  string
	CancelURL  string
	Metadata   map[string]string
}

type Link struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
}

type ProviderOrderHandle struct {
	ProviderOrderID string
	Status          string
	Links           []Link
}

type CaptureResult struct {
	ProviderStatus string
	Outcome        CaptureOutcome
	Breakdown      domain.Breakdown
	Reason         string
}

// OrderGateway talks to one payment provider. Implementations return errors
// wrapping domain.ErrProviderUnavailable for transient failures and
// domain.ErrProviderRejected for permanent ones.
type OrderGateway interface {
	Method() domain.PaymentMethod
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*ProviderOrderHandle, error)
	// CaptureOrder finalizes (or inspects) the order and returns the
	// provider's authoritative breakdown. Safe to call repeatedly.
	CaptureOrder(ctx context.Context, providerOrderID string) (*CaptureResult, error)
	// CancelOrder closes an unpaid order. It returns
	// domain.ErrOrderAlreadyPaid when the provider reports the order paid.
	CancelOrder(ctx context.Context, providerOrderID string) error
}
