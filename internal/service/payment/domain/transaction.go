package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a Transaction. pending is the only
// non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is one attempted payment toward a campaign, keyed by the
// provider's order id.
type Transaction struct {
	ID              int64
	CampaignID      int64
	ProviderOrderID string
	Amount          decimal.Decimal // gross charged to the payer
	Fee             decimal.Decimal
	NetAmount       decimal.Decimal
	Currency        string
	PaymentMethod   PaymentMethod
	Status          Status
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// NewPendingTransaction records the checkout estimate. Amounts are replaced by
// the provider's breakdown when the payment settles.
func NewPendingTransaction(campaignID int64, providerOrderID string, method PaymentMethod, q Quote, currency string, now time.Time) (*Transaction, error) {
	if campaignID <= 0 || providerOrderID == "" {
		return nil, errors.New("cannot create transaction without campaign and provider order id")
	}
	return &Transaction{
		CampaignID:      campaignID,
		ProviderOrderID: providerOrderID,
		Amount:          q.Gross,
		Fee:             q.Fee,
		NetAmount:       q.Net,
		Currency:        currency,
		PaymentMethod:   method,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Breakdown is the provider's authoritative split of a captured payment.
type Breakdown struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Complete freezes the amounts. Only pending transactions can complete.
func (t *Transaction) Complete(b Breakdown, at time.Time) error {
	if t.Status != StatusPending {
		return ErrConflictingState
	}
	t.Amount, t.Fee, t.NetAmount = b.Gross, b.Fee, b.Net
	t.Status = StatusCompleted
	t.CompletedAt = &at
	t.UpdatedAt = at
	return nil
}

func (t *Transaction) Fail(reason string, at time.Time) error {
	if t.Status != StatusPending {
		return ErrConflictingState
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	t.UpdatedAt = at
	return nil
}

// Settlement is the single unit of work applied when a pending transaction
// reaches a terminal state.
type Settlement struct {
	ProviderOrderID string
	Status          Status
	Breakdown       Breakdown
	FailureReason   string
	At              time.Time
}

// Credits reports whether applying the settlement adds money to the campaign.
func (s Settlement) Credits() bool {
	return s.Status == StatusCompleted
}
