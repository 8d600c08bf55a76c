package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRepository is the ledger.
type TransactionRepository interface {
	// Create fails with ErrDuplicateOrder if the provider order id is taken.
	Create(ctx context.Context, tx *Transaction) error
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*Transaction, error)
	ListByCampaign(ctx context.Context, filter ListFilter) ([]*Transaction, error)
	// Settle applies s to a pending transaction and, for a completion, credits
	// the owning campaign in the same database transaction. It returns
	// ErrConflictingState when the transaction is no longer pending.
	Settle(ctx context.Context, s Settlement) (*Transaction, *Campaign, error)
}

type ListFilter struct {
	CampaignID int64
	Status     Status
	Limit      int
}

// CampaignStore is the narrow contract the payment flow needs from the
// campaign owner.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id int64) (*Campaign, error)
	AtomicIncrementCurrentAmount(ctx context.Context, id int64, delta decimal.Decimal) error
	TouchLastActivity(ctx context.Context, id int64, at time.Time) error
}
