package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign is the slice of the campaign entity the payment flow reads.
type Campaign struct {
	ID             int64
	GoalAmount     decimal.Decimal
	CurrentAmount  decimal.Decimal
	IsActive       bool
	LastActivityAt time.Time
}

// FundingUpdate is pushed to viewers of a campaign page after a credit.
type FundingUpdate struct {
	Type          string          `json:"type"`
	CampaignID    int64           `json:"campaign_id"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	GoalAmount    decimal.Decimal `json:"goal_amount"`
	TransactionID int64           `json:"transaction_id"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	At            time.Time       `json:"at"`
}

// PaymentStatusNotice is pushed on the shared payment_status channel when a
// checkout starts.
type PaymentStatusNotice struct {
	Type            string        `json:"type"`
	CampaignID      int64         `json:"campaign_id"`
	ProviderOrderID string        `json:"provider_order_id"`
	Method          PaymentMethod `json:"method"`
	Message         string        `json:"message"`
	At              time.Time     `json:"at"`
}

const (
	UpdateTypeFunding       = "funding_update"
	UpdateTypePaymentStatus = "payment_status"
)
