package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionModel is the persisted form of domain.Transaction.
type TransactionModel struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	CampaignID      int64           `gorm:"not null;index:idx_transactions_campaign_status,priority:1"`
	ProviderOrderID string          `gorm:"size:255;not null;uniqueIndex"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	Fee             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	NetAmount       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	Currency        string          `gorm:"size:3;not null;default:'USD'"`
	PaymentMethod   string          `gorm:"size:16;not null"`
	Status          string          `gorm:"size:16;not null;default:'pending';index:idx_transactions_campaign_status,priority:2"`
	FailureReason   string          `gorm:"size:255"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (TransactionModel) TableName() string {
	return "transactions"
}

// CampaignModel maps the columns of the shared campaigns table that payments touch.
type CampaignModel struct {
	ID             int64           `gorm:"primaryKey"`
	GoalAmount     decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	CurrentAmount  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	IsActive       bool            `gorm:"not null;default:true"`
	LastActivityAt time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}
