package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrCampaignNotFound = errors.New("campaign not found")

// Engagement is the activity a campaign accumulated over the trending window.
type Engagement struct {
	Likes          int64
	Views          int64
	Comments       int64
	DonationSum24h decimal.Decimal
	RecruiterSaves int64
	Backers24h     int64
}

// Campaign is the scorer's view of a campaign row.
type Campaign struct {
	ID             int64
	IsActive       bool
	GoalAmount     decimal.Decimal
	CurrentAmount  decimal.Decimal
	Engagement     Engagement
	TrendingScore  float64
	LastActivityAt time.Time
}

// Repository reads candidate campaigns in id order and stores recomputed
// scores.
type Repository interface {
	// ListActive returns up to limit active campaigns with id > afterID.
	ListActive(ctx context.Context, afterID int64, limit int) ([]*Campaign, error)
	UpdateTrendingScore(ctx context.Context, id int64, score float64) error
}

// EligibilityRule decides whether an active campaign takes part in trending.
type EligibilityRule interface {
	Eligible(c *Campaign, now time.Time) (bool, error)
}
