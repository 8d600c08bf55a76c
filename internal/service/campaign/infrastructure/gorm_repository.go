package infrastructure

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"crowdx/internal/service/campaign/domain"
)

// CampaignModel maps the engagement and trending columns of the shared
// campaigns table.
type CampaignModel struct {
	ID             int64           `gorm:"primaryKey"`
	GoalAmount     decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	CurrentAmount  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	IsActive       bool            `gorm:"not null;default:true;index"`
	LikeCount      int64           `gorm:"not null;default:0"`
	ViewCount      int64           `gorm:"not null;default:0"`
	CommentCount   int64           `gorm:"not null;default:0"`
	RecruiterSaves int64           `gorm:"not null;default:0"`
	BackerCount24h int64           `gorm:"column:backer_count_24h;not null;default:0"`
	DonationSum24h decimal.Decimal `gorm:"column:donation_sum_24h;type:decimal(12,2);not null;default:0"`
	TrendingScore  float64         `gorm:"not null;default:0"`
	LastActivityAt time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}

func toDomain(m *CampaignModel) *domain.Campaign {
	return &domain.Campaign{
		ID:            m.ID,
		IsActive:      m.IsActive,
		GoalAmount:    m.GoalAmount,
		CurrentAmount: m.CurrentAmount,
		Engagement: domain.Engagement{
			Likes:          m.LikeCount,
			Views:          m.ViewCount,
			Comments:       m.CommentCount,
			DonationSum24h: m.DonationSum24h,
			RecruiterSaves: m.RecruiterSaves,
			Backers24h:     m.BackerCount24h,
		},
		TrendingScore:  m.TrendingScore,
		LastActivityAt: m.LastActivityAt,
	}
}

// GormCampaignRepository is the scorer's storage over the campaigns table.
type GormCampaignRepository struct {
	db *gorm.DB
}

func NewGormCampaignRepository(db *gorm.DB) *GormCampaignRepository {
	return &GormCampaignRepository{db: db}
}

func (r *GormCampaignRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]*domain.Campaign, error) {
	var rows []CampaignModel
	err := r.db.WithContext(ctx).
		Select("id", "goal_amount", "current_amount", "is_active", "like_count", "view_count", "comment_count",
			"recruiter_saves", "backer_count_24h", "donation_sum_24h", "trending_score", "last_activity_at").
		Where("is_active = ? AND id > ?", true, afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Campaign, 0, len(rows))
	for i := range rows {
		out = append(out, toDomain(&rows[i]))
	}
	return out, nil
}

// UpdateTrendingScore writes only the score column.
func (r *GormCampaignRepository) UpdateTrendingScore(ctx context.Context, id int64, score float64) error {
	res := r.db.WithContext(ctx).Model(&CampaignModel{}).
		Where("id = ?", id).
		UpdateColumn("trending_score", score)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

// AutoMigrate adds any engagement or trending columns missing from campaigns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CampaignModel{})
}
