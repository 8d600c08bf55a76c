package infrastructure

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"crowdx/internal/service/payment/domain"
)

// TxCampaignStore is a campaign store that can join an open database transaction.
type TxCampaignStore interface {
	domain.CampaignStore
	WithTx(tx *gorm.DB) domain.CampaignStore
}

// GormCampaignStore implements the campaign contract over the shared campaigns table.
type GormCampaignStore struct {
	db *gorm.DB
}

func NewGormCampaignStore(db *gorm.DB) *GormCampaignStore {
	return &GormCampaignStore{db: db}
}

func (s *GormCampaignStore) WithTx(tx *gorm.DB) domain.CampaignStore {
	return &GormCampaignStore{db: tx}
}

func (s *GormCampaignStore) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	var m CampaignModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCampaignNotFound
		}
		return nil, err
	}
	return ToDomainCampaign(&m), nil
}

// AtomicIncrementCurrentAmount adds delta in SQL so concurrent credits never
// overwrite each other.
func (s *GormCampaignStore) AtomicIncrementCurrentAmount(ctx context.Context, id int64, delta decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&CampaignModel{}).
		Where("id = ?", id).
		UpdateColumn("current_amount", gorm.Expr("current_amount + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

func (s *GormCampaignStore) TouchLastActivity(ctx context.Context, id int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&CampaignModel{}).
		Where("id = ?", id).
		UpdateColumn("last_activity_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}
