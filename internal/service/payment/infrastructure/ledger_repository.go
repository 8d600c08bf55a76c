package infrastructure

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"crowdx/internal/service/payment/domain"
)

const defaultListLimit = 100

// GormLedger is the GORM implementation of domain.TransactionRepository.
type GormLedger struct {
	db        *gorm.DB
	campaigns TxCampaignStore
}

func NewGormLedger(db *gorm.DB, campaigns TxCampaignStore) *GormLedger {
	return &GormLedger{db: db, campaigns: campaigns}
}

func (r *GormLedger) Create(ctx context.Context, tx *domain.Transaction) error {
	m := FromDomainTransaction(tx)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateOrder, tx.ProviderOrderID)
		}
		return err
	}
	tx.ID = m.ID
	return nil
}

func (r *GormLedger) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*domain.Transaction, error) {
	var m TransactionModel
	err := r.db.WithContext(ctx).Where("provider_order_id = ?", providerOrderID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUnknownOrder
		}
		return nil, err
	}
	return ToDomainTransaction(&m), nil
}

func (r *GormLedger) ListByCampaign(ctx context.Context, f domain.ListFilter) ([]*domain.Transaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	q := r.db.WithContext(ctx).Where("campaign_id = ?", f.CampaignID)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var models []TransactionModel
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Transaction, 0, len(models))
	for i := range models {
		out = append(out, ToDomainTransaction(&models[i]))
	}
	return out, nil
}

// Settle runs the conditional status change and the campaign credit in one
// database transaction. The WHERE status = 'pending' guard plus the
// RowsAffected check is what makes concurrent settlements credit at most once.
func (r *GormLedger) Settle(ctx context.Context, s domain.Settlement) (*domain.Transaction, *domain.Campaign, error) {
	var (
		settled  TransactionModel
		campaign *domain.Campaign
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     string(s.Status),
			"updated_at": s.At,
		}
		switch s.Status {
		case domain.StatusCompleted:
			updates["amount"] = s.Breakdown.Gross
			updates["fee"] = s.Breakdown.Fee
			updates["net_amount"] = s.Breakdown.Net
			updates["completed_at"] = s.At
		case domain.StatusFailed:
			updates["failure_reason"] = truncate(s.FailureReason, 255)
		default:
			return fmt.Errorf("cannot settle to status %q", s.Status)
		}

		res := tx.Model(&TransactionModel{}).
			Where("provider_order_id = ? AND status = ?", s.ProviderOrderID, string(domain.StatusPending)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConflictingState
		}

		if err := tx.Where("provider_order_id = ?", s.ProviderOrderID).First(&settled).Error; err != nil {
			return err
		}

		store := r.campaigns.WithTx(tx)
		if s.Credits() {
			if err := store.AtomicIncrementCurrentAmount(ctx, settled.CampaignID, s.Breakdown.Net); err != nil {
				return fmt.Errorf("credit campaign %d: %w", settled.CampaignID, err)
			}
			if err := store.TouchLastActivity(ctx, settled.CampaignID, s.At); err != nil {
				return fmt.Errorf("touch campaign %d: %w", settled.CampaignID, err)
			}
		}
		c, err := store.GetCampaign(ctx, settled.CampaignID)
		if err != nil && !errors.Is(err, domain.ErrCampaignNotFound) {
			return err
		}
		campaign = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ToDomainTransaction(&settled), campaign, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
