package infrastructure

import "crowdx/internal/service/payment/domain"

func ToDomainTransaction(m *TransactionModel) *domain.Transaction {
	if m == nil {
		return nil
	}
	return &domain.Transaction{
		ID:              m.ID,
		CampaignID:      m.CampaignID,
		ProviderOrderID: m.ProviderOrderID,
		Amount:          m.Amount,
		Fee:             m.Fee,
		NetAmount:       m.NetAmount,
		Currency:        m.Currency,
		PaymentMethod:   domain.PaymentMethod(m.PaymentMethod),
		Status:          domain.Status(m.Status),
		FailureReason:   m.FailureReason,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		CompletedAt:     m.CompletedAt,
	}
}

func FromDomainTransaction(t *domain.Transaction) *TransactionModel {
	return &TransactionModel{
		ID:              t.ID,
		CampaignID:      t.CampaignID,
		ProviderOrderID: t.ProviderOrderID,
		Amount:          t.Amount,
		Fee:             t.Fee,
		NetAmount:       t.NetAmount,
		Currency:        t.Currency,
		PaymentMethod:   string(t.PaymentMethod),
		Status:          string(t.Status),
		FailureReason:   t.FailureReason,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func ToDomainCampaign(m *CampaignModel) *domain.Campaign {
	if m == nil {
		return nil
	}
	return &domain.Campaign{
		ID:             m.ID,
		GoalAmount:     m.GoalAmount,
		CurrentAmount:  m.CurrentAmount,
		IsActive:       m.IsActive,
		LastActivityAt: m.LastActivityAt,
	}
}
