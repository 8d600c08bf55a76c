package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdx/internal/pkg/testdb"
	"crowdx/internal/service/campaign/domain"
)

func TestListActivePagesInIDOrder(t *testing.T) {
	db := testdb.Open(t, &CampaignModel{})
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, db.Create(&CampaignModel{
			ID:             id,
			LikeCount:      id,
			DonationSum24h: decimal.NewFromInt(10 * id),
			IsActive:       true,
			LastActivityAt: time.Now().UTC(),
		}).Error)
	}
	// the column defaults to true, so deactivate after insert
	require.NoError(t, db.Model(&CampaignModel{}).Where("id = ?", 3).Update("is_active", false).Error)

	repo := NewGormCampaignRepository(db)
	ctx := context.Background()

	first, err := repo.ListActive(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []int64{1, 2}, []int64{first[0].ID, first[1].ID})
	assert.Equal(t, int64(2), first[1].Engagement.Likes)
	assert.Equal(t, "20.00", first[1].Engagement.DonationSum24h.StringFixed(2))

	rest, err := repo.ListActive(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[0].ID, "inactive campaign 3 is skipped")
}

func TestUpdateTrendingScore(t *testing.T) {
	db := testdb.Open(t, &CampaignModel{})
	require.NoError(t, db.Create(&CampaignModel{ID: 1, IsActive: true, LastActivityAt: time.Now().UTC()}).Error)
	repo := NewGormCampaignRepository(db)

	require.NoError(t, repo.UpdateTrendingScore(context.Background(), 1, 42.5))
	var m CampaignModel
	require.NoError(t, db.First(&m, 1).Error)
	assert.Equal(t, 42.5, m.TrendingScore)

	assert.ErrorIs(t, repo.UpdateTrendingScore(context.Background(), 99, 1), domain.ErrCampaignNotFound)
}
