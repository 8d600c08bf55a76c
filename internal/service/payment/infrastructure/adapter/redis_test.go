package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func funding(campaignID int64, current string) domain.FundingUpdate {
	return domain.FundingUpdate{
		CampaignID:    campaignID,
		CurrentAmount: decimal.RequireFromString(current),
		GoalAmount:    decimal.NewFromInt(1000),
		TransactionID: 1,
		NetAmount:     decimal.RequireFromString("100.00"),
		At:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisBroadcaster_PublishFunding(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	b, err := NewRedisBroadcaster(c, time.Hour)
	require.NoError(t, err)

	sub := c.GetClient().Subscribe(ctx, CampaignChannel(7))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.PublishFunding(ctx, funding(7, "250.00")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "campaign:7", msg.Channel)

	var got domain.FundingUpdate
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, domain.UpdateTypeFunding, got.Type)
	assert.Equal(t, "250.00", got.CurrentAmount.StringFixed(2))

	latest, err := b.Latest(ctx, 7)
	require.NoError(t, err)
	assert.JSONEq(t, msg.Payload, string(latest))
}

func TestRedisBroadcaster_StaleUpdateDoesNotRegress(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()
	b, err := NewRedisBroadcaster(c, time.Hour)
	require.NoError(t, err)

	require.NoError(t, b.PublishFunding(ctx, funding(3, "300.00")))
	require.NoError(t, b.PublishFunding(ctx, funding(3, "200.00")))

	raw, err := mr.Get(LatestSnapshotKey(3))
	require.NoError(t, err)
	var got domain.FundingUpdate
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "300.00", got.CurrentAmount.StringFixed(2))
	assert.True(t, mr.TTL(LatestSnapshotKey(3)) > 0)
}

func TestRedisBroadcaster_LatestMissing(t *testing.T) {
	_, c := newTestRedis(t)
	b, err := NewRedisBroadcaster(c, 0)
	require.NoError(t, err)

	latest, err := b.Latest(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRedisBroadcaster_PaymentStatus(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	b, err := NewRedisBroadcaster(c, 0)
	require.NoError(t, err)

	sub := c.GetClient().Subscribe(ctx, PaymentStatusChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.PublishPaymentStatus(ctx, domain.PaymentStatusNotice{
		CampaignID:      7,
		ProviderOrderID: "ORDER-1",
		Method:          domain.MethodPayPal,
		Message:         "A new payment session has been created.",
	}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got domain.PaymentStatusNotice
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, domain.UpdateTypePaymentStatus, got.Type)
	assert.Equal(t, "ORDER-1", got.ProviderOrderID)
}

func TestRedisDeduper(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()
	d := NewRedisDeduper(c)

	first, err := d.FirstSeen(ctx, domain.MethodStripe, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.FirstSeen(ctx, domain.MethodStripe, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := d.FirstSeen(ctx, domain.MethodPayPal, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, other, "ids are scoped per provider")

	require.NoError(t, d.Forget(ctx, domain.MethodStripe, "evt_1"))
	afterForget, err := d.FirstSeen(ctx, domain.MethodStripe, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, afterForget)

	mr.FastForward(2 * time.Minute)
	expired, err := d.FirstSeen(ctx, domain.MethodPayPal, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, expired)
}
