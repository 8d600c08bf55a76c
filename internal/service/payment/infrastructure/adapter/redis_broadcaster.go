package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/domain"
)

const (
	publishFundingScript = "publish_funding"

	// PaymentStatusChannel carries checkout notices for every campaign.
	PaymentStatusChannel = "payment_status"
)

// CampaignChannel is the pub/sub channel viewers of one campaign listen on.
func CampaignChannel(campaignID int64) string {
	return "campaign:" + strconv.FormatInt(campaignID, 10)
}

// LatestSnapshotKey holds the last funding update published for a campaign.
func LatestSnapshotKey(campaignID int64) string {
	return CampaignChannel(campaignID) + ":latest"
}

// RedisBroadcaster publishes funding updates over Redis pub/sub and keeps the
// latest snapshot per campaign for viewers that connect later.
type RedisBroadcaster struct {
	client      *redis.Client
	snapshotTTL time.Duration
}

func NewRedisBroadcaster(client *redis.Client, snapshotTTL time.Duration) (*RedisBroadcaster, error) {
	if err := client.LoadScriptFromContent(publishFundingScript, publishFundingLua); err != nil {
		return nil, errors.Wrap(err, "load funding publish script")
	}
	return &RedisBroadcaster{client: client, snapshotTTL: snapshotTTL}, nil
}

// PublishFunding stores and publishes update unless a snapshot with a higher
// current amount is already stored; broadcasts finishing out of order cannot
// move the displayed total backwards.
func (b *RedisBroadcaster) PublishFunding(ctx context.Context, update domain.FundingUpdate) error {
	if update.Type == "" {
		update.Type = domain.UpdateTypeFunding
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return errors.Wrap(err, "marshal funding update")
	}
	keys := []string{LatestSnapshotKey(update.CampaignID), CampaignChannel(update.CampaignID)}
	ttl := int64(b.snapshotTTL / time.Second)
	if _, err := b.client.RunScript(ctx, publishFundingScript, keys, string(payload), update.CurrentAmount.StringFixed(2), ttl); err != nil {
		return errors.Wrapf(err, "publish funding update for campaign %d", update.CampaignID)
	}
	return nil
}

func (b *RedisBroadcaster) PublishPaymentStatus(ctx context.Context, notice domain.PaymentStatusNotice) error {
	if notice.Type == "" {
		notice.Type = domain.UpdateTypePaymentStatus
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return errors.Wrap(err, "marshal payment status")
	}
	return errors.Wrap(b.client.GetClient().Publish(ctx, PaymentStatusChannel, payload).Err(), "publish payment status")
}

// Latest returns the stored snapshot for a campaign, or nil when none exists.
func (b *RedisBroadcaster) Latest(ctx context.Context, campaignID int64) ([]byte, error) {
	return LatestSnapshot(ctx, b.client, campaignID)
}

// LatestSnapshot reads the stored funding snapshot of a campaign.
func LatestSnapshot(ctx context.Context, client *redis.Client, campaignID int64) ([]byte, error) {
	raw, err := client.GetClient().Get(ctx, LatestSnapshotKey(campaignID)).Bytes()
	if redis.IsNil(err) {
		return nil, nil
	}
	return raw, err
}

// KEYS[1]: latest snapshot key, KEYS[2]: campaign channel
// ARGV[1]: JSON payload, ARGV[2]: current amount, ARGV[3]: snapshot ttl in seconds (0 keeps it)
// returns the receiver count, or 0 when a newer snapshot is already stored
var publishFundingLua = `
local prev = redis.call('get', KEYS[1])
if prev then
    local prevAmount = string.match(prev, '"current_amount":"([%d%.%-]+)"')
    if prevAmount and tonumber(prevAmount) > tonumber(ARGV[2]) then
        return 0
    end
end
if tonumber(ARGV[3]) > 0 then
    redis.call('set', KEYS[1], ARGV[1], 'EX', ARGV[3])
else
    redis.call('set', KEYS[1], ARGV[1])
end
return redis.call('publish', KEYS[2], ARGV[1])
`
