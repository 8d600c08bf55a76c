package pushgateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/infrastructure/adapter"
)

const campaignChannelPattern = "campaign:*"

// Subscriber relays Redis pub/sub traffic into the hub: funding updates from
// the per-campaign channels and checkout notices from the shared
// payment_status channel.
type Subscriber struct {
	client *redis.Client
	hub    *Hub
}

func NewSubscriber(client *redis.Client, hub *Hub) *Subscriber {
	return &Subscriber{client: client, hub: hub}
}

// Run blocks until ctx is done. ready, if not nil, is closed once both
// subscriptions are confirmed by the server.
func (s *Subscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := s.client.GetClient().PSubscribe(ctx, campaignChannelPattern)
	defer pubsub.Close()
	if err := pubsub.Subscribe(ctx, adapter.PaymentStatusChannel); err != nil {
		return errors.Wrap(err, "subscribe payment status")
	}
	// one confirmation per subscription
	for i := 0; i < 2; i++ {
		if _, err := pubsub.Receive(ctx); err != nil {
			return errors.Wrap(err, "await subscription")
		}
	}
	if ready != nil {
		close(ready)
	}
	logger.Ctx(ctx).Info().Str("pattern", campaignChannelPattern).Str("channel", adapter.PaymentStatusChannel).Msg("✅ push subscriber listening")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := campaignOf(msg.Channel, msg.Payload)
			if err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("channel", msg.Channel).Msg("push: message without campaign dropped")
				continue
			}
			s.hub.Broadcast(ctx, id, []byte(msg.Payload))
		}
	}
}

// campaignOf works out which room a message belongs to.
func campaignOf(channel, payload string) (int64, error) {
	if channel == adapter.PaymentStatusChannel {
		var notice struct {
			CampaignID int64 `json:"campaign_id"`
		}
		if err := json.Unmarshal([]byte(payload), &notice); err != nil {
			return 0, errors.Wrap(err, "decode payment status")
		}
		if notice.CampaignID <= 0 {
			return 0, errors.New("payment status without campaign_id")
		}
		return notice.CampaignID, nil
	}
	raw := strings.TrimPrefix(channel, "campaign:")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("channel %q does not name a campaign", channel)
	}
	return id, nil
}
