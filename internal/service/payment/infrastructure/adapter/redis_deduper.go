package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/domain"
)

// RedisDeduper marks provider event ids with SET NX so a provider's
// redelivery of an already queued event is acknowledged without a second
// enqueue. The ledger stays the real idempotency guard; this only saves work.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func dedupeKey(method domain.PaymentMethod, eventID string) string {
	return fmt.Sprintf("webhook:seen:{%s}:%s", method, eventID)
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, method domain.PaymentMethod, eventID string, ttl time.Duration) (bool, error) {
	ok, err := d.client.GetClient().SetNX(ctx, dedupeKey(method, eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "mark webhook event")
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, method domain.PaymentMethod, eventID string) error {
	return errors.Wrap(d.client.GetClient().Del(ctx, dedupeKey(method, eventID)).Err(), "forget webhook event")
}
