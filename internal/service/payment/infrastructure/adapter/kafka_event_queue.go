package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"crowdx/internal/pkg/mq"
	"crowdx/internal/service/payment/domain"
)

// KafkaEventQueue publishes verified webhook events to the webhook topic.
// Messages are keyed by provider order id so every event of one order lands
// on the same partition and is processed in arrival order.
type KafkaEventQueue struct {
	writer mq.MessageWriter
}

func NewKafkaEventQueue(writer mq.MessageWriter) *KafkaEventQueue {
	return &KafkaEventQueue{writer: writer}
}

func (q *KafkaEventQueue) Enqueue(ctx context.Context, event *domain.ProviderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal webhook event")
	}
	key := event.ProviderOrderID
	if key == "" {
		key = event.ID
	}
	if err := mq.ProduceMessage(ctx, q.writer, []byte(key), body); err != nil {
		return errors.Wrap(err, "produce webhook event")
	}
	return nil
}
