package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/mq"
	"crowdx/internal/service/payment/domain"
)

// MessageReader is the part of *kafka.Reader the consumers use.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// EventProcessor handles one verified provider event.
type EventProcessor interface {
	HandleEvent(ctx context.Context, event *domain.ProviderEvent) error
}

// WebhookConsumer drains the webhook topic (and its retry topic) into the
// payment service. Failed messages are handed to the FailureHandler and the
// offset is committed either way.
type WebhookConsumer struct {
	reader         MessageReader
	processor      EventProcessor
	failureHandler *mq.FailureHandler
	wg             sync.WaitGroup
	stopped        atomic.Bool

	// delay holds back retry-topic messages until they are this old.
	delay time.Duration
}

func NewWebhookConsumer(reader MessageReader, processor EventProcessor, failureHandler *mq.FailureHandler) *WebhookConsumer {
	return &WebhookConsumer{
		reader:         reader,
		processor:      processor,
		failureHandler: failureHandler,
	}
}

func (c *WebhookConsumer) SetDelay(d time.Duration) {
	c.delay = d
}

func (c *WebhookConsumer) Start(ctx context.Context) error {
	topic := c.reader.Config().Topic
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ webhook consumer started")
		for !c.stopped.Load() {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || c.stopped.Load() {
					logger.Ctx(ctx).Info().Str("topic", topic).Msg("🛑 webhook consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("could not fetch message, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			if c.delay > 0 {
				if wait := time.Until(msg.Time.Add(c.delay)); wait > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(wait):
					}
				}
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			if err := c.process(msgCtx, msg); err != nil {
				if c.failureHandler != nil {
					c.failureHandler.Handle(msgCtx, msg, err)
				} else {
					logger.Ctx(msgCtx).Error().Err(err).Str("key", string(msg.Key)).Msg("webhook event dropped")
				}
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit message")
			}
		}
	}()
	return nil
}

func (c *WebhookConsumer) Stop(ctx context.Context) {
	c.stopped.Store(true)
	_ = c.reader.Close()
	c.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", c.reader.Config().Topic).Msg("✅ webhook consumer stopped")
}

func (c *WebhookConsumer) process(ctx context.Context, msg kafka.Message) error {
	var event domain.ProviderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if event.ProviderOrderID == "" {
		return fmt.Errorf("%w: event %q has no provider order id", domain.ErrMalformedPayload, event.ID)
	}
	return c.processor.HandleEvent(ctx, &event)
}
