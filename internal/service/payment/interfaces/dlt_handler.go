package interfaces

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/metrics"
	"crowdx/internal/pkg/mq"
	"crowdx/internal/service/payment/domain"
)

// ReleaseFunc reopens a dead-lettered event for redelivery by its provider.
type ReleaseFunc func(ctx context.Context, event *domain.ProviderEvent, cause error)

// DLTConsumer logs webhook events that exhausted their retries so an
// operator can replay them. Events that went through the retry topic first
// are also released so the provider's own redelivery gets processed.
type DLTConsumer struct {
	reader  MessageReader
	metrics *metrics.Metrics
	release ReleaseFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewDLTConsumer(reader MessageReader, m *metrics.Metrics, release ReleaseFunc) *DLTConsumer {
	return &DLTConsumer{reader: reader, metrics: m, release: release}
}

func (a *DLTConsumer) Start(ctx context.Context) error {
	topic := a.reader.Config().Topic
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ DLT consumer started")
		for !a.stopped.Load() {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 DLT consumer shutting down")
					return
				}
				continue
			}

			logDeadLetter(ctx, msg)
			if a.metrics != nil {
				a.metrics.DeadLetters.Inc()
			}
			a.releaseRetried(ctx, msg)

			// dead letters are done once they are logged
			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit dead letter")
			}
		}
	}()
	return nil
}

func (a *DLTConsumer) Stop(ctx context.Context) {
	a.stopped.Store(true)
	_ = a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT consumer stopped")
}

// releaseRetried hands back events whose failure was transient. Permanent
// failures reach the DLT without a retry count and stay deduplicated.
func (a *DLTConsumer) releaseRetried(ctx context.Context, msg kafka.Message) {
	if a.release == nil {
		return
	}
	if retries, _ := strconv.Atoi(mq.HeaderValue(msg.Headers, mq.HeaderRetryCount)); retries == 0 {
		return
	}
	var event domain.ProviderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("dead letter is not a webhook event, not released")
		return
	}
	a.release(ctx, &event, errors.New(mq.HeaderValue(msg.Headers, mq.HeaderExceptionMessage)))
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", mq.HeaderValue(msg.Headers, mq.HeaderOriginalTopic)).
		Str("original_partition", mq.HeaderValue(msg.Headers, mq.HeaderOriginalPartition)).
		Str("original_offset", mq.HeaderValue(msg.Headers, mq.HeaderOriginalOffset)).
		Str("exception_fqcn", mq.HeaderValue(msg.Headers, mq.HeaderExceptionFqcn)).
		Str("exception_message", mq.HeaderValue(msg.Headers, mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: dead letter webhook event")
}
