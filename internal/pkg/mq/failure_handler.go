package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"crowdx/internal/pkg/logger"
)

// Headers stamped on messages that leave the main topic.
const (
	HeaderRetryCount        = "x-retry-count"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// FailureHandler routes a message whose processing failed either back to the
// retry topic or, once retries are exhausted or the error is permanent, to the
// dead-letter topic.
type FailureHandler struct {
	retryWriter MessageWriter
	dltWriter   MessageWriter
	maxRetries  int
	retryable   func(error) bool
}

func NewFailureHandler(retryWriter, dltWriter MessageWriter, maxRetries int, retryable func(error) bool) *FailureHandler {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &FailureHandler{
		retryWriter: retryWriter,
		dltWriter:   dltWriter,
		maxRetries:  maxRetries,
		retryable:   retryable,
	}
}

// Handle never returns an error: if even the DLT write fails the message is
// logged with its full payload so it can be replayed by hand.
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	attempts, _ := strconv.Atoi(HeaderValue(msg.Headers, HeaderRetryCount))

	if h.retryable(cause) && attempts < h.maxRetries && h.retryWriter != nil {
		next := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: copyHeaders(msg.Headers)}
		carrier := KafkaHeaderCarrier(next.Headers)
		carrier.Set(HeaderRetryCount, strconv.Itoa(attempts+1))
		next.Headers = carrier
		InjectTraceContext(ctx, &next.Headers)
		err := h.retryWriter.WriteMessages(ctx, next)
		if err == nil {
			logger.Ctx(ctx).Warn().Err(cause).Int("attempt", attempts+1).Str("key", string(msg.Key)).Msg("message scheduled for retry")
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("failed to publish retry, falling back to DLT")
	}

	dead := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: copyHeaders(msg.Headers)}
	carrier := KafkaHeaderCarrier(dead.Headers)
	carrier.Set(HeaderOriginalTopic, msg.Topic)
	carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
	carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	carrier.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", cause))
	carrier.Set(HeaderExceptionMessage, cause.Error())
	dead.Headers = carrier

	if h.dltWriter == nil {
		logger.Ctx(ctx).Error().Err(cause).Str("value", string(msg.Value)).Msg("no DLT configured, dropping message")
		return
	}
	if err := h.dltWriter.WriteMessages(ctx, dead); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("value", string(msg.Value)).Msg("🚨 failed to write message to DLT")
		return
	}
	logger.Ctx(ctx).Error().Err(cause).Str("key", string(msg.Key)).Msg("message sent to DLT")
}

func copyHeaders(in []kafka.Header) []kafka.Header {
	out := make([]kafka.Header, len(in))
	copy(out, in)
	return out
}
