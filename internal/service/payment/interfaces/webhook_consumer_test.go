package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdx/internal/pkg/metrics"
	"crowdx/internal/pkg/mq"
	"crowdx/internal/service/payment/domain"
)

type chanReader struct {
	topic     string
	msgs      chan kafka.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed []kafka.Message
}

func newChanReader(topic string, msgs ...kafka.Message) *chanReader {
	r := &chanReader{topic: topic, msgs: make(chan kafka.Message, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-r.closed:
		return kafka.Message{}, errors.New("reader closed")
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *chanReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: r.topic} }

func (r *chanReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *chanReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type scriptedProcessor struct {
	mu   sync.Mutex
	seen []string
	errs map[string]error
}

func (p *scriptedProcessor) HandleEvent(_ context.Context, e *domain.ProviderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, e.ProviderOrderID)
	return p.errs[e.ProviderOrderID]
}

func (p *scriptedProcessor) handled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func eventMessage(t *testing.T, orderID string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(domain.ProviderEvent{
		ID:              "evt-" + orderID,
		Method:          domain.MethodPayPal,
		Kind:            domain.EventCaptureCompleted,
		ProviderOrderID: orderID,
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "payment-webhooks", Key: []byte(orderID), Value: b}
}

func TestWebhookConsumerRoutesFailures(t *testing.T) {
	reader := newChanReader("payment-webhooks",
		eventMessage(t, "OK-1"),
		eventMessage(t, "FLAKY"),
		eventMessage(t, "BAD"),
		kafka.Message{Topic: "payment-webhooks", Key: []byte("junk"), Value: []byte("{not json")},
	)
	proc := &scriptedProcessor{errs: map[string]error{
		"FLAKY": fmt.Errorf("%w: timeout", domain.ErrProviderUnavailable),
		"BAD":   fmt.Errorf("%w: currency mismatch", domain.ErrProviderRejected),
	}}
	retry, dlt := &memWriter{}, &memWriter{}
	consumer := NewWebhookConsumer(reader, proc, mq.NewFailureHandler(retry, dlt, 3, domain.Retryable))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return reader.commits() == 4 }, 2*time.Second, 5*time.Millisecond)
	consumer.Stop(context.Background())

	assert.Equal(t, []string{"OK-1", "FLAKY", "BAD"}, proc.handled())

	retried := retry.written()
	require.Len(t, retried, 1)
	assert.Equal(t, "FLAKY", string(retried[0].Key))
	assert.Equal(t, "1", mq.HeaderValue(retried[0].Headers, mq.HeaderRetryCount))

	dead := dlt.written()
	require.Len(t, dead, 2)
	assert.Equal(t, "BAD", string(dead[0].Key))
	assert.Equal(t, "junk", string(dead[1].Key))
	assert.Equal(t, "payment-webhooks", mq.HeaderValue(dead[1].Headers, mq.HeaderOriginalTopic))
}

func TestDLTConsumerCommitsAndCounts(t *testing.T) {
	reader := newChanReader("payment-webhooks-dlt", eventMessage(t, "DEAD-1"), eventMessage(t, "DEAD-2"))
	m := metrics.New("dlt_test")
	consumer := NewDLTConsumer(reader, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return reader.commits() == 2 }, 2*time.Second, 5*time.Millisecond)
	consumer.Stop(context.Background())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeadLetters))
}

func TestDLTConsumerReleasesRetriedEvents(t *testing.T) {
	retried := eventMessage(t, "RETRIED")
	retried.Headers = []kafka.Header{
		{Key: mq.HeaderRetryCount, Value: []byte("3")},
		{Key: mq.HeaderExceptionMessage, Value: []byte("payment provider unavailable")},
	}
	permanent := eventMessage(t, "REJECTED")
	permanent.Headers = []kafka.Header{{Key: mq.HeaderExceptionMessage, Value: []byte("payment provider rejected the request")}}
	reader := newChanReader("payment-webhooks-dlt", retried, permanent)

	var mu sync.Mutex
	var released []string
	consumer := NewDLTConsumer(reader, metrics.New("dlt_release_test"), func(_ context.Context, event *domain.ProviderEvent, cause error) {
		mu.Lock()
		defer mu.Unlock()
		released = append(released, event.ID)
		assert.EqualError(t, cause, "payment provider unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return reader.commits() == 2 }, 2*time.Second, 5*time.Millisecond)
	consumer.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt-RETRIED"}, released)
}
