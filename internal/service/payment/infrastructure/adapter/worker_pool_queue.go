package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/service/payment/domain"
)

// ErrQueueFull is returned by Enqueue when every slot is taken. The webhook
// handler answers 503 so the provider redelivers later.
var ErrQueueFull = errors.Wrap(domain.ErrProviderUnavailable, "webhook queue full")

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("webhook queue closed")

// EventHandler processes one webhook event.
type EventHandler func(ctx context.Context, event *domain.ProviderEvent) error

// DropHandler is told about an accepted event the pool gave up on without a
// definitive answer: retries ran out, or shutdown interrupted it.
type DropHandler func(ctx context.Context, event *domain.ProviderEvent, cause error)

// WorkerPoolQueue is the in-process alternative to the Kafka topic: a
// bounded buffer drained by a fixed number of workers.
type WorkerPoolQueue struct {
	handle      EventHandler
	dropped     DropHandler
	workers     int
	maxAttempts int
	backoff     time.Duration
	retryable   func(error) bool

	mu     sync.RWMutex
	closed bool
	events chan *domain.ProviderEvent
	group  *errgroup.Group
	cancel context.CancelFunc
}

type WorkerPoolOption func(*WorkerPoolQueue)

// WithRetry sets how often a retryable failure is attempted and the base
// backoff between attempts (doubled each time).
func WithRetry(maxAttempts int, backoff time.Duration) WorkerPoolOption {
	return func(q *WorkerPoolQueue) {
		q.maxAttempts = maxAttempts
		q.backoff = backoff
	}
}

// WithDropHandler installs the hook for events the pool abandons.
func WithDropHandler(h DropHandler) WorkerPoolOption {
	return func(q *WorkerPoolQueue) {
		q.dropped = h
	}
}

func NewWorkerPoolQueue(handle EventHandler, workers, size int, retryable func(error) bool, opts ...WorkerPoolOption) *WorkerPoolQueue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	if retryable == nil {
		retryable = domain.Retryable
	}
	q := &WorkerPoolQueue{
		handle:      handle,
		workers:     workers,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		retryable:   retryable,
		events:      make(chan *domain.ProviderEvent, size),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *WorkerPoolQueue) Enqueue(ctx context.Context, event *domain.ProviderEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They keep ctx's values but not its
// cancellation: only Stop ends them, after the buffer is drained or its own
// deadline passes.
func (q *WorkerPoolQueue) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(wctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.run(gctx, worker)
			return nil
		})
	}
	q.group = g
	q.cancel = cancel
	logger.Ctx(ctx).Info().Int("workers", q.workers).Int("capacity", cap(q.events)).Msg("webhook worker pool started")
}

// Stop refuses new events and lets the workers finish what is buffered. If
// ctx ends first the workers are cancelled, and every event that was not
// handled goes to the drop handler.
func (q *WorkerPoolQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	if q.group == nil {
		q.drain(ctx, ErrQueueClosed)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()
	select {
	case err := <-done:
		q.cancel()
		return err
	case <-ctx.Done():
	}

	q.cancel()
	<-done
	q.drain(ctx, ctx.Err())
	logger.Ctx(ctx).Warn().Msg("webhook worker pool stopped before the buffer was drained")
	return ctx.Err()
}

// drain hands whatever is left in the closed buffer to the drop handler.
func (q *WorkerPoolQueue) drain(ctx context.Context, cause error) {
	for event := range q.events {
		q.drop(ctx, event, cause)
	}
}

func (q *WorkerPoolQueue) drop(ctx context.Context, event *domain.ProviderEvent, cause error) {
	if q.dropped != nil {
		q.dropped(context.WithoutCancel(ctx), event, cause)
	}
}

func (q *WorkerPoolQueue) run(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-q.events:
			if !ok {
				return
			}
			q.process(ctx, worker, event)
		}
	}
}

func (q *WorkerPoolQueue) process(ctx context.Context, worker int, event *domain.ProviderEvent) {
	log := logger.Ctx(ctx).With().
		Int("worker", worker).
		Str("event_id", event.ID).
		Str("provider_order_id", event.ProviderOrderID).
		Logger()

	wait := q.backoff
	for attempt := 1; ; attempt++ {
		err := q.handle(ctx, event)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("webhook event interrupted by shutdown")
			q.drop(ctx, event, err)
			return
		}
		if !q.retryable(err) {
			log.Error().Err(err).Int("attempt", attempt).Str("event_type", event.Type).
				Msg("🚨 webhook event rejected by handler")
			return
		}
		if attempt >= q.maxAttempts {
			log.Error().Err(err).Int("attempt", attempt).Str("event_type", event.Type).
				Msg("🚨 webhook event dropped after failed processing")
			q.drop(ctx, event, err)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("webhook event failed, retrying")
		select {
		case <-ctx.Done():
			q.drop(ctx, event, ctx.Err())
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
}
