package interfaces

import (
	"context"
	"sync"
	"time"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/service/campaign/application"
)

// Locker is a cluster-wide mutex, typically *zookeeper.DistributedLock.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// BatchRunner is what the scheduler drives on every tick.
type BatchRunner interface {
	RunOnce(ctx context.Context, now time.Time) (application.BatchReport, error)
}

// Scheduler runs the trending batch on a fixed interval. With a Locker only
// the replica that wins the lock recomputes on a given tick.
type Scheduler struct {
	runner   BatchRunner
	interval time.Duration
	lock     Locker
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(runner BatchRunner, interval time.Duration, lock Locker) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, lock: lock, now: time.Now}
}

// Start runs one batch immediately and then one per interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("✅ trending scheduler started")
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Ctx(ctx).Info().Msg("🛑 trending scheduler shutting down")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Tick runs a single batch unless one is already in flight in this process
// or another replica holds the lock. ran is false when the tick was skipped.
func (s *Scheduler) Tick(ctx context.Context) (report application.BatchReport, ran bool) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		logger.Ctx(ctx).Debug().Msg("trending: previous batch still running")
		return report, false
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.lock != nil {
		ok, err := s.lock.TryLock()
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("trending: lock unavailable, skipping tick")
			return report, false
		}
		if !ok {
			logger.Ctx(ctx).Debug().Msg("trending: another replica holds the lock")
			return report, false
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("trending: unlock failed")
			}
		}()
	}

	// the batch error is already logged by the scorer
	report, _ = s.runner.RunOnce(ctx, s.now().UTC())
	return report, true
}
