package application

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/metrics"
	"crowdx/internal/service/campaign/domain"
)

const defaultPageSize = 200

// BatchReport summarises one pass over the active campaigns.
type BatchReport struct {
	Scanned    int
	Updated    int
	Unchanged  int
	Ineligible int
	// Skipped campaigns ran out of their per-campaign time budget.
	Skipped int
	Failed  int
}

type ScorerOptions struct {
	PerCampaignTimeout time.Duration
	PageSize           int
	DecayK             float64
}

// Scorer recomputes trending scores. A problem with one campaign is counted
// and logged; it never stops the batch.
type Scorer struct {
	repo    domain.Repository
	rule    domain.EligibilityRule
	scoring domain.TrendingScorer
	tracer  trace.Tracer
	metrics *metrics.Metrics
	opts    ScorerOptions
}

func NewScorer(repo domain.Repository, rule domain.EligibilityRule, tracer trace.Tracer, m *metrics.Metrics, opts ScorerOptions) *Scorer {
	if opts.PerCampaignTimeout <= 0 {
		opts.PerCampaignTimeout = 5 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Scorer{
		repo:    repo,
		rule:    rule,
		scoring: domain.NewTrendingScorer(opts.DecayK),
		tracer:  tracer,
		metrics: m,
		opts:    opts,
	}
}

// RunOnce scores every active campaign as of now. The returned error is only
// set when the campaign list itself could not be read; the report covers
// whatever was processed before that.
func (s *Scorer) RunOnce(ctx context.Context, now time.Time) (BatchReport, error) {
	ctx, span := s.tracer.Start(ctx, "scorer.RunOnce")
	defer span.End()
	start := time.Now()

	var report BatchReport
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, span, report, start, err)
		}
		page, err := s.repo.ListActive(ctx, afterID, s.opts.PageSize)
		if err != nil {
			return s.finish(ctx, span, report, start, err)
		}
		for _, c := range page {
			report.Scanned++
			s.count(&report, s.scoreOne(ctx, c, now))
			afterID = c.ID
		}
		if len(page) < s.opts.PageSize {
			break
		}
	}
	return s.finish(ctx, span, report, start, nil)
}

type result string

const (
	resultUpdated    result = "updated"
	resultUnchanged  result = "unchanged"
	resultIneligible result = "ineligible"
	resultSkipped    result = "skipped"
	resultFailed     result = "failed"
)

func (s *Scorer) scoreOne(ctx context.Context, c *domain.Campaign, now time.Time) result {
	log := logger.Ctx(ctx).With().Int64("campaign_id", c.ID).Logger()

	if s.rule != nil {
		ok, err := s.rule.Eligible(c, now)
		if err != nil {
			log.Warn().Err(err).Msg("trending: eligibility rule failed")
			return resultFailed
		}
		if !ok {
			return resultIneligible
		}
	}

	score := s.scoring.Score(c, now)
	if !domain.ScoreChanged(c.TrendingScore, score) {
		return resultUnchanged
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.PerCampaignTimeout)
	defer cancel()
	if err := s.repo.UpdateTrendingScore(cctx, c.ID, score); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			log.Warn().Dur("timeout", s.opts.PerCampaignTimeout).Msg("trending: campaign skipped")
			return resultSkipped
		}
		log.Error().Err(err).Msg("trending: score update failed")
		return resultFailed
	}
	return resultUpdated
}

func (s *Scorer) count(r *BatchReport, res result) {
	switch res {
	case resultUpdated:
		r.Updated++
	case resultUnchanged:
		r.Unchanged++
	case resultIneligible:
		r.Ineligible++
	case resultSkipped:
		r.Skipped++
	case resultFailed:
		r.Failed++
	}
	if s.metrics != nil {
		s.metrics.TrendingBatch.WithLabelValues(string(res)).Inc()
	}
}

func (s *Scorer) finish(ctx context.Context, span trace.Span, r BatchReport, start time.Time, err error) (BatchReport, error) {
	span.SetAttributes(
		attribute.Int("trending.scanned", r.Scanned),
		attribute.Int("trending.updated", r.Updated),
		attribute.Int("trending.failed", r.Failed),
	)
	ev := logger.Ctx(ctx).Info()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev = logger.Ctx(ctx).Error().Err(err)
	} else if s.metrics != nil {
		s.metrics.TrendingLastRun.SetToCurrentTime()
	}
	ev.Int("scanned", r.Scanned).
		Int("updated", r.Updated).
		Int("unchanged", r.Unchanged).
		Int("ineligible", r.Ineligible).
		Int("skipped", r.Skipped).
		Int("failed", r.Failed).
		Dur("took", time.Since(start)).
		Msg("trending: batch finished")
	return r, err
}
