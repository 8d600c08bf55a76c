package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/metrics"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
)

// Reconciler turns "the provider says this order is paid" into exactly one
// credit on the campaign, however many times and from however many paths it
// is told.
type Reconciler struct {
	ledger           domain.TransactionRepository
	campaigns        domain.CampaignStore
	registry         *port.Registry
	broadcaster      port.UpdateBroadcaster
	tracer           trace.Tracer
	metrics          *metrics.Metrics
	broadcastTimeout time.Duration
	now              func() time.Time

	inflight sync.WaitGroup
}

func NewReconciler(
	ledger domain.TransactionRepository,
	campaigns domain.CampaignStore,
	registry *port.Registry,
	broadcaster port.UpdateBroadcaster,
	tracer trace.Tracer,
	m *metrics.Metrics,
	broadcastTimeout time.Duration,
) *Reconciler {
	return &Reconciler{
		ledger:           ledger,
		campaigns:        campaigns,
		registry:         registry,
		broadcaster:      broadcaster,
		tracer:           tracer,
		metrics:          m,
		broadcastTimeout: broadcastTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (res *ReconcileResult, err error) {
	ctx, span := r.tracer.Start(ctx, "app.Reconcile", trace.WithAttributes(
		attribute.String("payment.provider_order_id", in.ProviderOrderID),
		attribute.String("payment.trigger", string(in.Trigger)),
	))
	defer span.End()
	start := time.Now()
	defer func() { r.record(in.Trigger, res, err, start) }()

	log := logger.Ctx(ctx).With().Str("provider_order_id", in.ProviderOrderID).Str("trigger", string(in.Trigger)).Logger()

	tx, err := r.ledger.FindByProviderOrderID(ctx, in.ProviderOrderID)
	if err != nil {
		return nil, r.fail(span, err)
	}
	if tx.Status.Terminal() {
		span.AddEvent("transaction already terminal")
		return r.storedState(ctx, tx), nil
	}
	if err := checkMethod(tx, in.Method); err != nil {
		return nil, r.fail(span, err)
	}

	gateway, err := r.registry.Gateway(tx.PaymentMethod)
	if err != nil {
		return nil, r.fail(span, err)
	}
	// no database lock is held across the provider call
	capture, err := gateway.CaptureOrder(ctx, tx.ProviderOrderID)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile: provider capture failed")
		return nil, r.fail(span, err)
	}
	span.SetAttributes(attribute.String("payment.provider_status", capture.ProviderStatus))

	settlement := domain.Settlement{ProviderOrderID: tx.ProviderOrderID, At: r.now()}
	switch capture.Outcome {
	case port.CaptureCompleted:
		if !capture.Breakdown.Net.IsPositive() {
			return nil, r.fail(span, fmt.Errorf("%w: provider reported net %s for %s",
				domain.ErrProviderRejected, capture.Breakdown.Net, tx.ProviderOrderID))
		}
		settlement.Status = domain.StatusCompleted
		settlement.Breakdown = capture.Breakdown
	case port.CaptureFailed:
		settlement.Status = domain.StatusFailed
		settlement.FailureReason = capture.Reason
	default:
		log.Debug().Str("provider_status", capture.ProviderStatus).Msg("reconcile: payment still pending at provider")
		return &ReconcileResult{Transaction: tx}, nil
	}

	return r.settle(ctx, span, settlement)
}

// Abandon marks a pending transaction failed without asking the provider.
// Terminal transactions are returned untouched.
func (r *Reconciler) Abandon(ctx context.Context, in AbandonInput) (res *ReconcileResult, err error) {
	if in.Trigger == "" {
		in.Trigger = TriggerCancel
	}
	ctx, span := r.tracer.Start(ctx, "app.Abandon", trace.WithAttributes(
		attribute.String("payment.provider_order_id", in.ProviderOrderID),
		attribute.String("payment.trigger", string(in.Trigger)),
	))
	defer span.End()
	start := time.Now()
	defer func() { r.record(in.Trigger, res, err, start) }()

	tx, err := r.ledger.FindByProviderOrderID(ctx, in.ProviderOrderID)
	if err != nil {
		return nil, r.fail(span, err)
	}
	if tx.Status.Terminal() {
		return r.storedState(ctx, tx), nil
	}
	if err := checkMethod(tx, in.Method); err != nil {
		return nil, r.fail(span, err)
	}
	return r.settle(ctx, span, domain.Settlement{
		ProviderOrderID: in.ProviderOrderID,
		Status:          domain.StatusFailed,
		FailureReason:   in.Reason,
		At:              r.now(),
	})
}

// checkMethod rejects a notification from a provider other than the one the
// order was created with.
func checkMethod(tx *domain.Transaction, method domain.PaymentMethod) error {
	if method == "" || method == tx.PaymentMethod {
		return nil
	}
	return fmt.Errorf("%w: order %s was created with %s, not %s",
		domain.ErrProviderRejected, tx.ProviderOrderID, tx.PaymentMethod, method)
}

func (r *Reconciler) settle(ctx context.Context, span trace.Span, s domain.Settlement) (*ReconcileResult, error) {
	tx, campaign, err := r.ledger.Settle(ctx, s)
	if errors.Is(err, domain.ErrConflictingState) {
		// lost the race to another capture or webhook: report what it wrote
		span.AddEvent("settlement lost race")
		current, findErr := r.ledger.FindByProviderOrderID(ctx, s.ProviderOrderID)
		if findErr != nil {
			return nil, r.fail(span, findErr)
		}
		return r.storedState(ctx, current), nil
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("provider_order_id", s.ProviderOrderID).Msg("reconcile: settlement rolled back")
		return nil, r.fail(span, err)
	}

	res := &ReconcileResult{Transaction: tx, Campaign: campaign, Credited: s.Credits()}
	if res.Credited {
		logger.Ctx(ctx).Info().
			Str("provider_order_id", tx.ProviderOrderID).
			Int64("campaign_id", tx.CampaignID).
			Str("net_amount", tx.NetAmount.StringFixed(2)).
			Msg("reconcile: campaign credited")
		if campaign != nil {
			r.broadcast(ctx, domain.FundingUpdate{
				Type:          domain.UpdateTypeFunding,
				CampaignID:    campaign.ID,
				CurrentAmount: campaign.CurrentAmount,
				GoalAmount:    campaign.GoalAmount,
				TransactionID: tx.ID,
				NetAmount:     tx.NetAmount,
				At:            s.At,
			})
		}
	}
	return res, nil
}

func (r *Reconciler) storedState(ctx context.Context, tx *domain.Transaction) *ReconcileResult {
	res := &ReconcileResult{Transaction: tx, Duplicate: true}
	if r.campaigns == nil {
		return res
	}
	c, err := r.campaigns.GetCampaign(ctx, tx.CampaignID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("campaign_id", tx.CampaignID).Msg("reconcile: campaign snapshot unavailable")
		return res
	}
	res.Campaign = c
	return res
}

// broadcast runs after commit on its own goroutine and deadline. A failure
// is logged and counted, never surfaced to the caller.
func (r *Reconciler) broadcast(ctx context.Context, update domain.FundingUpdate) {
	if r.broadcaster == nil {
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.broadcastTimeout)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer cancel()
		if err := r.broadcaster.PublishFunding(bctx, update); err != nil {
			if r.metrics != nil {
				r.metrics.BroadcastFailures.Inc()
			}
			logger.Ctx(bctx).Warn().Err(err).Int64("campaign_id", update.CampaignID).Msg("reconcile: funding broadcast failed")
		}
	}()
}

// Wait blocks until in-flight broadcasts have finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

func (r *Reconciler) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *Reconciler) record(trigger Trigger, res *ReconcileResult, err error, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	r.metrics.ReconcileOutcomes.WithLabelValues(string(trigger), outcomeLabel(res, err)).Inc()
}

func outcomeLabel(res *ReconcileResult, err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownOrder):
		return "unknown_order"
	case err != nil:
		return "error"
	case res.Duplicate:
		return "duplicate"
	case res.Credited:
		return "credited"
	default:
		return string(res.Transaction.Status)
	}
}
