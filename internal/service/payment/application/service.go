package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/metrics"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
)

// Options are the settings PaymentService takes from configuration.
type Options struct {
	Currency         string
	DefaultMethod    domain.PaymentMethod
	PublicBaseURL    string
	DedupeTTL        time.Duration
	BroadcastTimeout time.Duration
	Fees             map[domain.PaymentMethod]domain.FeeModel
}

// PaymentService orchestrates checkout, capture and webhook ingestion.
type PaymentService struct {
	ledger      domain.TransactionRepository
	campaigns   domain.CampaignStore
	registry    *port.Registry
	reconciler  *Reconciler
	broadcaster port.UpdateBroadcaster
	queue       port.EventQueue
	deduper     port.EventDeduplicator
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	opts        Options
	now         func() time.Time
}

func NewPaymentService(
	ledger domain.TransactionRepository,
	campaigns domain.CampaignStore,
	registry *port.Registry,
	reconciler *Reconciler,
	broadcaster port.UpdateBroadcaster,
	deduper port.EventDeduplicator,
	tracer trace.Tracer,
	m *metrics.Metrics,
	opts Options,
) *PaymentService {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.DefaultMethod == "" {
		opts.DefaultMethod = domain.MethodStripe
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = 3 * time.Second
	}
	return &PaymentService{
		ledger:      ledger,
		campaigns:   campaigns,
		registry:    registry,
		reconciler:  reconciler,
		broadcaster: broadcaster,
		deduper:     deduper,
		tracer:      tracer,
		metrics:     m,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue wires the webhook queue. The queue is set after construction
// because the in-process worker pool needs HandleEvent as its handler.
func (s *PaymentService) SetQueue(q port.EventQueue) {
	s.queue = q
}

func (s *PaymentService) Reconciler() *Reconciler {
	return s.reconciler
}

// FeeEstimate quotes the gross to charge for a desired net amount.
func (s *PaymentService) FeeEstimate(net decimal.Decimal, method domain.PaymentMethod) (domain.Quote, error) {
	if method == "" {
		method = s.opts.DefaultMethod
	}
	model, ok := s.opts.Fees[method]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no fee model for %q", domain.ErrUnsupportedMethod, method)
	}
	return domain.QuoteGross(net, model)
}

// CreateOrder quotes the gross, opens the order at the provider and records
// a pending transaction keyed by the provider's order id.
func (s *PaymentService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder", trace.WithAttributes(
		attribute.Int64("campaign.id", cmd.CampaignID),
	))
	defer span.End()

	method := cmd.Method
	if method == "" {
		method = s.opts.DefaultMethod
	}
	if method == domain.MethodManual {
		return nil, s.fail(span, fmt.Errorf("%w: manual payments are recorded by operators", domain.ErrProviderRejected))
	}
	if cmd.CampaignID <= 0 {
		return nil, s.fail(span, fmt.Errorf("%w: campaign id %d", domain.ErrCampaignNotFound, cmd.CampaignID))
	}
	currency := strings.ToUpper(cmd.Currency)
	if currency == "" {
		currency = s.opts.Currency
	}

	quote, err := s.FeeEstimate(cmd.NetAmount, method)
	if err != nil {
		return nil, s.fail(span, err)
	}
	gateway, err := s.registry.Gateway(method)
	if err != nil {
		return nil, s.fail(span, err)
	}
	campaign, err := s.campaigns.GetCampaign(ctx, cmd.CampaignID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if !campaign.IsActive {
		return nil, s.fail(span, fmt.Errorf("%w: campaign %d", domain.ErrCampaignInactive, campaign.ID))
	}

	returnURL, cancelURL := cmd.ReturnURL, cmd.CancelURL
	if returnURL == "" {
		returnURL = s.campaignURL(cmd.CampaignID, "success")
	}
	if cancelURL == "" {
		cancelURL = s.campaignURL(cmd.CampaignID, "cancel")
	}

	handle, err := gateway.CreateOrder(ctx, port.CreateOrderRequest{
		CampaignID: cmd.CampaignID,
		Gross:      quote.Gross,
		Currency:   currency,
		ReturnURL:  returnURL,
		CancelURL:  cancelURL,
		Metadata:   map[string]string{"net_amount": quote.Net.StringFixed(2)},
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("payment.provider_order_id", handle.ProviderOrderID))

	tx, err := domain.NewPendingTransaction(cmd.CampaignID, handle.ProviderOrderID, method, quote, currency, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.ledger.Create(ctx, tx); err != nil {
		// the provider order exists but we have no row for it; it will
		// simply expire unpaid at the provider
		logger.Ctx(ctx).Error().Err(err).Str("provider_order_id", handle.ProviderOrderID).Msg("checkout: failed to record pending transaction")
		return nil, s.fail(span, err)
	}

	logger.Ctx(ctx).Info().
		Int64("campaign_id", cmd.CampaignID).
		Str("provider_order_id", handle.ProviderOrderID).
		Str("method", method.String()).
		Str("gross", quote.Gross.StringFixed(2)).
		Msg("checkout: order created")
	s.notifyCheckout(ctx, tx)

	return &CreateOrderResult{
		TransactionID:   tx.ID,
		ProviderOrderID: handle.ProviderOrderID,
		Method:          method,
		Quote:           quote,
		Links:           handle.Links,
	}, nil
}

func (s *PaymentService) campaignURL(campaignID int64, outcome string) string {
	return fmt.Sprintf("%s/campaigns/%d?payment=%s", strings.TrimRight(s.opts.PublicBaseURL, "/"), campaignID, outcome)
}

// notifyCheckout tells viewers a payment session started. Best effort.
func (s *PaymentService) notifyCheckout(ctx context.Context, tx *domain.Transaction) {
	if s.broadcaster == nil {
		return
	}
	notice := domain.PaymentStatusNotice{
		Type:            domain.UpdateTypePaymentStatus,
		CampaignID:      tx.CampaignID,
		ProviderOrderID: tx.ProviderOrderID,
		Method:          tx.PaymentMethod,
		Message:         "A new payment session has been created.",
		At:              tx.CreatedAt,
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BroadcastTimeout)
	defer cancel()
	if err := s.broadcaster.PublishPaymentStatus(bctx, notice); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("provider_order_id", tx.ProviderOrderID).Msg("checkout: payment status notice not sent")
	}
}

// Capture is called when the payer returns from the provider.
func (s *PaymentService) Capture(ctx context.Context, providerOrderID string) (*CaptureResult, error) {
	res, err := s.reconciler.Reconcile(ctx, ReconcileInput{ProviderOrderID: providerOrderID, Trigger: TriggerCapture})
	if err != nil {
		return nil, err
	}
	return toCaptureResult(res), nil
}

// Cancel fails a pending transaction the payer walked away from. The
// provider is asked first: an order that was paid in the meantime is
// settled as completed instead, and an unreachable provider leaves the
// transaction pending so the cancel can be retried.
func (s *PaymentService) Cancel(ctx context.Context, providerOrderID, reason string) (*domain.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "app.Cancel", trace.WithAttributes(
		attribute.String("payment.provider_order_id", providerOrderID),
	))
	defer span.End()
	log := logger.Ctx(ctx).With().Str("provider_order_id", providerOrderID).Logger()

	tx, err := s.ledger.FindByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if tx.Status.Terminal() {
		return tx, nil
	}

	res, err := s.reconciler.Reconcile(ctx, ReconcileInput{ProviderOrderID: providerOrderID, Trigger: TriggerCancel})
	switch {
	case err == nil && res.Transaction.Status.Terminal():
		log.Info().Str("status", string(res.Transaction.Status)).Msg("cancel: provider had already settled the order")
		return res.Transaction, nil
	case domain.Retryable(err):
		return nil, s.fail(span, err)
	case err != nil:
		span.RecordError(err)
		log.Warn().Err(err).Msg("cancel: provider status check failed")
	}

	gateway, err := s.registry.Gateway(tx.PaymentMethod)
	if err == nil {
		err = gateway.CancelOrder(ctx, providerOrderID)
	}
	switch {
	case errors.Is(err, domain.ErrOrderAlreadyPaid):
		// paid between the status check and the cancel call
		res, err := s.reconciler.Reconcile(ctx, ReconcileInput{ProviderOrderID: providerOrderID, Trigger: TriggerCancel})
		if err != nil {
			return nil, s.fail(span, err)
		}
		return res.Transaction, nil
	case domain.Retryable(err):
		return nil, s.fail(span, err)
	case err != nil:
		span.RecordError(err)
		log.Warn().Err(err).Msg("cancel: provider cancel failed")
	}

	if reason == "" {
		reason = "cancelled by payer"
	}
	res, err = s.reconciler.Abandon(ctx, AbandonInput{ProviderOrderID: providerOrderID, Trigger: TriggerCancel, Reason: reason})
	if err != nil {
		return nil, s.fail(span, err)
	}
	return res.Transaction, nil
}

func (s *PaymentService) GetTransaction(ctx context.Context, providerOrderID string) (*domain.Transaction, error) {
	return s.ledger.FindByProviderOrderID(ctx, providerOrderID)
}

func (s *PaymentService) ListCampaignTransactions(ctx context.Context, f domain.ListFilter) ([]*domain.Transaction, error) {
	if f.Status != "" && f.Status != domain.StatusPending && !f.Status.Terminal() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrMalformedPayload, f.Status)
	}
	return s.ledger.ListByCampaign(ctx, f)
}

// IngestWebhook verifies a provider notification and hands it to the queue.
// Verification runs before anything else is looked up; a bad signature never
// reaches the ledger.
func (s *PaymentService) IngestWebhook(ctx context.Context, method domain.PaymentMethod, body []byte, headers http.Header) (WebhookAck, error) {
	ctx, span := s.tracer.Start(ctx, "app.IngestWebhook", trace.WithAttributes(
		attribute.String("payment.method", method.String()),
	))
	defer span.End()

	verifier, err := s.registry.Verifier(method)
	if err != nil {
		s.rejected(method, "unsupported")
		return "", s.fail(span, err)
	}
	event, err := verifier.Verify(ctx, body, headers)
	if err != nil {
		reason := "signature"
		if errors.Is(err, domain.ErrMalformedPayload) {
			reason = "malformed"
		} else if domain.Retryable(err) {
			reason = "verifier_unavailable"
		}
		s.rejected(method, reason)
		logger.Ctx(ctx).Warn().Err(err).Str("method", method.String()).Msg("webhook: rejected")
		return "", s.fail(span, err)
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.type", event.Type),
	)
	log := logger.Ctx(ctx).With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

	if !event.Actionable() {
		s.received(method, event)
		log.Debug().Msg("webhook: event ignored")
		return AckIgnored, nil
	}

	if s.deduper != nil && event.ID != "" {
		first, err := s.deduper.FirstSeen(ctx, method, event.ID, s.opts.DedupeTTL)
		switch {
		case err != nil:
			// the ledger is idempotent, so processing twice is only wasted work
			log.Warn().Err(err).Msg("webhook: dedupe unavailable, enqueueing anyway")
		case !first:
			log.Info().Msg("webhook: duplicate delivery acknowledged")
			return AckDuplicate, nil
		}
	}
	s.received(method, event)

	if s.queue == nil {
		return "", s.fail(span, fmt.Errorf("%w: webhook queue not configured", domain.ErrProviderUnavailable))
	}
	if err := s.queue.Enqueue(ctx, event); err != nil {
		if s.deduper != nil && event.ID != "" {
			if ferr := s.deduper.Forget(ctx, method, event.ID); ferr != nil {
				log.Warn().Err(ferr).Msg("webhook: could not clear dedupe marker")
			}
		}
		log.Error().Err(err).Msg("webhook: enqueue failed")
		return "", s.fail(span, err)
	}
	log.Info().Str("provider_order_id", event.ProviderOrderID).Msg("webhook: accepted")
	return AckAccepted, nil
}

// HandleEvent is the queue consumer's entry point. A nil return means the
// event may be committed; returned errors are retried when
// domain.Retryable says so.
func (s *PaymentService) HandleEvent(ctx context.Context, event *domain.ProviderEvent) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleEvent", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.kind", string(event.Kind)),
		attribute.String("payment.provider_order_id", event.ProviderOrderID),
	))
	defer span.End()
	log := logger.Ctx(ctx).With().Str("event_id", event.ID).Str("provider_order_id", event.ProviderOrderID).Logger()

	var err error
	switch event.Kind {
	case domain.EventCaptureCompleted, domain.EventOrderApproved:
		_, err = s.reconciler.Reconcile(ctx, ReconcileInput{
			ProviderOrderID: event.ProviderOrderID,
			Trigger:         TriggerWebhook,
			Method:          event.Method,
		})
	case domain.EventPaymentFailed:
		reason := event.Reason
		if reason == "" {
			reason = event.Type
		}
		_, err = s.reconciler.Abandon(ctx, AbandonInput{
			ProviderOrderID: event.ProviderOrderID,
			Trigger:         TriggerWebhook,
			Reason:          reason,
			Method:          event.Method,
		})
	default:
		return nil
	}

	if errors.Is(err, domain.ErrUnknownOrder) {
		// not ours, or created by a checkout that never recorded its row
		log.Warn().Msg("webhook: unknown provider order acknowledged")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// ReleaseEvent is called when the queue gives up on an accepted event. It
// clears the dedupe marker so the provider's next redelivery is processed
// instead of acknowledged as a duplicate.
func (s *PaymentService) ReleaseEvent(ctx context.Context, event *domain.ProviderEvent, cause error) {
	if s.deduper == nil || event.ID == "" {
		return
	}
	log := logger.Ctx(ctx).With().Str("event_id", event.ID).Str("provider_order_id", event.ProviderOrderID).Logger()
	if err := s.deduper.Forget(ctx, event.Method, event.ID); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("webhook: dropped event keeps its dedupe marker")
		return
	}
	if s.metrics != nil {
		s.metrics.WebhookReleased.WithLabelValues(event.Method.String()).Inc()
	}
	log.Warn().AnErr("cause", cause).Msg("webhook: dropped event released for redelivery")
}

// received counts a verified delivery. Acknowledged duplicates are not
// counted.
func (s *PaymentService) received(method domain.PaymentMethod, event *domain.ProviderEvent) {
	if s.metrics != nil {
		s.metrics.WebhookReceived.WithLabelValues(method.String(), string(event.Kind)).Inc()
	}
}

func (s *PaymentService) rejected(method domain.PaymentMethod, reason string) {
	if s.metrics != nil {
		s.metrics.WebhookRejected.WithLabelValues(method.String(), reason).Inc()
	}
}

func (s *PaymentService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
