package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crowdx/internal/pkg/metrics"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
)

const stripeProductName = "CrowdX Campaign Contribution"

// StripeGateway implements port.OrderGateway with Stripe Checkout Sessions.
// The session id is the provider order id.
type StripeGateway struct {
	client  StripeClient
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

func NewStripeGateway(client StripeClient, tracer trace.Tracer, m *metrics.Metrics) *StripeGateway {
	return &StripeGateway{client: client, tracer: tracer, metrics: m}
}

func (g *StripeGateway) Method() domain.PaymentMethod { return domain.MethodStripe }

func (g *StripeGateway) CreateOrder(ctx context.Context, req port.CreateOrderRequest) (*port.ProviderOrderHandle, error) {
	ctx, span := g.tracer.Start(ctx, "stripe.CreateCheckoutSession", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	defer g.observe("create", time.Now())

	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.ReturnURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(toMinorUnits(req.Gross)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(stripeProductName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(strconv.FormatInt(req.CampaignID, 10)),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("campaign_id", strconv.FormatInt(req.CampaignID, 10))
	params.SetIdempotencyKey(uuid.NewString())

	sess, err := g.client.CheckoutSessions().New(params)
	if err != nil {
		err = mapStripeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("stripe.session_id", sess.ID))

	return &port.ProviderOrderHandle{
		ProviderOrderID: sess.ID,
		Status:          string(sess.Status),
		Links:           []port.Link{{Rel: "approve", Href: sess.URL, Method: http.MethodGet}},
	}, nil
}

// CaptureOrder reads the session; Checkout captures on its own, so "capture"
// here means fetching the settled balance transaction.
func (g *StripeGateway) CaptureOrder(ctx context.Context, providerOrderID string) (*port.CaptureResult, error) {
	ctx, span := g.tracer.Start(ctx, "stripe.RetrieveCheckoutSession", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	defer g.observe("capture", time.Now())
	span.SetAttributes(attribute.String("stripe.session_id", providerOrderID))

	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("payment_intent.latest_charge.balance_transaction")

	sess, err := g.client.CheckoutSessions().Get(providerOrderID, params)
	if err != nil {
		err = mapStripeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return stripeCaptureResult(sess)
}

func stripeCaptureResult(sess *stripe.CheckoutSession) (*port.CaptureResult, error) {
	res := &port.CaptureResult{ProviderStatus: fmt.Sprintf("%s/%s", sess.Status, sess.PaymentStatus)}

	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		bt := balanceTransactionOf(sess)
		if bt == nil {
			// paid but the charge has not settled into a balance transaction yet
			res.Outcome = port.CapturePending
			return res, nil
		}
		res.Outcome = port.CaptureCompleted
		res.Breakdown = domain.Breakdown{
			Gross: fromMinorUnits(bt.Amount),
			Fee:   fromMinorUnits(bt.Fee),
			Net:   fromMinorUnits(bt.Net),
		}
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		res.Outcome = port.CaptureFailed
		res.Reason = "checkout session expired"
	default:
		res.Outcome = port.CapturePending
	}
	return res, nil
}

func balanceTransactionOf(sess *stripe.CheckoutSession) *stripe.BalanceTransaction {
	if sess.PaymentIntent == nil || sess.PaymentIntent.LatestCharge == nil {
		return nil
	}
	return sess.PaymentIntent.LatestCharge.BalanceTransaction
}

func (g *StripeGateway) CancelOrder(ctx context.Context, providerOrderID string) error {
	ctx, span := g.tracer.Start(ctx, "stripe.ExpireCheckoutSession", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	defer g.observe("cancel", time.Now())

	_, err := g.client.CheckoutSessions().Expire(providerOrderID, &stripe.CheckoutSessionExpireParams{Params: stripe.Params{Context: ctx}})
	if err == nil {
		return nil
	}
	// Stripe refuses to expire a session that is no longer open. An expired
	// one is what we wanted; a completed one means the payer got there first.
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusBadRequest {
		span.AddEvent("session already closed")
		sess, getErr := g.client.CheckoutSessions().Get(providerOrderID, &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}})
		if getErr != nil {
			err = mapStripeError(getErr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid || sess.Status == stripe.CheckoutSessionStatusComplete {
			return fmt.Errorf("%w: stripe session %s is %s/%s", domain.ErrOrderAlreadyPaid, providerOrderID, sess.Status, sess.PaymentStatus)
		}
		return nil
	}
	err = mapStripeError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (g *StripeGateway) observe(op string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ProviderCallDuration.WithLabelValues(string(domain.MethodStripe), op).Observe(time.Since(start).Seconds())
	}
}

func mapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests,
			se.HTTPStatusCode == http.StatusUnauthorized,
			se.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: stripe %d %s", domain.ErrProviderUnavailable, se.HTTPStatusCode, se.Msg)
		case se.HTTPStatusCode >= 400:
			return fmt.Errorf("%w: stripe %d %s", domain.ErrProviderRejected, se.HTTPStatusCode, se.Msg)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
}

func toMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
