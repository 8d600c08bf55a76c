package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crowdx/internal/pkg/metrics"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
)

// PayPal order and capture statuses we act on.
const (
	paypalOrderVoided   = "VOIDED"
	paypalCaptureDone   = "COMPLETED"
	paypalCaptureDenied = "DECLINED"
	paypalCaptureFailed = "FAILED"

	issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
	issueNotApproved     = "ORDER_NOT_APPROVED"
	issueDeclined        = "INSTRUMENT_DECLINED"
)

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalCapture struct {
	ID                        string `json:"id"`
	Status                    string `json:"status"`
	SellerReceivableBreakdown *struct {
		GrossAmount paypalMoney  `json:"gross_amount"`
		PayPalFee   *paypalMoney `json:"paypal_fee"`
		NetAmount   paypalMoney  `json:"net_amount"`
	} `json:"seller_receivable_breakdown"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []port.Link `json:"links"`
}

func (o *paypalOrder) capture() *paypalCapture {
	for _, pu := range o.PurchaseUnits {
		if n := len(pu.Payments.Captures); n > 0 {
			return &pu.Payments.Captures[n-1]
		}
	}
	return nil
}

// PayPalGateway implements port.OrderGateway with the Orders v2 API.
type PayPalGateway struct {
	client    *PayPalClient
	brandName string
	tracer    trace.Tracer
	metrics   *metrics.Metrics
}

func NewPayPalGateway(client *PayPalClient, brandName string, tracer trace.Tracer, m *metrics.Metrics) *PayPalGateway {
	return &PayPalGateway{client: client, brandName: brandName, tracer: tracer, metrics: m}
}

func (g *PayPalGateway) Method() domain.PaymentMethod { return domain.MethodPayPal }

func (g *PayPalGateway) CreateOrder(ctx context.Context, req port.CreateOrderRequest) (*port.ProviderOrderHandle, error) {
	ctx, span := g.tracer.Start(ctx, "paypal.CreateOrder")
	defer span.End()
	defer g.observe("create", time.Now())

	campaignRef := strconv.FormatInt(req.CampaignID, 10)
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": "campaign-" + campaignRef,
			"custom_id":    campaignRef,
			"description":  "CrowdX campaign contribution",
			"amount": paypalMoney{
				CurrencyCode: req.Currency,
				Value:        req.Gross.StringFixed(2),
			},
		}},
		"application_context": map[string]string{
			"brand_name":          g.brandName,
			"user_action":         "PAY_NOW",
			"shipping_preference": "NO_SHIPPING",
			"return_url":          req.ReturnURL,
			"cancel_url":          req.CancelURL,
		},
	}

	var order paypalOrder
	if err := g.client.call(ctx, http.MethodPost, "/v2/checkout/orders", "paypal.CreateOrder", body, &order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("paypal.order_id", order.ID))
	return &port.ProviderOrderHandle{ProviderOrderID: order.ID, Status: order.Status, Links: order.Links}, nil
}

// CaptureOrder captures an approved order. Capturing twice is answered with
// the existing capture, so repeated calls converge on the same breakdown.
func (g *PayPalGateway) CaptureOrder(ctx context.Context, providerOrderID string) (*port.CaptureResult, error) {
	ctx, span := g.tracer.Start(ctx, "paypal.CaptureOrder")
	defer span.End()
	defer g.observe("capture", time.Now())
	span.SetAttributes(attribute.String("paypal.order_id", providerOrderID))

	path := "/v2/checkout/orders/" + url.PathEscape(providerOrderID)
	var order paypalOrder
	err := g.client.call(ctx, http.MethodPost, path+"/capture", "paypal.CaptureOrder", nil, &order)

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.Issue {
		case issueAlreadyCaptured:
			span.AddEvent("order already captured, reading existing capture")
			order = paypalOrder{}
			err = g.client.call(ctx, http.MethodGet, path, "paypal.GetOrder", nil, &order)
		case issueNotApproved:
			return &port.CaptureResult{ProviderStatus: issueNotApproved, Outcome: port.CapturePending}, nil
		case issueDeclined:
			return &port.CaptureResult{ProviderStatus: issueDeclined, Outcome: port.CaptureFailed, Reason: "instrument declined"}, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return paypalCaptureResult(&order)
}

func paypalCaptureResult(order *paypalOrder) (*port.CaptureResult, error) {
	res := &port.CaptureResult{ProviderStatus: order.Status, Outcome: port.CapturePending}
	if order.Status == paypalOrderVoided {
		res.Outcome = port.CaptureFailed
		res.Reason = "order voided"
		return res, nil
	}

	c := order.capture()
	if c == nil {
		return res, nil
	}
	res.ProviderStatus = order.Status + "/" + c.Status
	switch c.Status {
	case paypalCaptureDone:
		b, err := breakdownOf(c)
		if err != nil {
			return nil, err
		}
		res.Outcome = port.CaptureCompleted
		res.Breakdown = b
	case paypalCaptureDenied, paypalCaptureFailed:
		res.Outcome = port.CaptureFailed
		res.Reason = "capture " + c.Status
	}
	return res, nil
}

func breakdownOf(c *paypalCapture) (domain.Breakdown, error) {
	if c.SellerReceivableBreakdown == nil {
		return domain.Breakdown{}, fmt.Errorf("%w: capture %s has no seller_receivable_breakdown", domain.ErrProviderUnavailable, c.ID)
	}
	srb := c.SellerReceivableBreakdown
	gross, err := decimal.NewFromString(srb.GrossAmount.Value)
	if err != nil {
		return domain.Breakdown{}, fmt.Errorf("%w: gross %q", domain.ErrProviderRejected, srb.GrossAmount.Value)
	}
	net, err := decimal.NewFromString(srb.NetAmount.Value)
	if err != nil {
		return domain.Breakdown{}, fmt.Errorf("%w: net %q", domain.ErrProviderRejected, srb.NetAmount.Value)
	}
	fee := gross.Sub(net)
	if srb.PayPalFee != nil {
		if f, err := decimal.NewFromString(srb.PayPalFee.Value); err == nil {
			fee = f
		}
	}
	return domain.Breakdown{Gross: gross, Fee: fee, Net: net}, nil
}

// CancelOrder is local only: PayPal has no cancel call for unapproved
// orders, they simply expire.
func (g *PayPalGateway) CancelOrder(ctx context.Context, providerOrderID string) error {
	_, span := g.tracer.Start(ctx, "paypal.CancelOrder")
	defer span.End()
	span.AddEvent("paypal orders expire on their own", trace.WithAttributes(attribute.String("paypal.order_id", providerOrderID)))
	return nil
}

func (g *PayPalGateway) observe(op string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ProviderCallDuration.WithLabelValues(string(domain.MethodPayPal), op).Observe(time.Since(start).Seconds())
	}
}
