package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"crowdx/internal/service/payment/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeVerifier checks the Stripe-Signature HMAC (constant-time compare with
// a replay tolerance) and maps Checkout events to provider-neutral ones.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

func (v *StripeVerifier) Method() domain.PaymentMethod { return domain.MethodStripe }

func (v *StripeVerifier) Verify(_ context.Context, rawBody []byte, headers http.Header) (*domain.ProviderEvent, error) {
	sig := headers.Get(stripeSignatureHeader)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing %s header", domain.ErrSignatureInvalid, stripeSignatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(rawBody, sig, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}
	return mapStripeEvent(&event, v.now())
}

func mapStripeEvent(event *stripe.Event, receivedAt time.Time) (*domain.ProviderEvent, error) {
	out := &domain.ProviderEvent{
		ID:         event.ID,
		Method:     domain.MethodStripe,
		Type:       string(event.Type),
		Kind:       domain.EventIgnored,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		ReceivedAt: receivedAt.UTC(),
	}
	if event.Data != nil {
		out.Payload = event.Data.Raw
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		out.Kind = domain.EventCaptureCompleted
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		out.Kind = domain.EventPaymentFailed
		out.Reason = string(event.Type)
	default:
		return out, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s without data object", domain.ErrMalformedPayload, event.Type)
	}
	var sess struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil || sess.ID == "" {
		return nil, fmt.Errorf("%w: %s without session id", domain.ErrMalformedPayload, event.Type)
	}
	out.ProviderOrderID = sess.ID
	return out, nil
}
