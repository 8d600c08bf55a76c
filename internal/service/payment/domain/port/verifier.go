package port

import (
	"context"
	"net/http"

	"crowdx/internal/service/payment/domain"
)

// WebhookVerifier authenticates a raw webhook and maps it to a provider-neutral
// event. It must run before any ledger lookup. Failures wrap
// domain.ErrSignatureInvalid or domain.ErrMalformedPayload.
type WebhookVerifier interface {
	Method() domain.PaymentMethod
	Verify(ctx context.Context, rawBody []byte, headers http.Header) (*domain.ProviderEvent, error)
}
