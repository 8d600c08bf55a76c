package domain

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment provider rejected the request")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrMalformedPayload    = errors.New("webhook payload malformed")
	ErrUnknownOrder        = errors.New("unknown provider order")
	// ErrConflictingState means another worker already moved the transaction
	// out of pending. Callers treat it as a successful no-op.
	ErrConflictingState  = errors.New("transaction no longer pending")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignInactive  = errors.New("campaign is not accepting donations")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrDuplicateOrder    = errors.New("provider order already recorded")
	// ErrOrderAlreadyPaid is returned by a gateway asked to cancel an order
	// the payer has already paid.
	ErrOrderAlreadyPaid = errors.New("provider order already paid")
)

// Retryable reports whether err is worth another attempt later.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
