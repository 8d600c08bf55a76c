package domain

import (
	"fmt"
	"strings"
)

// PaymentMethod identifies how a transaction was funded.
type PaymentMethod string

const (
	MethodStripe PaymentMethod = "stripe"
	MethodPayPal PaymentMethod = "paypal"
	// MethodManual rows are entered by operators and never go through a gateway.
	MethodManual PaymentMethod = "manual"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodStripe, MethodPayPal, MethodManual:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
}

func (m PaymentMethod) String() string { return string(m) }
