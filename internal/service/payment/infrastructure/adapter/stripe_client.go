package adapter

import (
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient is the part of the Stripe API the gateway uses. It exists so
// tests can swap in a fake instead of calling Stripe.
type StripeClient interface {
	CheckoutSessions() StripeCheckoutSessions
}

type StripeCheckoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

type stripeClient struct {
	api *client.API
}

// NewStripeClient builds a client bound to secretKey. Nothing is stored in the
// package-level stripe.Key. timeout caps each API call; zero keeps the SDK
// default.
func NewStripeClient(secretKey string, timeout time.Duration) StripeClient {
	var backends *stripe.Backends
	if timeout > 0 {
		backends = stripe.NewBackends(&http.Client{Timeout: timeout})
	}
	return &stripeClient{api: client.New(secretKey, backends)}
}

func (c *stripeClient) CheckoutSessions() StripeCheckoutSessions {
	return c.api.CheckoutSessions
}
