package port

import (
	"fmt"
	"sort"

	"crowdx/internal/service/payment/domain"
)

// Registry selects the gateway and verifier for a payment method.
type Registry struct {
	gateways  map[domain.PaymentMethod]OrderGateway
	verifiers map[domain.PaymentMethod]WebhookVerifier
}

func NewRegistry() *Registry {
	return &Registry{
		gateways:  make(map[domain.PaymentMethod]OrderGateway),
		verifiers: make(map[domain.PaymentMethod]WebhookVerifier),
	}
}

func (r *Registry) RegisterGateway(g OrderGateway) *Registry {
	r.gateways[g.Method()] = g
	return r
}

func (r *Registry) RegisterVerifier(v WebhookVerifier) *Registry {
	r.verifiers[v.Method()] = v
	return r
}

func (r *Registry) Gateway(m domain.PaymentMethod) (OrderGateway, error) {
	g, ok := r.gateways[m]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway for %q", domain.ErrUnsupportedMethod, m)
	}
	return g, nil
}

func (r *Registry) Verifier(m domain.PaymentMethod) (WebhookVerifier, error) {
	v, ok := r.verifiers[m]
	if !ok {
		return nil, fmt.Errorf("%w: no webhook verifier for %q", domain.ErrUnsupportedMethod, m)
	}
	return v, nil
}

// Methods lists the methods that have a gateway, sorted.
func (r *Registry) Methods() []domain.PaymentMethod {
	out := make([]domain.PaymentMethod, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
