package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	one   = decimal.NewFromInt(1)
	cent  = decimal.New(1, -2)
	zero  = decimal.Zero
	money = int32(2)
)

// FeeModel is a provider's pricing: rate*gross + fixed is withheld from every charge.
type FeeModel struct {
	Rate  decimal.Decimal
	Fixed decimal.Decimal
}

// NewFeeModel parses a rate such as "0.0349" and a fixed fee such as "0.49".
func NewFeeModel(rate, fixed string) (FeeModel, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return FeeModel{}, fmt.Errorf("fee rate %q: %w", rate, err)
	}
	f, err := decimal.NewFromString(fixed)
	if err != nil {
		return FeeModel{}, fmt.Errorf("fixed fee %q: %w", fixed, err)
	}
	m := FeeModel{Rate: r, Fixed: f}
	if err := m.validate(); err != nil {
		return FeeModel{}, err
	}
	return m, nil
}

func (m FeeModel) validate() error {
	if m.Rate.IsNegative() || m.Rate.GreaterThanOrEqual(one) || m.Fixed.IsNegative() {
		return fmt.Errorf("%w: fee model rate=%s fixed=%s", ErrInvalidAmount, m.Rate, m.Fixed)
	}
	return nil
}

// ProviderFee is what the provider withholds from gross, rounded to cents.
func (m FeeModel) ProviderFee(gross decimal.Decimal) decimal.Decimal {
	return gross.Mul(m.Rate).Add(m.Fixed).Round(money)
}

// Quote is the checkout breakdown shown to a payer.
type Quote struct {
	Net     decimal.Decimal
	Gross   decimal.Decimal
	Fee     decimal.Decimal
	Message string
}

// QuoteGross returns the amount to charge so that the campaign receives net
// after the provider's fee: gross = round((net + fixed) / (1 - rate), 2),
// half-up. If the provider's own cent rounding would still leave the campaign
// short, gross is raised one cent at a time until it does not.
func QuoteGross(net decimal.Decimal, m FeeModel) (Quote, error) {
	if !net.IsPositive() {
		return Quote{}, fmt.Errorf("%w: net amount must be positive, got %s", ErrInvalidAmount, net)
	}
	if err := m.validate(); err != nil {
		return Quote{}, err
	}
	net = net.Round(money)
	if !net.IsPositive() {
		return Quote{}, fmt.Errorf("%w: net amount rounds to zero", ErrInvalidAmount)
	}

	// DivRound rounds the exact quotient once
	gross := net.Add(m.Fixed).DivRound(one.Sub(m.Rate), money)
	for gross.Sub(m.ProviderFee(gross)).LessThan(net) {
		gross = gross.Add(cent)
	}
	fee := gross.Sub(net)

	q := Quote{Net: net, Gross: gross, Fee: fee}
	if fee.GreaterThan(zero) {
		q.Message = fmt.Sprintf("A processing fee of $%s was added so the campaign receives $%s.", fee.StringFixed(2), net.StringFixed(2))
	} else {
		q.Message = fmt.Sprintf("No processing fee applies; the campaign receives $%s.", net.StringFixed(2))
	}
	return q, nil
}
