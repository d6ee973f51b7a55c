package quotaledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EstimateTokens provides a rough token count estimate for prompt texts.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(prompts ...string) int64 {
	var total int64
	for _, p := range prompts {
		// ~4 chars per token
		total += int64(len(p)) / 4
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// ModelPricing is the price configuration of one model.
type ModelPricing struct {
	ID            string          `yaml:"id"`
	PricePerToken decimal.Decimal `yaml:"price_per_token"`
	// MaxTokens is the token ceiling of a call. When set, reservations are
	// always quoted at the ceiling.
	MaxTokens int64           `yaml:"max_tokens"`
	MinCharge decimal.Decimal `yaml:"min_charge"`
}

// Pricer turns a model and a token estimate into the amount to reserve.
type Pricer struct {
	models map[string]ModelPricing
}

// NewPricer creates a Pricer for the given models.
func NewPricer(models []ModelPricing) *Pricer {
	p := &Pricer{models: make(map[string]ModelPricing, len(models))}
	for _, m := range models {
		p.models[m.ID] = m
	}
	return p
}

// Pricing returns the pricing of modelID.
func (p *Pricer) Pricing(modelID string) (ModelPricing, bool) {
	m, ok := p.models[modelID]
	return m, ok
}

// Quote returns the reservation amount for a call to modelID expected to use
// estimatedTokens. A model with a token ceiling is quoted at the ceiling even
// when the estimate is larger.
func (p *Pricer) Quote(modelID string, estimatedTokens int64) (decimal.Decimal, error) {
	m, ok := p.models[modelID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	tokens := estimatedTokens
	if m.MaxTokens > 0 {
		tokens = m.MaxTokens
	}
	if tokens <= 0 {
		return decimal.Zero, fmt.Errorf("%w: no token estimate for model %s", ErrInvalidAmount, modelID)
	}

	amount := m.PricePerToken.Mul(decimal.NewFromInt(tokens))
	if amount.LessThan(m.MinCharge) {
		amount = m.MinCharge
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: model %s quotes %s", ErrInvalidAmount, modelID, amount)
	}
	return amount, nil
}

// Amount resolves the amount to reserve. Priced models are quoted from the
// estimate (or their ceiling); requested is used for models without pricing,
// or for priced models without ceiling when no estimate is given.
func (p *Pricer) Amount(modelID string, estimatedTokens int64, requested decimal.Decimal) (decimal.Decimal, error) {
	m, ok := p.models[modelID]
	if ok && (m.MaxTokens > 0 || estimatedTokens > 0) {
		return p.Quote(modelID, estimatedTokens)
	}
	if !requested.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount is required for model %s", ErrInvalidAmount, modelID)
	}
	return requested, nil
}
