package quotaledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(3), EstimateTokens())
	// 40 chars / 4 + 4 overhead + 3 base
	assert.Equal(t, int64(17), EstimateTokens("0123456789012345678901234567890123456789"))
	assert.Equal(t, int64(13), EstimateTokens("abcd", "efgh"))
}

func testPricer() *Pricer {
	return NewPricer([]ModelPricing{
		{ID: "mini", PricePerToken: d("0.01"), MinCharge: d("1")},
		{ID: "capped", PricePerToken: d("0.002"), MaxTokens: 4000},
	})
}

func TestPricer_Quote(t *testing.T) {
	p := testPricer()

	got, err := p.Quote("mini", 250)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("2.5")), got.String())

	got, err = p.Quote("mini", 20)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("1")), "min charge applies, got %s", got)

	got, err = p.Quote("capped", 10)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("8")), "ceiling applies, got %s", got)

	_, err = p.Quote("unknown", 10)
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = NewPricer([]ModelPricing{{ID: "free", PricePerToken: decimal.Zero}}).Quote("free", 10)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPricer_Amount(t *testing.T) {
	p := testPricer()

	got, err := p.Amount("mini", 500, d("99"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("5")), "estimate wins over requested, got %s", got)

	got, err = p.Amount("mini", 0, d("7"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("7")))

	got, err = p.Amount("capped", 0, d("7"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("8")))

	got, err = p.Amount("unpriced", 100, d("3"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("3")))

	_, err = p.Amount("unpriced", 100, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPricer_Pricing(t *testing.T) {
	m, ok := testPricer().Pricing("capped")
	require.True(t, ok)
	assert.Equal(t, int64(4000), m.MaxTokens)

	_, ok = testPricer().Pricing("nope")
	assert.False(t, ok)
}
