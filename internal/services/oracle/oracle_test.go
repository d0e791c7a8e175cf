package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/pkg/retrier"
)

// noRetry keeps failure-path tests fast.
func noRetry(o *Fallback) *Fallback {
	o.retrier = retrier.New(retrier.WithMaxRetries(0))
	return o
}

type fakeSource struct {
	name   string
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Decimal{}, f.err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Decimal{}, errors.New("unknown symbol")
	}
	return p, nil
}

func TestFallback_PrimaryWins(t *testing.T) {
	primary := &fakeSource{name: "primary", prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(65000),
		"ETH": decimal.NewFromInt(3500),
	}}
	secondary := &fakeSource{name: "secondary", prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(1),
	}}

	o := NewFallback(zap.NewNop(), primary, secondary)

	prices, err := o.GetPrices(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.True(t, prices["BTC"].Equal(decimal.NewFromInt(65000)))
	require.True(t, prices["ETH"].Equal(decimal.NewFromInt(3500)))
	require.Zero(t, secondary.calls, "secondary must not be hit when primary answers")
}

func TestFallback_FailsOverPerSymbol(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("transport down")}
	secondary := &fakeSource{name: "secondary", prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(64990),
	}}

	o := noRetry(NewFallback(zap.NewNop(), primary, secondary))

	prices, err := o.GetPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	require.True(t, prices["BTC"].Equal(decimal.NewFromInt(64990)))
}

func TestFallback_PartialResultSurfaced(t *testing.T) {
	src := &fakeSource{name: "only", prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(65000),
	}}

	o := noRetry(NewFallback(zap.NewNop(), src))

	prices, err := o.GetPrices(context.Background(), []string{"BTC", "ETH"})

	var unavailable *PriceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, []string{"ETH"}, unavailable.Missing)

	// partial result is still usable, not zero-filled
	require.Len(t, prices, 1)
	require.True(t, prices["BTC"].Equal(decimal.NewFromInt(65000)))
}

func TestFallback_NonPositivePriceRejected(t *testing.T) {
	bad := &fakeSource{name: "bad", prices: map[string]decimal.Decimal{
		"BTC": decimal.Zero,
	}}
	good := &fakeSource{name: "good", prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(65000),
	}}

	o := noRetry(NewFallback(zap.NewNop(), bad, good))

	prices, err := o.GetPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	require.True(t, prices["BTC"].Equal(decimal.NewFromInt(65000)))
}
