package basket

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/benchwatch/benchwatch/internal/domain"
)

var (
	tolUnits  = decimal.New(1, -6)
	tolWeight = decimal.New(1, -6)
)

func testPrices(btc, eth int64) domain.Prices {
	return domain.Prices{
		BTC: decimal.NewFromInt(btc),
		ETH: decimal.NewFromInt(eth),
	}
}

func TestInitialSplit(t *testing.T) {
	prices := testPrices(65000, 3500)
	nav := decimal.NewFromInt(10000)

	units, err := InitialSplit(nav, domain.DefaultWeights(), prices)
	require.NoError(t, err)

	wantBTC := decimal.RequireFromString("0.0769230769")
	wantETH := decimal.RequireFromString("1.42857143")
	require.True(t, WithinTolerance(units.BTC, wantBTC, tolUnits),
		"btc units: got %s want %s", units.BTC, wantBTC)
	require.True(t, WithinTolerance(units.ETH, wantETH, tolUnits),
		"eth units: got %s want %s", units.ETH, wantETH)
}

func TestInitialSplit_InvalidInputs(t *testing.T) {
	_, err := InitialSplit(decimal.NewFromInt(100), domain.DefaultWeights(), domain.Prices{})
	require.Error(t, err)

	_, err = InitialSplit(decimal.NewFromInt(-1), domain.DefaultWeights(), testPrices(65000, 3500))
	require.Error(t, err)
}

func TestApplyCashflow_Deposit(t *testing.T) {
	prices := testPrices(65000, 3500)
	before := Units{
		BTC: decimal.RequireFromString("0.05"),
		ETH: decimal.RequireFromString("1.0"),
	}

	after, err := ApplyCashflow(before, decimal.NewFromInt(1000), domain.DefaultWeights(), prices)
	require.NoError(t, err)

	deltaBTC := after.BTC.Sub(before.BTC)
	deltaETH := after.ETH.Sub(before.ETH)
	require.True(t, WithinTolerance(deltaBTC, decimal.RequireFromString("0.00769231"), tolUnits),
		"btc delta: got %s", deltaBTC)
	require.True(t, WithinTolerance(deltaETH, decimal.RequireFromString("0.14285714"), tolUnits),
		"eth delta: got %s", deltaETH)
}

func TestApplyCashflow_Withdrawal(t *testing.T) {
	// basket worth exactly $10,000: 0.1*65000 + 1.0*3500
	prices := testPrices(65000, 3500)
	before := Units{
		BTC: decimal.RequireFromString("0.1"),
		ETH: decimal.RequireFromString("1.0"),
	}
	require.True(t, before.Value(prices).Equal(decimal.NewFromInt(10000)))

	after, err := ApplyCashflow(before, decimal.NewFromInt(-1000), domain.DefaultWeights(), prices)
	require.NoError(t, err)
	require.True(t, after.BTC.Equal(decimal.RequireFromString("0.09")), "btc: %s", after.BTC)
	require.True(t, after.ETH.Equal(decimal.RequireFromString("0.9")), "eth: %s", after.ETH)
}

func TestApplyCashflow_WithdrawalPreservesRatio(t *testing.T) {
	prices := testPrices(64123, 3311)
	before := Units{
		BTC: decimal.RequireFromString("0.3217"),
		ETH: decimal.RequireFromString("4.8821"),
	}
	after, err := ApplyCashflow(before, decimal.NewFromInt(-777), domain.DefaultWeights(), prices)
	require.NoError(t, err)

	ratioBefore := before.BTC.Div(before.ETH)
	ratioAfter := after.BTC.Div(after.ETH)
	require.True(t, WithinTolerance(ratioBefore, ratioAfter, decimal.New(1, -12)),
		"ratio drifted: %s -> %s", ratioBefore, ratioAfter)
}

func TestApplyCashflow_WithdrawalExceedsValue(t *testing.T) {
	prices := testPrices(65000, 3500)
	before := Units{
		BTC: decimal.RequireFromString("0.001"),
		ETH: decimal.RequireFromString("0.01"),
	}

	after, err := ApplyCashflow(before, decimal.NewFromInt(-1000000), domain.DefaultWeights(), prices)
	require.NoError(t, err)
	require.True(t, after.BTC.IsZero(), "btc clamped to zero, got %s", after.BTC)
	require.True(t, after.ETH.IsZero(), "eth clamped to zero, got %s", after.ETH)
}

func TestApplyCashflow_EmptyBasketWithdrawal(t *testing.T) {
	prices := testPrices(65000, 3500)
	before := Units{BTC: decimal.Zero, ETH: decimal.Zero}

	after, err := ApplyCashflow(before, decimal.NewFromInt(-500), domain.DefaultWeights(), prices)
	require.ErrorIs(t, err, ErrEmptyBasket)
	require.True(t, after.BTC.Equal(before.BTC))
	require.True(t, after.ETH.Equal(before.ETH))
}

func TestApplyCashflow_ZeroIsNoop(t *testing.T) {
	before := Units{
		BTC: decimal.RequireFromString("0.2"),
		ETH: decimal.RequireFromString("2.5"),
	}
	after, err := ApplyCashflow(before, decimal.Zero, domain.DefaultWeights(), testPrices(65000, 3500))
	require.NoError(t, err)
	require.True(t, after.BTC.Equal(before.BTC))
	require.True(t, after.ETH.Equal(before.ETH))
}

func TestRebalance_RestoresTargetWeights(t *testing.T) {
	prices := testPrices(70000, 3000)
	// drifted holding, far from 50/50
	drifted := Units{
		BTC: decimal.RequireFromString("0.25"),
		ETH: decimal.RequireFromString("0.7"),
	}
	w := domain.DefaultWeights()

	after, err := Rebalance(drifted, w, prices)
	require.NoError(t, err)

	value := after.Value(prices)
	require.True(t, WithinTolerance(value, drifted.Value(prices), tolUnits),
		"rebalance changed total value: %s -> %s", drifted.Value(prices), value)

	btcShare := after.BTC.Mul(prices.BTC).Div(value)
	ethShare := after.ETH.Mul(prices.ETH).Div(value)
	require.True(t, WithinTolerance(btcShare, w.BTC, tolWeight), "btc share %s", btcShare)
	require.True(t, WithinTolerance(ethShare, w.ETH, tolWeight), "eth share %s", ethShare)
}

func TestRebalance_InvalidPrices(t *testing.T) {
	_, err := Rebalance(Units{}, domain.DefaultWeights(), domain.Prices{})
	require.Error(t, err)
}
