// Package nav values a brokerage account in USD and records the NAV series
// used for benchmark comparison and history replay.
package nav

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/services/oracle"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

// BalanceProvider reports an account's spot holdings, asset to total
// quantity (free plus locked).
type BalanceProvider interface {
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

var stablecoins = map[string]struct{}{
	"USDT":  {},
	"USDC":  {},
	"BUSD":  {},
	"FDUSD": {},
	"DAI":   {},
	"USD":   {},
}

// Valuer computes the USD net asset value of one account.
type Valuer struct {
	balances BalanceProvider
	prices   oracle.PriceOracle
	log      *zap.Logger
}

func NewValuer(log *zap.Logger, balances BalanceProvider, prices oracle.PriceOracle) *Valuer {
	return &Valuer{balances: balances, prices: prices, log: log}
}

// NAV sums the account's holdings at current prices. Stablecoins are taken
// at par. Assets with no available price are skipped with a warning rather
// than failing the whole valuation.
func (v *Valuer) NAV(ctx context.Context) (decimal.Decimal, error) {
	balances, err := v.balances.Balances(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "fetch balances")
	}

	var symbols []string
	for asset, qty := range balances {
		if qty.IsZero() {
			continue
		}
		if _, stable := stablecoins[asset]; !stable {
			symbols = append(symbols, asset)
		}
	}

	priced := map[string]decimal.Decimal{}
	if len(symbols) > 0 {
		priced, err = v.prices.GetPrices(ctx, symbols)
		if err != nil {
			var unavailable *oracle.PriceUnavailableError
			if !errors.As(err, &unavailable) {
				return decimal.Zero, errors.Wrap(err, "fetch prices")
			}
		}
	}

	total := decimal.Zero
	for asset, qty := range balances {
		if qty.IsZero() {
			continue
		}
		if _, stable := stablecoins[asset]; stable {
			total = total.Add(qty)
			continue
		}
		price, ok := priced[asset]
		if !ok {
			v.log.Warn("no price for asset, excluded from nav",
				zap.String("asset", asset),
				zap.String("qty", qty.String()))
			continue
		}
		total = total.Add(qty.Mul(price))
	}

	return total, nil
}

// Recorder appends NAV observations to the persistent series.
type Recorder struct {
	states *state.Store
	log    *zap.Logger
}

func NewRecorder(log *zap.Logger, states *state.Store) *Recorder {
	return &Recorder{states: states, log: log}
}

// Record stores one observation of account NAV beside the benchmark value
// at the same prices.
func (r *Recorder) Record(st domain.BenchmarkState, nav decimal.Decimal, prices domain.Prices, now time.Time) error {
	benchmark := st.Value(prices)

	if err := r.states.RecordNAV(domain.NAVSnapshot{
		AccountID:      st.AccountID,
		Timestamp:      now.UTC(),
		NAV:            nav,
		BenchmarkValue: benchmark,
		Prices:         prices,
	}); err != nil {
		return errors.Wrapf(err, "record nav for %s", st.AccountID)
	}

	r.log.Info("nav recorded",
		zap.String("account", st.AccountID),
		zap.String("nav", nav.String()),
		zap.String("benchmark", benchmark.String()))

	return nil
}
