// Package basket holds the stateless synthetic-basket arithmetic. Both the
// live adjustment/rebalance path and the consistency validator go through
// these functions, so there is exactly one implementation of the math.
package basket

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/benchwatch/benchwatch/internal/domain"
)

// ErrEmptyBasket is returned when a withdrawal is applied to a basket with
// zero value. Callers treat it as a no-op with a warning.
var ErrEmptyBasket = errors.New("cannot redeem from an empty basket")

var one = decimal.NewFromInt(1)

// Units is a basket holding expressed in asset units.
type Units struct {
	BTC decimal.Decimal
	ETH decimal.Decimal
}

// Value returns the holding's USD value at the given prices.
func (u Units) Value(prices domain.Prices) decimal.Decimal {
	return u.BTC.Mul(prices.BTC).Add(u.ETH.Mul(prices.ETH))
}

// InitialSplit converts a NAV reading into basket units at target weights.
func InitialSplit(nav decimal.Decimal, w domain.Weights, prices domain.Prices) (Units, error) {
	if !prices.Valid() {
		return Units{}, errors.Errorf("invalid prices: btc=%s eth=%s", prices.BTC, prices.ETH)
	}
	if nav.IsNegative() {
		return Units{}, errors.Errorf("negative nav %s", nav)
	}
	return Units{
		BTC: nav.Mul(w.BTC).Div(prices.BTC),
		ETH: nav.Mul(w.ETH).Div(prices.ETH),
	}, nil
}

// ApplyCashflow mutates a holding for a net external cashflow.
//
// Deposits buy both assets at target weights. Withdrawals redeem both assets
// pro rata, preserving the current allocation ratio; the redemption ratio is
// clamped to 1 so units never go negative when a withdrawal nominally
// exceeds the synthetic value.
func ApplyCashflow(u Units, netUSD decimal.Decimal, w domain.Weights, prices domain.Prices) (Units, error) {
	if netUSD.IsZero() {
		return u, nil
	}
	if !prices.Valid() {
		return Units{}, errors.Errorf("invalid prices: btc=%s eth=%s", prices.BTC, prices.ETH)
	}

	if netUSD.IsPositive() {
		return Units{
			BTC: u.BTC.Add(netUSD.Mul(w.BTC).Div(prices.BTC)),
			ETH: u.ETH.Add(netUSD.Mul(w.ETH).Div(prices.ETH)),
		}, nil
	}

	value := u.Value(prices)
	if !value.IsPositive() {
		return u, ErrEmptyBasket
	}

	ratio := netUSD.Abs().Div(value)
	if ratio.GreaterThan(one) {
		ratio = one
	}
	keep := one.Sub(ratio)

	return Units{
		BTC: u.BTC.Mul(keep),
		ETH: u.ETH.Mul(keep),
	}, nil
}

// Rebalance resets a holding to target weights at current prices, keeping
// total value unchanged.
func Rebalance(u Units, w domain.Weights, prices domain.Prices) (Units, error) {
	if !prices.Valid() {
		return Units{}, errors.Errorf("invalid prices: btc=%s eth=%s", prices.BTC, prices.ETH)
	}
	value := u.Value(prices)
	return Units{
		BTC: value.Mul(w.BTC).Div(prices.BTC),
		ETH: value.Mul(w.ETH).Div(prices.ETH),
	}, nil
}

// WithinTolerance reports whether two unit counts differ by no more than tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}
