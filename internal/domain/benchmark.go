// Package domain defines core data structures used throughout the benchmark engine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset symbols the synthetic basket holds.
const (
	AssetBTC = "BTC"
	AssetETH = "ETH"
)

// Weights target allocation of the synthetic basket. Must sum to 1.
type Weights struct {
	BTC decimal.Decimal `json:"btc"`
	ETH decimal.Decimal `json:"eth"`
}

// DefaultWeights returns the 50/50 BTC/ETH allocation.
func DefaultWeights() Weights {
	half := decimal.NewFromFloat(0.5)
	return Weights{BTC: half, ETH: half}
}

// Valid reports whether both weights are non-negative and sum to 1.
func (w Weights) Valid() bool {
	if w.BTC.IsNegative() || w.ETH.IsNegative() {
		return false
	}
	return w.BTC.Add(w.ETH).Equal(decimal.NewFromInt(1))
}

// Prices is a point-in-time quote for the basket assets, in USD.
type Prices struct {
	BTC decimal.Decimal `json:"btc"`
	ETH decimal.Decimal `json:"eth"`
}

// Valid reports whether both prices are strictly positive.
func (p Prices) Valid() bool {
	return p.BTC.IsPositive() && p.ETH.IsPositive()
}

// BenchmarkState is the live synthetic-basket holding of one account.
// Mutated only by the cashflow adjuster and the rebalancer; unit counts
// never go negative.
type BenchmarkState struct {
	AccountID       string
	BTCUnits        decimal.Decimal
	ETHUnits        decimal.Decimal
	Weights         Weights
	InitializedAt   *time.Time
	NextRebalanceAt *time.Time

	// Version is the optimistic-concurrency token used by compare-and-set
	// updates. Incremented on every successful write.
	Version   int64
	UpdatedAt time.Time
}

// Initialized reports whether the initial allocation has happened.
func (s *BenchmarkState) Initialized() bool {
	return s.InitializedAt != nil
}

// Value returns the basket's USD value at the given prices.
func (s *BenchmarkState) Value(prices Prices) decimal.Decimal {
	return s.BTCUnits.Mul(prices.BTC).Add(s.ETHUnits.Mul(prices.ETH))
}
