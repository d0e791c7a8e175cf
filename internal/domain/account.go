package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a monitored brokerage account.
type Account struct {
	// ID is the stable internal identifier used to key all state.
	ID string
	// Platform names the upstream brokerage (currently "binance").
	Platform string
}

// Checkpoint marks the timestamp boundary up to which an account's upstream
// transaction history has been fully ingested and applied. Advanced only
// after a batch is durably recorded and applied.
type Checkpoint struct {
	AccountID     string
	LastProcessed time.Time
}

// NAVSnapshot is one row of the NAV/benchmark time series.
type NAVSnapshot struct {
	AccountID      string
	Timestamp      time.Time
	NAV            decimal.Decimal
	BenchmarkValue decimal.Decimal
	Prices         Prices
}
