package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a cashflow relative to the account.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// EventKind identifies the upstream source category of a cashflow event.
type EventKind string

const (
	// KindRegular is an on-chain deposit or withdrawal.
	KindRegular EventKind = "REGULAR"
	// KindSubTransfer is one side of a sub-account <-> master transfer.
	KindSubTransfer EventKind = "SUB_TRANSFER"
	// KindPay is a peer-payment transfer.
	KindPay EventKind = "PAY"
	// KindDividend is a dividend or distribution credit.
	KindDividend EventKind = "DIVIDEND"
)

// CashflowEvent is the canonical, normalized form of an external money
// movement. Immutable once ingested into the ledger.
type CashflowEvent struct {
	// ID is unique per account and upstream source; it is the idempotency key.
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Direction Direction       `json:"direction"`
	Kind      EventKind       `json:"kind"`
	Asset     string          `json:"asset"`
	RawAmount decimal.Decimal `json:"raw_amount"`

	// USDValue is nil when no price could be resolved for the asset. Such
	// events stay in the ledger but are excluded from cashflow totals.
	USDValue  *decimal.Decimal `json:"usd_value,omitempty"`
	Timestamp time.Time        `json:"ts"`

	// Internal marks transfers between accounts under common control.
	Internal bool `json:"internal,omitempty"`
}

// Key returns the ledger dedup key for this event.
func (e *CashflowEvent) Key() string {
	return fmt.Sprintf("%s/%s", e.AccountID, e.ID)
}

// PriceMissing reports whether USD resolution failed for this event.
func (e *CashflowEvent) PriceMissing() bool {
	return e.USDValue == nil
}

// SignedUSD returns the event's USD value signed by direction, and false
// when the event carries no resolvable USD value.
func (e *CashflowEvent) SignedUSD() (decimal.Decimal, bool) {
	if e.USDValue == nil {
		return decimal.Zero, false
	}
	if e.Direction == DirectionOut {
		return e.USDValue.Neg(), true
	}
	return *e.USDValue, true
}

// NetCashflow sums the signed USD values of events, skipping those with no
// resolved price.
func NetCashflow(events []CashflowEvent) decimal.Decimal {
	net := decimal.Zero
	for i := range events {
		if v, ok := events[i].SignedUSD(); ok {
			net = net.Add(v)
		}
	}
	return net
}
