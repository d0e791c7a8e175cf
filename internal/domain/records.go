package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RebalanceStatus outcome of a rebalance attempt.
type RebalanceStatus string

const (
	RebalanceSuccess RebalanceStatus = "SUCCESS"
	RebalanceFailed  RebalanceStatus = "FAILED"
)

// ModificationRecord is the append-only audit record of one cashflow
// application to the basket. Never edited or deleted; corrections are new
// records.
type ModificationRecord struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Timestamp      time.Time       `json:"ts"`
	CashflowUSD    decimal.Decimal `json:"cashflow_usd"`
	BTCBefore      decimal.Decimal `json:"btc_before"`
	BTCAfter       decimal.Decimal `json:"btc_after"`
	ETHBefore      decimal.Decimal `json:"eth_before"`
	ETHAfter       decimal.Decimal `json:"eth_after"`
	Prices         Prices          `json:"prices"`
	SourceEventIDs []string        `json:"source_event_ids"`
}

// RebalanceRecord is the append-only audit record of one rebalance attempt,
// successful or failed. Failed attempts leave the basket untouched.
type RebalanceRecord struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Timestamp        time.Time       `json:"ts"`
	TotalValueBefore decimal.Decimal `json:"total_value_before"`
	Prices           Prices          `json:"prices"`
	BTCBefore        decimal.Decimal `json:"btc_before"`
	BTCAfter         decimal.Decimal `json:"btc_after"`
	ETHBefore        decimal.Decimal `json:"eth_before"`
	ETHAfter         decimal.Decimal `json:"eth_after"`
	Status           RebalanceStatus `json:"status"`
	Error            string          `json:"error,omitempty"`
}

// HistoryRecord is either a modification or a rebalance record, as they
// appear interleaved in an account's replayable history.
type HistoryRecord struct {
	Modification *ModificationRecord `json:"modification,omitempty"`
	Rebalance    *RebalanceRecord    `json:"rebalance,omitempty"`
}

// Time returns the record's timestamp regardless of variant.
func (r HistoryRecord) Time() time.Time {
	if r.Modification != nil {
		return r.Modification.Timestamp
	}
	if r.Rebalance != nil {
		return r.Rebalance.Timestamp
	}
	return time.Time{}
}
