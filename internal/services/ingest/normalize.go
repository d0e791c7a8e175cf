package ingest

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/benchwatch/benchwatch/internal/domain"
)

// stablecoins valued at par without an oracle lookup.
var stablecoins = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"BUSD":  true,
	"FDUSD": true,
	"DAI":   true,
	"USD":   true,
}

var knownKinds = map[domain.EventKind]bool{
	domain.KindRegular:     true,
	domain.KindSubTransfer: true,
	domain.KindPay:         true,
	domain.KindDividend:    true,
}

// normalize converts a raw upstream record into a canonical cashflow event
// for the account. The USD value is left unresolved; resolveUSD fills it in
// once batch prices are known.
func normalize(raw RawRecord, accountID string) (domain.CashflowEvent, error) {
	if raw.SourceID == "" {
		return domain.CashflowEvent{}, errors.New("record has no transaction id")
	}
	if raw.Asset == "" {
		return domain.CashflowEvent{}, errors.Errorf("record %s has no asset", raw.SourceID)
	}
	if raw.Direction != domain.DirectionIn && raw.Direction != domain.DirectionOut {
		return domain.CashflowEvent{}, errors.Errorf("record %s has invalid direction %q", raw.SourceID, raw.Direction)
	}
	if !knownKinds[raw.Kind] {
		return domain.CashflowEvent{}, errors.Errorf("record %s has unknown kind %q", raw.SourceID, raw.Kind)
	}
	if raw.Timestamp.IsZero() {
		return domain.CashflowEvent{}, errors.Errorf("record %s has no timestamp", raw.SourceID)
	}

	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return domain.CashflowEvent{}, errors.Wrapf(err, "record %s has malformed amount %q", raw.SourceID, raw.Amount)
	}
	if !amount.IsPositive() {
		return domain.CashflowEvent{}, errors.Errorf("record %s has non-positive amount %s", raw.SourceID, amount)
	}

	return domain.CashflowEvent{
		ID:        raw.SourceID,
		AccountID: accountID,
		Direction: raw.Direction,
		Kind:      raw.Kind,
		Asset:     raw.Asset,
		RawAmount: amount,
		// checkpoints persist at millisecond precision; keep event times at
		// the same precision so applied events never reappear as pending
		Timestamp: raw.Timestamp.UTC().Truncate(time.Millisecond),
		Internal:  raw.Internal,
	}, nil
}

// resolveUSD values the event against the batch prices. Stablecoins are
// valued at par. When no price is known the USD value stays nil and the
// event is excluded from cashflow totals downstream.
func resolveUSD(e *domain.CashflowEvent, prices map[string]decimal.Decimal) {
	if stablecoins[e.Asset] {
		v := e.RawAmount
		e.USDValue = &v
		return
	}

	price, ok := prices[e.Asset]
	if !ok || !price.IsPositive() {
		return
	}

	v := e.RawAmount.Mul(price)
	e.USDValue = &v
}
