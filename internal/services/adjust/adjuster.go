// Package adjust applies net external cashflow to an account's synthetic
// basket and records every application in the append-only ledger.
package adjust

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/internal/basket"
	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/storage/ledger"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

// ErrRecordMismatch reports a modification record that covers the pending
// event set but matches neither the before nor the after units of the live
// state. Re-deriving on top of it would double-count the cashflow, so the
// batch is held for operator attention instead.
var ErrRecordMismatch = errors.New("modification record does not match live state")

// Adjuster mutates benchmark state for cashflows. Callers must guarantee a
// single active writer per account.
type Adjuster struct {
	ledger *ledger.Ledger
	states *state.Store
	log    *zap.Logger
}

func New(log *zap.Logger, l *ledger.Ledger, s *state.Store) *Adjuster {
	return &Adjuster{ledger: l, states: s, log: log}
}

// Apply aggregates the pending events into one net USD cashflow and applies
// it to the basket at current prices.
//
// The net amount is applied once at current prices rather than event-by-event
// at historical prices. This matches the batch cadence of the engine and can
// introduce small skew when events within one batch span a large price move;
// the record stores the prices actually used so replay stays exact.
//
// The modification record is written before the state compare-and-set. If
// the process dies between the two, the next cycle finds the record by its
// source event set and completes the state write instead of applying the
// cashflow twice. A record whose units match neither side of the live state
// fails with ErrRecordMismatch rather than re-deriving.
func (a *Adjuster) Apply(st domain.BenchmarkState, events []domain.CashflowEvent, prices domain.Prices, now time.Time) (domain.BenchmarkState, *domain.ModificationRecord, error) {
	if len(events) == 0 {
		return st, nil, nil
	}

	ids := eventIDs(events)

	if rec, ok := a.pendingRecord(st.AccountID, ids); ok {
		switch {
		case rec.BTCBefore.Equal(st.BTCUnits) && rec.ETHBefore.Equal(st.ETHUnits):
			a.log.Warn("found unapplied modification record, completing state write",
				zap.String("account", st.AccountID),
				zap.String("record", rec.ID))
			return a.finish(st, rec)
		case rec.BTCAfter.Equal(st.BTCUnits) && rec.ETHAfter.Equal(st.ETHUnits):
			// the state write landed but the checkpoint never advanced;
			// nothing left to redo
			a.log.Info("pending events already applied",
				zap.String("account", st.AccountID),
				zap.String("record", rec.ID))
			return st, nil, nil
		default:
			return st, nil, errors.Wrapf(ErrRecordMismatch,
				"record %s for account %s", rec.ID, st.AccountID)
		}
	}

	net := domain.NetCashflow(events)
	if net.IsZero() {
		a.log.Info("net cashflow is zero, nothing to apply",
			zap.String("account", st.AccountID),
			zap.Int("events", len(events)))
		return st, nil, nil
	}

	before := basket.Units{BTC: st.BTCUnits, ETH: st.ETHUnits}
	after, err := basket.ApplyCashflow(before, net, st.Weights, prices)
	if err != nil {
		if errors.Is(err, basket.ErrEmptyBasket) {
			a.log.Warn("withdrawal against empty basket, skipping",
				zap.String("account", st.AccountID),
				zap.String("net_usd", net.String()))
			return st, nil, nil
		}
		return st, nil, errors.Wrapf(err, "apply cashflow for %s", st.AccountID)
	}

	rec := domain.ModificationRecord{
		ID:             uuid.NewString(),
		AccountID:      st.AccountID,
		Timestamp:      now.UTC(),
		CashflowUSD:    net,
		BTCBefore:      before.BTC,
		BTCAfter:       after.BTC,
		ETHBefore:      before.ETH,
		ETHAfter:       after.ETH,
		Prices:         prices,
		SourceEventIDs: ids,
	}

	if err := a.ledger.AppendModification(rec); err != nil {
		return st, nil, errors.Wrapf(err, "record modification for %s", st.AccountID)
	}

	updated, rec2, err := a.finish(st, rec)
	if err != nil {
		return st, nil, err
	}

	a.log.Info("applied cashflow to benchmark",
		zap.String("account", st.AccountID),
		zap.String("net_usd", net.String()),
		zap.String("btc_units", updated.BTCUnits.String()),
		zap.String("eth_units", updated.ETHUnits.String()),
		zap.Int("events", len(events)))

	return updated, rec2, nil
}

// finish moves the live state to the record's after-units via CAS.
func (a *Adjuster) finish(st domain.BenchmarkState, rec domain.ModificationRecord) (domain.BenchmarkState, *domain.ModificationRecord, error) {
	updated := st
	updated.BTCUnits = rec.BTCAfter
	updated.ETHUnits = rec.ETHAfter

	if err := a.states.CompareAndSet(st.Version, updated); err != nil {
		return st, nil, errors.Wrapf(err, "persist benchmark state for %s", st.AccountID)
	}
	updated.Version = st.Version + 1

	return updated, &rec, nil
}

// pendingRecord looks for the most recent modification record that covers
// exactly the pending event set. The caller decides from its before and
// after units whether the state write never landed, already landed, or the
// record no longer matches the live state at all.
func (a *Adjuster) pendingRecord(accountID string, pendingIDs []string) (domain.ModificationRecord, bool) {
	history := a.ledger.History(accountID)
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i].Modification
		if rec == nil {
			continue
		}
		if sameIDs(rec.SourceEventIDs, pendingIDs) {
			return *rec, true
		}
	}

	return domain.ModificationRecord{}, false
}

func eventIDs(events []domain.CashflowEvent) []string {
	ids := make([]string, 0, len(events))
	for i := range events {
		ids = append(ids, events[i].ID)
	}
	sort.Strings(ids)

	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	sort.Strings(as)
	for i := range as {
		if as[i] != b[i] {
			return false
		}
	}

	return true
}

// MaxEventTime returns the latest timestamp in the batch; the caller
// advances the ingestion checkpoint to it after a successful application.
func MaxEventTime(events []domain.CashflowEvent) time.Time {
	var max time.Time
	for i := range events {
		if events[i].Timestamp.After(max) {
			max = events[i].Timestamp
		}
	}

	return max
}
