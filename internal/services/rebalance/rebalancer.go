// Package rebalance initializes each account's synthetic basket and drifts
// it back to target weights on a weekly schedule.
package rebalance

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/internal/basket"
	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/storage/ledger"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

// Rebalancer drives the UNINITIALIZED -> ACTIVE -> (REBALANCING -> ACTIVE)
// lifecycle of one account's basket. Callers must guarantee a single active
// writer per account.
type Rebalancer struct {
	ledger  *ledger.Ledger
	states  *state.Store
	weekday time.Weekday
	hour    int
	log     *zap.Logger
}

func New(log *zap.Logger, l *ledger.Ledger, s *state.Store, weekday time.Weekday, hour int) *Rebalancer {
	return &Rebalancer{
		ledger:  l,
		states:  s,
		weekday: weekday,
		hour:    hour,
		log:     log,
	}
}

// Initialize splits the account's NAV into basket units at target weights.
// Called the first time a NAV reading exists for an uninitialized account.
// The NAV snapshot used is recorded so the allocation is replayable.
func (r *Rebalancer) Initialize(st domain.BenchmarkState, nav decimal.Decimal, prices domain.Prices, now time.Time) (domain.BenchmarkState, error) {
	if st.Initialized() {
		return st, errors.Errorf("account %s is already initialized", st.AccountID)
	}

	units, err := basket.InitialSplit(nav, st.Weights, prices)
	if err != nil {
		return st, errors.Wrapf(err, "initial split for %s", st.AccountID)
	}

	now = now.UTC()
	next := NextOccurrence(now, r.weekday, r.hour)

	updated := st
	updated.BTCUnits = units.BTC
	updated.ETHUnits = units.ETH
	updated.InitializedAt = &now
	updated.NextRebalanceAt = &next

	if err := r.states.RecordNAV(domain.NAVSnapshot{
		AccountID:      st.AccountID,
		Timestamp:      now,
		NAV:            nav,
		BenchmarkValue: nav,
		Prices:         prices,
	}); err != nil {
		return st, errors.Wrapf(err, "record initial nav for %s", st.AccountID)
	}

	if err := r.states.CompareAndSet(st.Version, updated); err != nil {
		return st, errors.Wrapf(err, "persist initial allocation for %s", st.AccountID)
	}
	updated.Version = st.Version + 1

	r.log.Info("initialized benchmark basket",
		zap.String("account", st.AccountID),
		zap.String("nav", nav.String()),
		zap.String("btc_units", units.BTC.String()),
		zap.String("eth_units", units.ETH.String()),
		zap.Time("next_rebalance_at", next))

	return updated, nil
}

// Tick rebalances the basket if the schedule is due. The state update is
// all-or-nothing: on any failure the state is left untouched, a FAILED
// record is written for audit and next_rebalance_at is not advanced, so the
// next tick retries the same slot.
func (r *Rebalancer) Tick(st domain.BenchmarkState, prices domain.Prices, now time.Time) (domain.BenchmarkState, *domain.RebalanceRecord, error) {
	if !st.Initialized() || st.NextRebalanceAt == nil || now.Before(*st.NextRebalanceAt) {
		return st, nil, nil
	}

	before := basket.Units{BTC: st.BTCUnits, ETH: st.ETHUnits}
	valueBefore := before.Value(prices)

	after, err := basket.Rebalance(before, st.Weights, prices)
	if err != nil {
		return st, nil, r.fail(st, before, valueBefore, prices, now, err)
	}

	next := nextAfter(now.UTC(), r.weekday, r.hour)

	// the units and the schedule move in one row write before the record
	// is appended, so a slot can never execute twice; a crash between the
	// two leaves a missing success record, which validation reports
	updated := st
	updated.BTCUnits = after.BTC
	updated.ETHUnits = after.ETH
	updated.NextRebalanceAt = &next

	if err := r.states.CompareAndSet(st.Version, updated); err != nil {
		return st, nil, r.fail(st, before, valueBefore, prices, now, err)
	}
	updated.Version = st.Version + 1

	rec := domain.RebalanceRecord{
		ID:               uuid.NewString(),
		AccountID:        st.AccountID,
		Timestamp:        now.UTC(),
		TotalValueBefore: valueBefore,
		Prices:           prices,
		BTCBefore:        before.BTC,
		BTCAfter:         after.BTC,
		ETHBefore:        before.ETH,
		ETHAfter:         after.ETH,
		Status:           domain.RebalanceSuccess,
	}
	if err := r.ledger.AppendRebalance(rec); err != nil {
		// state already moved; surface loudly so the validator's report of
		// the missing record gets operator attention
		return updated, nil, errors.Wrapf(err, "record rebalance for %s", st.AccountID)
	}

	r.log.Info("rebalanced benchmark basket",
		zap.String("account", st.AccountID),
		zap.String("value", valueBefore.String()),
		zap.String("btc_units", after.BTC.String()),
		zap.String("eth_units", after.ETH.String()),
		zap.Time("next_rebalance_at", next))

	return updated, &rec, nil
}

// fail writes a FAILED audit record, leaving state and schedule untouched.
func (r *Rebalancer) fail(st domain.BenchmarkState, before basket.Units, valueBefore decimal.Decimal, prices domain.Prices, now time.Time, cause error) error {
	rec := domain.RebalanceRecord{
		ID:               uuid.NewString(),
		AccountID:        st.AccountID,
		Timestamp:        now.UTC(),
		TotalValueBefore: valueBefore,
		Prices:           prices,
		BTCBefore:        before.BTC,
		BTCAfter:         before.BTC,
		ETHBefore:        before.ETH,
		ETHAfter:         before.ETH,
		Status:           domain.RebalanceFailed,
		Error:            cause.Error(),
	}
	if err := r.ledger.AppendRebalance(rec); err != nil {
		r.log.Error("failed to write rebalance failure record",
			zap.String("account", st.AccountID),
			zap.Error(err))
	}

	return errors.Wrapf(cause, "rebalance %s", st.AccountID)
}

// NextOccurrence returns the first weekday+hour slot at or after t.
func NextOccurrence(t time.Time, weekday time.Weekday, hour int) time.Time {
	days := (int(weekday) - int(t.Weekday()) + 7) % 7
	candidate := time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location()).AddDate(0, 0, days)
	if candidate.Before(t) {
		candidate = candidate.AddDate(0, 0, 7)
	}

	return candidate
}

// nextAfter returns the first weekday+hour slot strictly after t, so a slot
// is never executed twice.
func nextAfter(t time.Time, weekday time.Weekday, hour int) time.Time {
	candidate := NextOccurrence(t, weekday, hour)
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 0, 7)
	}

	return candidate
}
