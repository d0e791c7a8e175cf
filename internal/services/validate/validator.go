// Package validate replays an account's full audit history and checks every
// recorded state transition against an independent recomputation.
package validate

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/internal/basket"
	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/storage/ledger"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

// tolerance absorbs decimal division rounding, nothing more. A real
// bookkeeping bug shows up orders of magnitude above it.
var tolerance = decimal.New(1, -7)

// Discrepancy is a single mismatch between a recorded value and the value
// recomputed from the record's own inputs.
type Discrepancy struct {
	RecordID string
	Field    string
	Expected decimal.Decimal
	Recorded decimal.Decimal
}

// Report is the outcome of one validation run.
type Report struct {
	AccountID     string
	Checked       int
	Discrepancies []Discrepancy
}

func (r Report) IsConsistent() bool {
	return len(r.Discrepancies) == 0
}

// Validator cross-checks the append-only history against the live state.
// It never mutates anything.
type Validator struct {
	ledger *ledger.Ledger
	states *state.Store
	log    *zap.Logger
}

func New(log *zap.Logger, l *ledger.Ledger, s *state.Store) *Validator {
	return &Validator{ledger: l, states: s, log: log}
}

// Validate rebuilds the account's basket from the initial NAV snapshot and
// the audit trail, checking each record's after values against what the
// bookkeeping formulas produce from its before values, and the final result
// against the live state.
func (v *Validator) Validate(accountID string) (Report, error) {
	report := Report{AccountID: accountID}

	st, err := v.states.Get(accountID)
	if err != nil {
		return report, errors.Wrapf(err, "load state for %s", accountID)
	}
	if !st.Initialized() {
		return report, nil
	}

	snap, err := v.states.NAVSnapshotAt(accountID, *st.InitializedAt)
	if err != nil {
		return report, errors.Wrapf(err, "load initial nav snapshot for %s", accountID)
	}

	running, err := basket.InitialSplit(snap.NAV, st.Weights, snap.Prices)
	if err != nil {
		return report, errors.Wrapf(err, "replay initial split for %s", accountID)
	}

	for _, h := range v.ledger.History(accountID) {
		switch {
		case h.Modification != nil:
			running = v.checkModification(&report, running, st.Weights, *h.Modification)
		case h.Rebalance != nil && h.Rebalance.Status == domain.RebalanceSuccess:
			running = v.checkRebalance(&report, running, st.Weights, *h.Rebalance)
		}
	}

	v.compare(&report, "", "btc_units", running.BTC, st.BTCUnits)
	v.compare(&report, "", "eth_units", running.ETH, st.ETHUnits)

	if !report.IsConsistent() {
		v.log.Warn("history does not reproduce live state",
			zap.String("account", accountID),
			zap.Int("records_checked", report.Checked),
			zap.Int("discrepancies", len(report.Discrepancies)))
	}

	return report, nil
}

func (v *Validator) checkModification(report *Report, running basket.Units, w domain.Weights, rec domain.ModificationRecord) basket.Units {
	report.Checked++

	v.compare(report, rec.ID, "btc_before", running.BTC, rec.BTCBefore)
	v.compare(report, rec.ID, "eth_before", running.ETH, rec.ETHBefore)

	before := basket.Units{BTC: rec.BTCBefore, ETH: rec.ETHBefore}
	expected, err := basket.ApplyCashflow(before, rec.CashflowUSD, w, rec.Prices)
	if err != nil {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			RecordID: rec.ID,
			Field:    "recompute",
			Recorded: rec.BTCAfter,
		})
		return basket.Units{BTC: rec.BTCAfter, ETH: rec.ETHAfter}
	}

	v.compare(report, rec.ID, "btc_after", expected.BTC, rec.BTCAfter)
	v.compare(report, rec.ID, "eth_after", expected.ETH, rec.ETHAfter)

	// chain on the recorded values so one bad record yields one finding
	// instead of cascading through the rest of the history
	return basket.Units{BTC: rec.BTCAfter, ETH: rec.ETHAfter}
}

func (v *Validator) checkRebalance(report *Report, running basket.Units, w domain.Weights, rec domain.RebalanceRecord) basket.Units {
	report.Checked++

	v.compare(report, rec.ID, "btc_before", running.BTC, rec.BTCBefore)
	v.compare(report, rec.ID, "eth_before", running.ETH, rec.ETHBefore)

	before := basket.Units{BTC: rec.BTCBefore, ETH: rec.ETHBefore}
	expected, err := basket.Rebalance(before, w, rec.Prices)
	if err != nil {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			RecordID: rec.ID,
			Field:    "recompute",
			Recorded: rec.BTCAfter,
		})
		return basket.Units{BTC: rec.BTCAfter, ETH: rec.ETHAfter}
	}

	v.compare(report, rec.ID, "btc_after", expected.BTC, rec.BTCAfter)
	v.compare(report, rec.ID, "eth_after", expected.ETH, rec.ETHAfter)

	return basket.Units{BTC: rec.BTCAfter, ETH: rec.ETHAfter}
}

func (v *Validator) compare(report *Report, recordID, field string, expected, recorded decimal.Decimal) {
	if expected.Sub(recorded).Abs().LessThanOrEqual(tolerance) {
		return
	}
	report.Discrepancies = append(report.Discrepancies, Discrepancy{
		RecordID: recordID,
		Field:    field,
		Expected: expected,
		Recorded: recorded,
	})
}
