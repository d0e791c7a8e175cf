package validate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/services/adjust"
	"github.com/benchwatch/benchwatch/internal/services/rebalance"
	"github.com/benchwatch/benchwatch/internal/storage/ledger"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

type fixture struct {
	validator  *Validator
	ledger     *ledger.Ledger
	states     *state.Store
	adjuster   *adjust.Adjuster
	rebalancer *rebalance.Rebalancer
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	l, err := ledger.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := zap.NewNop()

	return fixture{
		validator:  New(log, l, s),
		ledger:     l,
		states:     s,
		adjuster:   adjust.New(log, l, s),
		rebalancer: rebalance.New(log, l, s, time.Monday, 0),
	}
}

func stdPrices() domain.Prices {
	return domain.Prices{
		BTC: decimal.NewFromInt(65000),
		ETH: decimal.NewFromInt(3500),
	}
}

func deposit(id string, usd int64, ts time.Time) domain.CashflowEvent {
	v := decimal.NewFromInt(usd)
	return domain.CashflowEvent{
		ID:        id,
		AccountID: "acc1",
		Direction: domain.DirectionIn,
		Kind:      domain.KindRegular,
		Asset:     "USDT",
		RawAmount: v,
		USDValue:  &v,
		Timestamp: ts,
	}
}

// buildHistory drives the real services so the audit trail matches what
// production writes: initial split, one deposit, one scheduled rebalance.
func buildHistory(t *testing.T, f fixture) domain.BenchmarkState {
	t.Helper()

	require.NoError(t, f.states.Create(domain.BenchmarkState{
		AccountID: "acc1",
		Weights:   domain.DefaultWeights(),
	}))
	st, err := f.states.Get("acc1")
	require.NoError(t, err)

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	st, err = f.rebalancer.Initialize(st, decimal.NewFromInt(10000), stdPrices(), now)
	require.NoError(t, err)

	prices := domain.Prices{BTC: decimal.NewFromInt(70000), ETH: decimal.NewFromInt(3000)}
	st, _, err = f.adjuster.Apply(st, []domain.CashflowEvent{deposit("DEP_1", 2000, now.Add(time.Hour))}, prices, now.Add(time.Hour))
	require.NoError(t, err)

	st, rec, err := f.rebalancer.Tick(st, stdPrices(), *st.NextRebalanceAt)
	require.NoError(t, err)
	require.NotNil(t, rec)

	return st
}

func TestValidate_ConsistentHistory(t *testing.T) {
	f := newFixture(t)
	buildHistory(t, f)

	report, err := f.validator.Validate("acc1")
	require.NoError(t, err)
	require.True(t, report.IsConsistent())
	require.Equal(t, 2, report.Checked)
	require.Empty(t, report.Discrepancies)
}

func TestValidate_Uninitialized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.states.Create(domain.BenchmarkState{
		AccountID: "acc1",
		Weights:   domain.DefaultWeights(),
	}))

	report, err := f.validator.Validate("acc1")
	require.NoError(t, err)
	require.True(t, report.IsConsistent())
	require.Zero(t, report.Checked)
}

func TestValidate_TamperedRecord(t *testing.T) {
	f := newFixture(t)
	st := buildHistory(t, f)

	// a modification whose after values do not follow from its inputs
	require.NoError(t, f.ledger.AppendModification(domain.ModificationRecord{
		ID:          "mod-tampered",
		AccountID:   "acc1",
		Timestamp:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		CashflowUSD: decimal.NewFromInt(500),
		BTCBefore:   st.BTCUnits,
		BTCAfter:    st.BTCUnits.Add(decimal.NewFromInt(1)),
		ETHBefore:   st.ETHUnits,
		ETHAfter:    st.ETHUnits,
		Prices:      stdPrices(),
	}))

	report, err := f.validator.Validate("acc1")
	require.NoError(t, err)
	require.False(t, report.IsConsistent())

	var fields []string
	for _, d := range report.Discrepancies {
		if d.RecordID == "mod-tampered" {
			fields = append(fields, d.Field)
		}
	}
	require.Contains(t, fields, "btc_after")
	require.Contains(t, fields, "eth_after")
}

func TestValidate_DriftedLiveState(t *testing.T) {
	f := newFixture(t)
	st := buildHistory(t, f)

	// units changed outside the audited paths
	drifted := st
	drifted.BTCUnits = st.BTCUnits.Add(decimal.NewFromInt(1))
	require.NoError(t, f.states.CompareAndSet(st.Version, drifted))

	report, err := f.validator.Validate("acc1")
	require.NoError(t, err)
	require.False(t, report.IsConsistent())
	require.Equal(t, 2, report.Checked)

	var found bool
	for _, d := range report.Discrepancies {
		if d.Field == "btc_units" {
			found = true
		}
	}
	require.True(t, found)
}
