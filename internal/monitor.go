package internal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/services/adjust"
	"github.com/benchwatch/benchwatch/internal/services/ingest"
	"github.com/benchwatch/benchwatch/internal/services/nav"
	"github.com/benchwatch/benchwatch/internal/services/oracle"
	"github.com/benchwatch/benchwatch/internal/services/rebalance"
	"github.com/benchwatch/benchwatch/internal/services/validate"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

// AccountRunner bundles the per-account pipeline pieces. Clients differ per
// account, everything else is shared.
type AccountRunner struct {
	Account  domain.Account
	Ingestor *ingest.Ingestor
	Valuer   *nav.Valuer
}

// MonitorConfig bounds one batch run.
type MonitorConfig struct {
	Weights        domain.Weights
	MaxParallel    int
	BatchDeadline  time.Duration
	LockStaleAfter time.Duration
}

// Monitor runs the full tracking cycle for every configured account:
// ingest cashflows, adjust the basket, rebalance on schedule, record NAV.
// A durable run lock guarantees batches never overlap, even across
// process restarts.
type Monitor struct {
	cfg        MonitorConfig
	states     *state.Store
	prices     oracle.PriceOracle
	adjuster   *adjust.Adjuster
	rebalancer *rebalance.Rebalancer
	recorder   *nav.Recorder
	validator  *validate.Validator
	runners    []*AccountRunner
	log        *zap.Logger
}

func NewMonitor(
	log *zap.Logger,
	cfg MonitorConfig,
	states *state.Store,
	prices oracle.PriceOracle,
	adjuster *adjust.Adjuster,
	rebalancer *rebalance.Rebalancer,
	recorder *nav.Recorder,
	validator *validate.Validator,
	runners []*AccountRunner,
) *Monitor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if !cfg.Weights.Valid() {
		cfg.Weights = domain.DefaultWeights()
	}

	return &Monitor{
		cfg:        cfg,
		states:     states,
		prices:     prices,
		adjuster:   adjuster,
		rebalancer: rebalancer,
		recorder:   recorder,
		validator:  validator,
		runners:    runners,
		log:        log,
	}
}

// RunBatch processes all accounts once. Account failures are isolated: one
// broken account never blocks the rest. A batch that cannot take the run
// lock is skipped, the next scheduled run picks the work up.
func (m *Monitor) RunBatch(ctx context.Context) error {
	runID := uuid.NewString()

	acquired, err := m.states.AcquireRunLock(runID, m.cfg.LockStaleAfter)
	if err != nil {
		return errors.Wrap(err, "acquire run lock")
	}
	if !acquired {
		m.log.Warn("previous batch still holds the run lock, skipping")
		return nil
	}
	defer func() {
		if err := m.states.ReleaseRunLock(runID); err != nil {
			m.log.Error("failed to release run lock", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.BatchDeadline)
	defer cancel()

	prices, pricesOK := m.benchmarkPrices(ctx)

	sem := make(chan struct{}, m.cfg.MaxParallel)
	var wg sync.WaitGroup
	for _, r := range m.runners {
		wg.Add(1)
		go func(r *AccountRunner) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := m.processAccount(ctx, r, prices, pricesOK); err != nil {
				m.log.Error("account processing failed",
					zap.String("account", r.Account.ID),
					zap.Error(err))
			}
		}(r)
	}
	wg.Wait()

	return nil
}

// RunValidation replays every account's audit history against its live
// state. Read only, safe to run at any time.
func (m *Monitor) RunValidation(ctx context.Context) error {
	for _, r := range m.runners {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		report, err := m.validator.Validate(r.Account.ID)
		if err != nil {
			m.log.Error("validation failed",
				zap.String("account", r.Account.ID),
				zap.Error(err))
			continue
		}

		if report.IsConsistent() {
			m.log.Info("history consistent",
				zap.String("account", r.Account.ID),
				zap.Int("records_checked", report.Checked))
			continue
		}

		for _, d := range report.Discrepancies {
			m.log.Warn("history discrepancy",
				zap.String("account", r.Account.ID),
				zap.String("record", d.RecordID),
				zap.String("field", d.Field),
				zap.String("expected", d.Expected.String()),
				zap.String("recorded", d.Recorded.String()))
		}
	}

	return nil
}

func (m *Monitor) processAccount(ctx context.Context, r *AccountRunner, prices domain.Prices, pricesOK bool) error {
	now := time.Now().UTC()
	accountID := r.Account.ID

	st, err := m.states.Get(accountID)
	if errors.Is(err, state.ErrNotFound) {
		st = domain.BenchmarkState{AccountID: accountID, Weights: m.cfg.Weights}
		if err := m.states.Create(st); err != nil {
			return errors.Wrap(err, "create state")
		}
		st, err = m.states.Get(accountID)
	}
	if err != nil {
		return errors.Wrap(err, "load state")
	}

	checkpoint, err := m.states.Checkpoint(accountID)
	if err != nil {
		return errors.Wrap(err, "load checkpoint")
	}

	// ingestion always runs so transactions land in the ledger even when
	// pricing is degraded; they stay pending until applied
	events, err := r.Ingestor.Run(ctx, accountID, checkpoint)
	if err != nil {
		return errors.Wrap(err, "ingest")
	}

	if !pricesOK {
		m.log.Warn("benchmark prices unavailable, deferring adjustment and rebalance",
			zap.String("account", accountID))
		return nil
	}

	if !st.Initialized() {
		return m.initialize(ctx, r, st, events, prices, now)
	}

	st, rec, err := m.adjuster.Apply(st, events, prices, now)
	if errors.Is(err, state.ErrVersionConflict) {
		// version conflicts are transient; reload and retry once
		if st, err = m.states.Get(accountID); err != nil {
			return errors.Wrap(err, "reload state")
		}
		st, rec, err = m.adjuster.Apply(st, events, prices, now)
	}
	if err != nil {
		// checkpoint stays put, the same events are retried next batch
		return errors.Wrap(err, "adjust")
	}
	if len(events) > 0 {
		if err := m.states.SetCheckpoint(accountID, adjust.MaxEventTime(events)); err != nil {
			return errors.Wrap(err, "advance checkpoint")
		}
	}
	if rec != nil {
		m.log.Info("basket adjusted for cashflow",
			zap.String("account", accountID),
			zap.String("net_usd", rec.CashflowUSD.String()),
			zap.Int("events", len(rec.SourceEventIDs)))
	}

	st, _, err = m.rebalancer.Tick(st, prices, now)
	if errors.Is(err, state.ErrVersionConflict) {
		if st, err = m.states.Get(accountID); err != nil {
			return errors.Wrap(err, "reload state")
		}
		st, _, err = m.rebalancer.Tick(st, prices, now)
	}
	if err != nil {
		m.log.Error("rebalance failed, will retry next batch",
			zap.String("account", accountID),
			zap.Error(err))
	}

	navValue, err := r.Valuer.NAV(ctx)
	if err != nil {
		return errors.Wrap(err, "value account")
	}

	return m.recorder.Record(st, navValue, prices, now)
}

// initialize performs the first allocation. Cashflows observed before the
// initial NAV reading are already part of that NAV, so the checkpoint
// advances past them without basket adjustment.
func (m *Monitor) initialize(ctx context.Context, r *AccountRunner, st domain.BenchmarkState, events []domain.CashflowEvent, prices domain.Prices, now time.Time) error {
	navValue, err := r.Valuer.NAV(ctx)
	if err != nil {
		return errors.Wrap(err, "value account")
	}

	if _, err := m.rebalancer.Initialize(st, navValue, prices, now); err != nil {
		return errors.Wrap(err, "initialize")
	}

	if len(events) > 0 {
		if err := m.states.SetCheckpoint(st.AccountID, adjust.MaxEventTime(events)); err != nil {
			return errors.Wrap(err, "advance checkpoint")
		}
	}

	return nil
}

// benchmarkPrices fetches the BTC and ETH quotes shared by every account in
// the batch. Both are required, a partial result counts as unavailable.
func (m *Monitor) benchmarkPrices(ctx context.Context) (domain.Prices, bool) {
	quotes, err := m.prices.GetPrices(ctx, []string{domain.AssetBTC, domain.AssetETH})
	if err != nil {
		m.log.Warn("benchmark price fetch failed", zap.Error(err))
		return domain.Prices{}, false
	}

	prices := domain.Prices{BTC: quotes[domain.AssetBTC], ETH: quotes[domain.AssetETH]}
	if !prices.Valid() {
		m.log.Warn("benchmark price fetch incomplete")
		return domain.Prices{}, false
	}

	return prices, true
}
