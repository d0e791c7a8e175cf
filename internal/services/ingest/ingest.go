package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/services/oracle"
	"github.com/benchwatch/benchwatch/internal/storage/ledger"
	"github.com/benchwatch/benchwatch/pkg/retrier"
)

// defaultOverlap re-polls a window behind the checkpoint; dedup makes
// overlapping windows safe.
const defaultOverlap = 24 * time.Hour

// Ingestor pulls all upstream sources for one account, normalizes and
// deduplicates the results into the ledger, and reports the pending event
// set past the checkpoint.
type Ingestor struct {
	sources []Source
	oracle  oracle.PriceOracle
	ledger  *ledger.Ledger
	limiter *rate.Limiter
	retrier *retrier.Retrier
	overlap time.Duration
	log     *zap.Logger
}

// New builds an ingestor over the given sources. The limiter throttles all
// upstream calls; pass nil to disable throttling.
func New(log *zap.Logger, ledger *ledger.Ledger, priceOracle oracle.PriceOracle, limiter *rate.Limiter, sources ...Source) *Ingestor {
	return &Ingestor{
		sources: sources,
		oracle:  priceOracle,
		ledger:  ledger,
		limiter: limiter,
		retrier: retrier.New(retrier.WithMaxRetries(2)),
		overlap: defaultOverlap,
		log:     log,
	}
}

// Run polls every source since the checkpoint (minus an overlap margin),
// inserts new events idempotently and returns ALL ledger events strictly
// after the checkpoint, including events inserted by an earlier cycle whose
// application never completed. The checkpoint itself is advanced by the
// caller only after the whole batch is applied.
func (i *Ingestor) Run(ctx context.Context, accountID string, checkpoint time.Time) ([]domain.CashflowEvent, error) {
	since := checkpoint
	if !since.IsZero() {
		since = since.Add(-i.overlap)
	}

	var batch []domain.CashflowEvent
	for _, src := range i.sources {
		raws, err := i.fetch(ctx, src, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// a failing source contributes zero events this cycle and must
			// not abort the others
			i.log.Warn("transaction source failed, skipping this cycle",
				zap.String("account", accountID),
				zap.String("source", src.Name()),
				zap.Error(err))
			continue
		}

		for _, raw := range raws {
			event, err := normalize(raw, accountID)
			if err != nil {
				i.log.Warn("rejected upstream record",
					zap.String("account", accountID),
					zap.String("source", src.Name()),
					zap.Error(err))
				continue
			}
			batch = append(batch, event)
		}
	}

	prices := i.batchPrices(ctx, accountID, batch)

	for idx := range batch {
		resolveUSD(&batch[idx], prices)
		if batch[idx].PriceMissing() {
			i.log.Warn("no price resolved for event asset, excluded from cashflow total",
				zap.String("account", accountID),
				zap.String("event", batch[idx].ID),
				zap.String("asset", batch[idx].Asset))
		}

		inserted, err := i.ledger.InsertEventIfAbsent(batch[idx])
		if err != nil {
			return nil, errors.Wrapf(err, "insert event %s", batch[idx].ID)
		}
		if !inserted {
			continue
		}

		i.log.Info("ingested cashflow event",
			zap.String("account", accountID),
			zap.String("event", batch[idx].ID),
			zap.String("kind", string(batch[idx].Kind)),
			zap.String("direction", string(batch[idx].Direction)),
			zap.String("asset", batch[idx].Asset),
			zap.String("amount", batch[idx].RawAmount.String()))
	}

	pending := i.ledger.EventsAfter(accountID, checkpoint)
	i.repriceMissing(ctx, accountID, pending)

	return pending, nil
}

// repriceMissing retries USD resolution for pending events that were staged
// without a price by an earlier cycle. The ledger keeps the event exactly as
// ingested; the resolved value travels on the returned batch, so a cashflow
// staged while the oracle was down is applied once prices come back instead
// of being dropped.
func (i *Ingestor) repriceMissing(ctx context.Context, accountID string, pending []domain.CashflowEvent) {
	var unpriced []domain.CashflowEvent
	for idx := range pending {
		if pending[idx].PriceMissing() {
			unpriced = append(unpriced, pending[idx])
		}
	}
	if len(unpriced) == 0 {
		return
	}

	prices := i.batchPrices(ctx, accountID, unpriced)
	for idx := range pending {
		if !pending[idx].PriceMissing() {
			continue
		}
		resolveUSD(&pending[idx], prices)
		if pending[idx].PriceMissing() {
			i.log.Warn("no price resolved for pending event, excluded from cashflow total",
				zap.String("account", accountID),
				zap.String("event", pending[idx].ID),
				zap.String("asset", pending[idx].Asset))
		}
	}
}

func (i *Ingestor) fetch(ctx context.Context, src Source, since time.Time) ([]RawRecord, error) {
	return retrier.DoWithData(i.retrier, ctx, func(ctx context.Context) ([]RawRecord, error) {
		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return src.FetchSince(ctx, since)
	})
}

// batchPrices resolves current prices for every distinct non-stable asset in
// the batch. Best effort: missing symbols simply stay unpriced.
func (i *Ingestor) batchPrices(ctx context.Context, accountID string, batch []domain.CashflowEvent) map[string]decimal.Decimal {
	assets := make(map[string]bool)
	for idx := range batch {
		if !stablecoins[batch[idx].Asset] {
			assets[batch[idx].Asset] = true
		}
	}
	if len(assets) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(assets))
	for asset := range assets {
		symbols = append(symbols, asset)
	}

	prices, err := i.oracle.GetPrices(ctx, symbols)
	if err != nil {
		i.log.Warn("partial price resolution for ingestion batch",
			zap.String("account", accountID),
			zap.Error(err))
	}

	return prices
}
