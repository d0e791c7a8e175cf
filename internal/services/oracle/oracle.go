// Package oracle resolves current USD prices for basket assets through a
// chain of exchange-backed sources with fallback.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/benchwatch/benchwatch/pkg/retrier"
)

// PriceOracle returns current prices for the requested symbols.
type PriceOracle interface {
	// GetPrices resolves each symbol at best effort. Partial results are
	// returned alongside a *PriceUnavailableError naming the missing
	// symbols; they are never silently zero-filled.
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// PriceUnavailableError reports symbols no configured source could price.
type PriceUnavailableError struct {
	Missing []string
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("price unavailable for %s", strings.Join(e.Missing, ", "))
}

// Source fetches one symbol's USD price from a single upstream.
type Source interface {
	Name() string
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Fallback tries each source in order until one responds per symbol.
type Fallback struct {
	sources []Source
	retrier *retrier.Retrier
	log     *zap.Logger
}

// NewFallback builds an oracle over the given sources, tried in order.
func NewFallback(log *zap.Logger, sources ...Source) *Fallback {
	return &Fallback{
		sources: sources,
		retrier: retrier.New(retrier.WithMaxRetries(2)),
		log:     log,
	}
}

// GetPrices implements PriceOracle.
func (f *Fallback) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	var missing []string

	for _, symbol := range symbols {
		price, ok := f.resolve(ctx, symbol)
		if !ok {
			missing = append(missing, symbol)
			continue
		}
		prices[symbol] = price
	}

	if len(missing) > 0 {
		return prices, &PriceUnavailableError{Missing: missing}
	}

	return prices, nil
}

func (f *Fallback) resolve(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	for _, src := range f.sources {
		price, err := retrier.DoWithData(f.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
			return src.GetPrice(ctx, symbol)
		})
		if err != nil {
			f.log.Warn("price source failed",
				zap.String("source", src.Name()),
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		if !price.IsPositive() {
			f.log.Warn("price source returned non-positive price",
				zap.String("source", src.Name()),
				zap.String("symbol", symbol),
				zap.String("price", price.String()))
			continue
		}
		return price, true
	}

	return decimal.Decimal{}, false
}
