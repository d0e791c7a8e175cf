package nav

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BinanceBalances reads spot holdings from a binance account.
type BinanceBalances struct {
	client *binance.Client
}

func NewBinanceBalances(client *binance.Client) *BinanceBalances {
	return &BinanceBalances{client: client}
}

func (b *BinanceBalances) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	res, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}

	out := make(map[string]decimal.Decimal, len(res.Balances))
	for _, bal := range res.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "parse free balance of %s", bal.Asset)
		}
		locked, err := decimal.NewFromString(bal.Locked)
		if err != nil {
			return nil, errors.Wrapf(err, "parse locked balance of %s", bal.Asset)
		}

		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		out[bal.Asset] = total
	}

	return out, nil
}
