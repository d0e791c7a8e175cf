package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient builds a spot client used for account reads: balances,
// deposit and withdrawal history, transfers and price quotes.
func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}
