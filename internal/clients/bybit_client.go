package clients

import (
	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient builds a client used only as a price fallback, so the
// credentials may be empty.
func NewBybitClient(apiKey, apiSecret string) *bybit.Client {
	return bybit.NewClient().WithAuth(apiKey, apiSecret)
}
