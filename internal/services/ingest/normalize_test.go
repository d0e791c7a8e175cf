package ingest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/benchwatch/benchwatch/internal/domain"
)

func validRaw() RawRecord {
	return RawRecord{
		SourceID:  "SUB_42",
		Kind:      domain.KindSubTransfer,
		Direction: domain.DirectionOut,
		Asset:     "ETH",
		Amount:    "2.5",
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Internal:  true,
	}
}

func TestNormalize_Valid(t *testing.T) {
	event, err := normalize(validRaw(), "acc1")
	require.NoError(t, err)

	require.Equal(t, "SUB_42", event.ID)
	require.Equal(t, "acc1", event.AccountID)
	require.Equal(t, domain.KindSubTransfer, event.Kind)
	require.Equal(t, domain.DirectionOut, event.Direction)
	require.True(t, event.Internal)
	require.True(t, event.RawAmount.Equal(decimal.RequireFromString("2.5")))
	require.Nil(t, event.USDValue, "usd resolution is a separate step")
}

func TestNormalize_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RawRecord)
	}{
		{"missing id", func(r *RawRecord) { r.SourceID = "" }},
		{"missing asset", func(r *RawRecord) { r.Asset = "" }},
		{"bad direction", func(r *RawRecord) { r.Direction = "SIDEWAYS" }},
		{"unknown kind", func(r *RawRecord) { r.Kind = "AIRDROP" }},
		{"zero timestamp", func(r *RawRecord) { r.Timestamp = time.Time{} }},
		{"malformed amount", func(r *RawRecord) { r.Amount = "1,000" }},
		{"zero amount", func(r *RawRecord) { r.Amount = "0" }},
		{"negative amount", func(r *RawRecord) { r.Amount = "-3" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			tc.mutate(&raw)

			_, err := normalize(raw, "acc1")
			require.Error(t, err)
		})
	}
}

func TestResolveUSD(t *testing.T) {
	prices := map[string]decimal.Decimal{"ETH": decimal.NewFromInt(3500)}

	event, err := normalize(validRaw(), "acc1")
	require.NoError(t, err)

	resolveUSD(&event, prices)
	require.NotNil(t, event.USDValue)
	require.True(t, event.USDValue.Equal(decimal.NewFromInt(8750)))

	// stablecoin valued at par without a lookup
	stable := event
	stable.Asset = "USDC"
	stable.USDValue = nil
	resolveUSD(&stable, nil)
	require.NotNil(t, stable.USDValue)
	require.True(t, stable.USDValue.Equal(stable.RawAmount))

	// unknown asset stays unpriced
	unknown := event
	unknown.Asset = "OBSCURECOIN"
	unknown.USDValue = nil
	resolveUSD(&unknown, prices)
	require.Nil(t, unknown.USDValue)
	require.True(t, unknown.PriceMissing())
}
