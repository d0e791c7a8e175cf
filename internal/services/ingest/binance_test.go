package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/require"

	"github.com/benchwatch/benchwatch/internal/domain"
)

// newBinanceTestClient points a real client at a local server serving canned
// responses keyed by endpoint path.
func newBinanceTestClient(t *testing.T, responses map[string]string) *binance.Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := binance.NewClient("test-key", "test-secret")
	client.BaseURL = srv.URL

	return client
}

func TestBinanceDeposits_OnlyCreditedRows(t *testing.T) {
	client := newBinanceTestClient(t, map[string]string{
		"/sapi/v1/capital/deposit/hisrec": `[
			{"amount":"0.5","coin":"BTC","status":1,"txId":"tx-credited","insertTime":1767225600000},
			{"amount":"1.0","coin":"BTC","status":0,"txId":"tx-pending","insertTime":1767225700000}
		]`,
	})

	src := &binanceDeposits{client: client}
	recs, err := src.FetchSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1, "pending deposits are not cashflow yet")

	require.Equal(t, "DEP_tx-credited", recs[0].SourceID)
	require.Equal(t, domain.KindRegular, recs[0].Kind)
	require.Equal(t, domain.DirectionIn, recs[0].Direction)
	require.Equal(t, "BTC", recs[0].Asset)
	require.Equal(t, "0.5", recs[0].Amount)
	require.True(t, recs[0].Timestamp.Equal(time.UnixMilli(1767225600000).UTC()))
}

func TestBinanceWithdrawals_FeeLeavesWithAmount(t *testing.T) {
	client := newBinanceTestClient(t, map[string]string{
		"/sapi/v1/capital/withdraw/history": `[
			{"id":"wd-1","amount":"8.91","transactionFee":"0.004","coin":"ETH","status":6,"applyTime":"2026-03-01 11:12:02"},
			{"id":"wd-2","amount":"5.0","transactionFee":"0.004","coin":"ETH","status":4,"applyTime":"2026-03-01 12:00:00"}
		]`,
	})

	src := &binanceWithdrawals{client: client}
	recs, err := src.FetchSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1, "only completed withdrawals count")

	require.Equal(t, "WD_wd-1", recs[0].SourceID)
	require.Equal(t, domain.DirectionOut, recs[0].Direction)
	require.Equal(t, "8.914", recs[0].Amount, "network fee left the account too")
	require.True(t, recs[0].Timestamp.Equal(time.Date(2026, 3, 1, 11, 12, 2, 0, time.UTC)))
}

func TestBinanceSubTransfers_DirectionFromType(t *testing.T) {
	client := newBinanceTestClient(t, map[string]string{
		"/sapi/v1/sub-account/transfer/subUserHistory": `[
			{"tranId":100,"type":1,"asset":"USDT","qty":"250","time":1767225600000},
			{"tranId":101,"type":2,"asset":"USDT","qty":"100","time":1767225700000}
		]`,
	})

	src := &binanceSubTransfers{client: client}
	recs, err := src.FetchSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.Equal(t, "SUB_100", recs[0].SourceID)
	require.Equal(t, domain.DirectionIn, recs[0].Direction)
	require.Equal(t, "SUB_101", recs[1].SourceID)
	require.Equal(t, domain.DirectionOut, recs[1].Direction)
	for _, r := range recs {
		require.Equal(t, domain.KindSubTransfer, r.Kind)
		require.True(t, r.Internal, "sub transfers move money inside the org")
	}
}

func TestBinancePay_SignFixesDirection(t *testing.T) {
	client := newBinanceTestClient(t, map[string]string{
		"/sapi/v1/pay/transactions": `{"code":"000000","message":"success","success":true,"data":[
			{"orderType":"PAY","transactionId":"pay-in","transactionTime":1767225600000,"amount":"25.00","currency":"USDT"},
			{"orderType":"PAY","transactionId":"pay-out","transactionTime":1767225700000,"amount":"-12.50","currency":"USDT"}
		]}`,
	})

	src := &binancePay{client: client}
	recs, err := src.FetchSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.Equal(t, "PAY_pay-in", recs[0].SourceID)
	require.Equal(t, domain.DirectionIn, recs[0].Direction)
	require.Equal(t, "25.00", recs[0].Amount)

	require.Equal(t, "PAY_pay-out", recs[1].SourceID)
	require.Equal(t, domain.DirectionOut, recs[1].Direction)
	require.Equal(t, "12.50", recs[1].Amount, "amount recorded unsigned, the direction carries the sign")
}

func TestBinanceDividends_MapsRows(t *testing.T) {
	client := newBinanceTestClient(t, map[string]string{
		"/sapi/v1/asset/assetDividend": `{"rows":[
			{"id":1,"amount":"10.5","asset":"BNB","divTime":1767225600000,"enInfo":"distribution","tranId":555}
		],"total":1}`,
	})

	src := &binanceDividends{client: client}
	recs, err := src.FetchSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.Equal(t, "DIV_555", recs[0].SourceID)
	require.Equal(t, domain.KindDividend, recs[0].Kind)
	require.Equal(t, domain.DirectionIn, recs[0].Direction)
	require.Equal(t, "BNB", recs[0].Asset)
	require.Equal(t, "10.5", recs[0].Amount)
	require.True(t, recs[0].Timestamp.Equal(time.UnixMilli(1767225600000).UTC()))
}

func TestBinanceSources_UpstreamFailureIsSourceUnavailable(t *testing.T) {
	// no canned responses, every endpoint answers 404
	client := newBinanceTestClient(t, nil)

	for _, src := range BinanceSources(client) {
		_, err := src.FetchSince(context.Background(), time.Time{})
		require.ErrorIs(t, err, ErrSourceUnavailable, "source %s", src.Name())
	}
}
