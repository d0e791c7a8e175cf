package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/benchwatch/benchwatch/internal/domain"
)

// Upstream status codes for settled transactions.
const (
	binanceDepositCredited  = 1
	binanceWithdrawComplete = 6
)

const binanceApplyTimeLayout = "2006-01-02 15:04:05"

// BinanceSources returns the full set of transaction sources for one
// binance account: deposits, withdrawals, sub-account transfers (both
// directions), pay transactions and asset dividends.
func BinanceSources(client *binance.Client) []Source {
	return []Source{
		&binanceDeposits{client: client},
		&binanceWithdrawals{client: client},
		&binanceSubTransfers{client: client},
		&binancePay{client: client},
		&binanceDividends{client: client},
	}
}

type binanceDeposits struct {
	client *binance.Client
}

func (s *binanceDeposits) Name() string { return "binance_deposits" }

func (s *binanceDeposits) FetchSince(ctx context.Context, since time.Time) ([]RawRecord, error) {
	svc := s.client.NewListDepositsService()
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}

	deposits, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
	}

	records := make([]RawRecord, 0, len(deposits))
	for _, d := range deposits {
		if d.Status != binanceDepositCredited {
			continue
		}
		records = append(records, RawRecord{
			SourceID:  "DEP_" + d.TxID,
			Kind:      domain.KindRegular,
			Direction: domain.DirectionIn,
			Asset:     d.Coin,
			Amount:    d.Amount,
			Timestamp: time.UnixMilli(d.InsertTime).UTC(),
		})
	}

	return records, nil
}

type binanceWithdrawals struct {
	client *binance.Client
}

func (s *binanceWithdrawals) Name() string { return "binance_withdrawals" }

func (s *binanceWithdrawals) FetchSince(ctx context.Context, since time.Time) ([]RawRecord, error) {
	svc := s.client.NewListWithdrawsService()
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}

	withdraws, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
	}

	records := make([]RawRecord, 0, len(withdraws))
	for _, w := range withdraws {
		if w.Status != binanceWithdrawComplete {
			continue
		}

		ts, err := time.Parse(binanceApplyTimeLayout, w.ApplyTime)
		if err != nil {
			// surfaced during normalization as a zero timestamp
			ts = time.Time{}
		}

		// the network fee leaves the account together with the amount
		amount := w.Amount
		if fee, ferr := decimal.NewFromString(w.TransactionFee); ferr == nil {
			if parsed, aerr := decimal.NewFromString(w.Amount); aerr == nil {
				amount = parsed.Add(fee).String()
			}
		}

		records = append(records, RawRecord{
			SourceID:  "WD_" + w.ID,
			Kind:      domain.KindRegular,
			Direction: domain.DirectionOut,
			Asset:     w.Coin,
			Amount:    amount,
			Timestamp: ts.UTC(),
		})
	}

	return records, nil
}

type binanceSubTransfers struct {
	client *binance.Client
}

func (s *binanceSubTransfers) Name() string { return "binance_sub_transfers" }

func (s *binanceSubTransfers) FetchSince(ctx context.Context, since time.Time) ([]RawRecord, error) {
	svc := s.client.NewSubAccountTransferHistoryService()
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}

	transfers, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
	}

	records := make([]RawRecord, 0, len(transfers))
	for _, tr := range transfers {
		// each account only ever records its own side of the pair; the
		// counterparty side is ingested when that account is polled
		direction := domain.DirectionIn
		if tr.Type == 2 {
			direction = domain.DirectionOut
		}

		records = append(records, RawRecord{
			SourceID:  "SUB_" + strconv.FormatInt(tr.TranID, 10),
			Kind:      domain.KindSubTransfer,
			Direction: direction,
			Asset:     tr.Asset,
			Amount:    tr.Qty,
			Timestamp: time.UnixMilli(tr.Time).UTC(),
			Internal:  true,
		})
	}

	return records, nil
}

type binancePay struct {
	client *binance.Client
}

func (s *binancePay) Name() string { return "binance_pay" }

func (s *binancePay) FetchSince(ctx context.Context, since time.Time) ([]RawRecord, error) {
	svc := s.client.NewPayTradeHistoryService()
	if !since.IsZero() {
		svc = svc.StartTimestamp(since.UnixMilli())
	}

	history, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
	}

	records := make([]RawRecord, 0, len(history.Data))
	for _, item := range history.Data {
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil {
			continue
		}

		// pay history reports signed amounts: negative means the account paid
		direction := domain.DirectionIn
		if amount.IsNegative() {
			direction = domain.DirectionOut
		}

		records = append(records, RawRecord{
			SourceID:  "PAY_" + item.TransactionID,
			Kind:      domain.KindPay,
			Direction: direction,
			Asset:     item.Currency,
			Amount:    amount.Abs().String(),
			Timestamp: time.UnixMilli(item.TransactionTime).UTC(),
		})
	}

	return records, nil
}

type binanceDividends struct {
	client *binance.Client
}

func (s *binanceDividends) Name() string { return "binance_dividends" }

func (s *binanceDividends) FetchSince(ctx context.Context, since time.Time) ([]RawRecord, error) {
	svc := s.client.NewAssetDividendService().Limit(500)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}

	dividends, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
	}

	if dividends == nil || dividends.Rows == nil {
		return nil, nil
	}

	rows := *dividends.Rows
	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, RawRecord{
			SourceID:  "DIV_" + strconv.FormatInt(row.TranID, 10),
			Kind:      domain.KindDividend,
			Direction: domain.DirectionIn,
			Asset:     row.Asset,
			Amount:    row.Amount,
			Timestamp: time.UnixMilli(row.Time).UTC(),
		})
	}

	return records, nil
}
