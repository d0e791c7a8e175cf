// Command benchwatch tracks brokerage accounts against a passive BTC/ETH
// benchmark basket. It periodically ingests external cashflows, adjusts the
// synthetic basket, rebalances it on schedule and records the NAV series.
//
// Usage:
//
//	benchwatch --config config.yaml
//
// Required environment variables:
//
//	BINANCE_API_KEY, BINANCE_API_SECRET (or per-account
//	BINANCE_API_KEY_<ACCOUNT_ID> / BINANCE_API_SECRET_<ACCOUNT_ID>)
//
// Optional price fallbacks:
//
//	BYBIT_API_KEY, BYBIT_API_SECRET
//	HYPERLIQUID_PRIVATE_KEY, HYPERLIQUID_API_URL
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/benchwatch/benchwatch/config"
	"github.com/benchwatch/benchwatch/internal"
	"github.com/benchwatch/benchwatch/internal/clients"
	"github.com/benchwatch/benchwatch/internal/domain"
	"github.com/benchwatch/benchwatch/internal/services/adjust"
	"github.com/benchwatch/benchwatch/internal/services/ingest"
	"github.com/benchwatch/benchwatch/internal/services/nav"
	"github.com/benchwatch/benchwatch/internal/services/oracle"
	"github.com/benchwatch/benchwatch/internal/services/rebalance"
	"github.com/benchwatch/benchwatch/internal/services/validate"
	"github.com/benchwatch/benchwatch/internal/storage/ledger"
	"github.com/benchwatch/benchwatch/internal/storage/state"
)

const defaultHyperliquidURL = "https://api.hyperliquid.xyz"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	l, err := ledger.New(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer l.Close()

	s, err := state.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer s.Close()

	priceOracle := buildOracle(logger)

	// one request budget shared by all upstream history polls
	limiter := rate.NewLimiter(rate.Limit(5), 10)

	var runners []*internal.AccountRunner
	for _, acc := range cfg.Accounts {
		apiKey, apiSecret := accountCreds(acc.ID)
		if apiKey == "" || apiSecret == "" {
			logger.Fatal("missing binance credentials", zap.String("account", acc.ID))
		}

		client := clients.NewBinanceClient(apiKey, apiSecret)
		accLogger := logger.With(zap.String("account", acc.ID))

		runners = append(runners, &internal.AccountRunner{
			Account:  domain.Account{ID: acc.ID, Platform: acc.Platform},
			Ingestor: ingest.New(accLogger, l, priceOracle, limiter, ingest.BinanceSources(client)...),
			Valuer:   nav.NewValuer(accLogger, nav.NewBinanceBalances(client), priceOracle),
		})
	}

	monitor := internal.NewMonitor(
		logger,
		internal.MonitorConfig{
			Weights:        cfg.Weights,
			MaxParallel:    cfg.MaxParallelAccounts,
			BatchDeadline:  cfg.BatchDeadline,
			LockStaleAfter: cfg.LockStaleAfter,
		},
		s,
		priceOracle,
		adjust.New(logger, l, s),
		rebalance.New(logger, l, s, cfg.RebalanceWeekday, cfg.RebalanceHour),
		nav.NewRecorder(logger, s),
		validate.New(logger, l, s),
		runners,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.BatchSchedule, func() {
		if err := monitor.RunBatch(ctx); err != nil {
			logger.Error("batch run failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid batch schedule", zap.String("schedule", cfg.BatchSchedule), zap.Error(err))
	}
	if _, err := scheduler.AddFunc(cfg.ValidationSchedule, func() {
		if err := monitor.RunValidation(ctx); err != nil {
			logger.Error("validation run failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid validation schedule", zap.String("schedule", cfg.ValidationSchedule), zap.Error(err))
	}
	scheduler.Start()

	logger.Info("benchwatch started",
		zap.Int("accounts", len(runners)),
		zap.String("batch_schedule", cfg.BatchSchedule))

	// run once right away so a fresh deployment does not idle until the
	// first cron slot
	if err := monitor.RunBatch(ctx); err != nil {
		logger.Error("initial batch run failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for running jobs")
	<-scheduler.Stop().Done()
}

// buildOracle assembles the price fallback chain: binance public quotes
// first, then bybit, then hyperliquid when a key is configured.
func buildOracle(logger *zap.Logger) oracle.PriceOracle {
	sources := []oracle.Source{
		oracle.NewBinanceSource(clients.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"))),
		oracle.NewBybitSource(clients.NewBybitClient(os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET"))),
	}

	if pk := os.Getenv("HYPERLIQUID_PRIVATE_KEY"); pk != "" {
		baseURL := os.Getenv("HYPERLIQUID_API_URL")
		if baseURL == "" {
			baseURL = defaultHyperliquidURL
		}
		hl, err := clients.NewHyperliquidClient(pk, baseURL)
		if err != nil {
			logger.Fatal("failed to build hyperliquid client", zap.Error(err))
		}
		sources = append(sources, oracle.NewHyperliquidSource(hl.Info()))
	}

	return oracle.NewFallback(logger, sources...)
}

// accountCreds resolves per-account credentials with a fallback to the
// shared pair.
func accountCreds(accountID string) (string, string) {
	suffix := strings.ToUpper(strings.ReplaceAll(accountID, "-", "_"))

	apiKey := os.Getenv("BINANCE_API_KEY_" + suffix)
	if apiKey == "" {
		apiKey = os.Getenv("BINANCE_API_KEY")
	}
	apiSecret := os.Getenv("BINANCE_API_SECRET_" + suffix)
	if apiSecret == "" {
		apiSecret = os.Getenv("BINANCE_API_SECRET")
	}

	return apiKey, apiSecret
}
