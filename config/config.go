package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/benchwatch/benchwatch/internal/domain"
)

type Account struct {
	ID       string
	Platform string
}

type Config struct {
	DataDir             string
	Weights             domain.Weights
	RebalanceWeekday    time.Weekday
	RebalanceHour       int
	BatchSchedule       string
	ValidationSchedule  string
	BatchDeadline       time.Duration
	MaxParallelAccounts int
	LockStaleAfter      time.Duration
	Accounts            []Account
}

type accountTmp struct {
	ID       string `yaml:"id"`
	Platform string `yaml:"platform"`
}

type configTmp struct {
	DataDir             string        `yaml:"data_dir"`
	BTCWeight           string        `yaml:"btc_weight,omitempty"`
	ETHWeight           string        `yaml:"eth_weight,omitempty"`
	RebalanceWeekday    string        `yaml:"rebalance_weekday,omitempty"`
	RebalanceHour       *int          `yaml:"rebalance_hour,omitempty"`
	BatchSchedule       string        `yaml:"batch_schedule,omitempty"`
	ValidationSchedule  string        `yaml:"validation_schedule,omitempty"`
	BatchDeadline       time.Duration `yaml:"batch_deadline,omitempty"`
	MaxParallelAccounts int           `yaml:"max_parallel_accounts,omitempty"`
	LockStaleAfter      time.Duration `yaml:"lock_stale_after,omitempty"`
	Accounts            []accountTmp  `yaml:"accounts"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func Get() (Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	return getYaml(*path)
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DataDir:             "./data",
		Weights:             domain.DefaultWeights(),
		RebalanceWeekday:    time.Monday,
		RebalanceHour:       0,
		BatchSchedule:       "*/15 * * * *",
		ValidationSchedule:  "0 3 * * *",
		BatchDeadline:       10 * time.Minute,
		MaxParallelAccounts: 4,
		LockStaleAfter:      30 * time.Minute,
	}

	if tmp.DataDir != "" {
		cfg.DataDir = tmp.DataDir
	}

	if tmp.BTCWeight != "" || tmp.ETHWeight != "" {
		btc, err := decimal.NewFromString(tmp.BTCWeight)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'btc_weight' param in yaml config: %w", err)
		}
		eth, err := decimal.NewFromString(tmp.ETHWeight)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'eth_weight' param in yaml config: %w", err)
		}
		cfg.Weights = domain.Weights{BTC: btc, ETH: eth}
		if !cfg.Weights.Valid() {
			return Config{}, fmt.Errorf("weights must be positive and sum to 1, got btc=%s eth=%s", btc, eth)
		}
	}

	if tmp.RebalanceWeekday != "" {
		day, ok := weekdays[strings.ToLower(tmp.RebalanceWeekday)]
		if !ok {
			return Config{}, fmt.Errorf("incorrect 'rebalance_weekday' param in yaml config: %s", tmp.RebalanceWeekday)
		}
		cfg.RebalanceWeekday = day
	}

	if tmp.RebalanceHour != nil {
		if *tmp.RebalanceHour < 0 || *tmp.RebalanceHour > 23 {
			return Config{}, fmt.Errorf("incorrect 'rebalance_hour' param in yaml config: %d", *tmp.RebalanceHour)
		}
		cfg.RebalanceHour = *tmp.RebalanceHour
	}

	if tmp.BatchSchedule != "" {
		cfg.BatchSchedule = tmp.BatchSchedule
	}
	if tmp.ValidationSchedule != "" {
		cfg.ValidationSchedule = tmp.ValidationSchedule
	}
	if tmp.BatchDeadline > 0 {
		cfg.BatchDeadline = tmp.BatchDeadline
	}
	if tmp.MaxParallelAccounts > 0 {
		cfg.MaxParallelAccounts = tmp.MaxParallelAccounts
	}
	if tmp.LockStaleAfter > 0 {
		cfg.LockStaleAfter = tmp.LockStaleAfter
	}

	if len(tmp.Accounts) == 0 {
		return Config{}, fmt.Errorf("yaml config has no accounts")
	}
	seen := make(map[string]bool)
	for _, a := range tmp.Accounts {
		if a.ID == "" {
			return Config{}, fmt.Errorf("account without 'id' in yaml config")
		}
		if seen[a.ID] {
			return Config{}, fmt.Errorf("duplicate account id in yaml config: %s", a.ID)
		}
		seen[a.ID] = true

		platform := a.Platform
		if platform == "" {
			platform = "binance"
		}
		if platform != "binance" {
			return Config{}, fmt.Errorf("unsupported platform for account %s: %s", a.ID, a.Platform)
		}

		cfg.Accounts = append(cfg.Accounts, Account{ID: a.ID, Platform: platform})
	}

	return cfg, nil
}
