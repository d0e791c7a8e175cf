// Package state persists the mutable side of the engine in SQLite: live
// benchmark states under optimistic concurrency, ingestion checkpoints, the
// NAV/benchmark time series and the batch run lock.
package state

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/benchwatch/benchwatch/internal/domain"
)

var (
	// ErrNotFound is returned when no row exists for the account.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-set loses the race.
	ErrVersionConflict = errors.New("benchmark state version conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS benchmark_states (
	account_id        TEXT PRIMARY KEY,
	btc_units         TEXT NOT NULL,
	eth_units         TEXT NOT NULL,
	w_btc             TEXT NOT NULL,
	w_eth             TEXT NOT NULL,
	initialized_at    INTEGER,
	next_rebalance_at INTEGER,
	version           INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	account_id     TEXT PRIMARY KEY,
	last_processed INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nav_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id      TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	nav             TEXT NOT NULL,
	benchmark_value TEXT NOT NULL,
	btc_price       TEXT NOT NULL,
	eth_price       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nav_history_account_ts ON nav_history(account_id, ts);

CREATE TABLE IF NOT EXISTS run_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	holder      TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);
`

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating the directory and schema if
// needed. WAL mode keeps readers from blocking the single writer.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a fresh benchmark state at version 1.
func (s *Store) Create(st domain.BenchmarkState) error {
	_, err := s.db.Exec(`
		INSERT INTO benchmark_states
		(account_id, btc_units, eth_units, w_btc, w_eth, initialized_at, next_rebalance_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		st.AccountID,
		st.BTCUnits.String(),
		st.ETHUnits.String(),
		st.Weights.BTC.String(),
		st.Weights.ETH.String(),
		unixPtr(st.InitializedAt),
		unixPtr(st.NextRebalanceAt),
		time.Now().UnixMilli(),
	)

	return errors.Wrapf(err, "create benchmark state for %s", st.AccountID)
}

// Get returns the live benchmark state for the account.
func (s *Store) Get(accountID string) (domain.BenchmarkState, error) {
	row := s.db.QueryRow(`
		SELECT account_id, btc_units, eth_units, w_btc, w_eth,
		       initialized_at, next_rebalance_at, version, updated_at
		FROM benchmark_states WHERE account_id = ?`, accountID)

	var (
		st             domain.BenchmarkState
		btc, eth       string
		wBTC, wETH     string
		initAt, nextAt sql.NullInt64
		updatedAt      int64
	)
	err := row.Scan(&st.AccountID, &btc, &eth, &wBTC, &wETH, &initAt, &nextAt, &st.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.BenchmarkState{}, ErrNotFound
	}
	if err != nil {
		return domain.BenchmarkState{}, errors.Wrapf(err, "load benchmark state for %s", accountID)
	}

	if st.BTCUnits, err = decimal.NewFromString(btc); err != nil {
		return domain.BenchmarkState{}, errors.Wrap(err, "parse btc units")
	}
	if st.ETHUnits, err = decimal.NewFromString(eth); err != nil {
		return domain.BenchmarkState{}, errors.Wrap(err, "parse eth units")
	}
	if st.Weights.BTC, err = decimal.NewFromString(wBTC); err != nil {
		return domain.BenchmarkState{}, errors.Wrap(err, "parse btc weight")
	}
	if st.Weights.ETH, err = decimal.NewFromString(wETH); err != nil {
		return domain.BenchmarkState{}, errors.Wrap(err, "parse eth weight")
	}

	st.InitializedAt = timePtr(initAt)
	st.NextRebalanceAt = timePtr(nextAt)
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return st, nil
}

// CompareAndSet writes the new state only if the stored version still equals
// expectedVersion. Returns ErrVersionConflict when another writer won.
func (s *Store) CompareAndSet(expectedVersion int64, st domain.BenchmarkState) error {
	res, err := s.db.Exec(`
		UPDATE benchmark_states
		SET btc_units = ?, eth_units = ?, w_btc = ?, w_eth = ?,
		    initialized_at = ?, next_rebalance_at = ?,
		    version = version + 1, updated_at = ?
		WHERE account_id = ? AND version = ?`,
		st.BTCUnits.String(),
		st.ETHUnits.String(),
		st.Weights.BTC.String(),
		st.Weights.ETH.String(),
		unixPtr(st.InitializedAt),
		unixPtr(st.NextRebalanceAt),
		time.Now().UnixMilli(),
		st.AccountID,
		expectedVersion,
	)
	if err != nil {
		return errors.Wrapf(err, "update benchmark state for %s", st.AccountID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	return nil
}

// Checkpoint returns the account's ingestion checkpoint, or the zero time
// when the account has never been processed.
func (s *Store) Checkpoint(accountID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(
		`SELECT last_processed FROM checkpoints WHERE account_id = ?`, accountID,
	).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "load checkpoint for %s", accountID)
	}

	return time.UnixMilli(ms).UTC(), nil
}

// SetCheckpoint advances the account's ingestion checkpoint.
func (s *Store) SetCheckpoint(accountID string, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (account_id, last_processed) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET last_processed = excluded.last_processed`,
		accountID, ts.UnixMilli(),
	)

	return errors.Wrapf(err, "set checkpoint for %s", accountID)
}

// RecordNAV appends one row to the NAV/benchmark time series.
func (s *Store) RecordNAV(snap domain.NAVSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO nav_history (account_id, ts, nav, benchmark_value, btc_price, eth_price)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.AccountID,
		snap.Timestamp.UnixMilli(),
		snap.NAV.String(),
		snap.BenchmarkValue.String(),
		snap.Prices.BTC.String(),
		snap.Prices.ETH.String(),
	)

	return errors.Wrapf(err, "record nav for %s", snap.AccountID)
}

// NAVSnapshotAt returns the series row closest to ts for the account. The
// validator uses it to recover the initialization-time NAV and prices.
func (s *Store) NAVSnapshotAt(accountID string, ts time.Time) (domain.NAVSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT account_id, ts, nav, benchmark_value, btc_price, eth_price
		FROM nav_history
		WHERE account_id = ?
		ORDER BY ABS(ts - ?) ASC
		LIMIT 1`, accountID, ts.UnixMilli())

	var (
		snap                   domain.NAVSnapshot
		ms                     int64
		nav, bench, pBTC, pETH string
	)
	err := row.Scan(&snap.AccountID, &ms, &nav, &bench, &pBTC, &pETH)
	if err == sql.ErrNoRows {
		return domain.NAVSnapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.NAVSnapshot{}, errors.Wrapf(err, "load nav snapshot for %s", accountID)
	}

	snap.Timestamp = time.UnixMilli(ms).UTC()
	if snap.NAV, err = decimal.NewFromString(nav); err != nil {
		return domain.NAVSnapshot{}, errors.Wrap(err, "parse nav")
	}
	if snap.BenchmarkValue, err = decimal.NewFromString(bench); err != nil {
		return domain.NAVSnapshot{}, errors.Wrap(err, "parse benchmark value")
	}
	if snap.Prices.BTC, err = decimal.NewFromString(pBTC); err != nil {
		return domain.NAVSnapshot{}, errors.Wrap(err, "parse btc price")
	}
	if snap.Prices.ETH, err = decimal.NewFromString(pETH); err != nil {
		return domain.NAVSnapshot{}, errors.Wrap(err, "parse eth price")
	}

	return snap, nil
}

// AcquireRunLock takes the process-wide batch lock. A lock older than
// staleAfter is considered abandoned by a crashed run and is stolen.
func (s *Store) AcquireRunLock(holder string, staleAfter time.Duration) (bool, error) {
	now := time.Now()
	staleBefore := now.Add(-staleAfter).UnixMilli()

	res, err := s.db.Exec(`
		INSERT INTO run_lock (id, holder, acquired_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
		WHERE run_lock.acquired_at < ?`,
		holder, now.UnixMilli(), staleBefore,
	)
	if err != nil {
		return false, errors.Wrap(err, "acquire run lock")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}

	return affected > 0, nil
}

// ReleaseRunLock releases the batch lock if still held by holder.
func (s *Store) ReleaseRunLock(holder string) error {
	_, err := s.db.Exec(`DELETE FROM run_lock WHERE holder = ?`, holder)

	return errors.Wrap(err, "release run lock")
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
