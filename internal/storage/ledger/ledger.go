// Package ledger persists the append-only event and audit history in a WAL.
// Cashflow events are deduplicated on insert; modification and rebalance
// records are never edited or deleted.
package ledger

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/benchwatch/benchwatch/internal/domain"
)

const (
	eventKeyPrefix     = "cfe_"
	modKeyPrefix       = "mod_"
	rebalanceKeyPrefix = "rbl_"

	walPrefix           = "ledger_"
	walSegmentThreshold = 1000
	walMaxSegments      = 1000
)

// Ledger is a WAL-backed append-only store with an in-memory index rebuilt
// on startup. Safe for concurrent use.
type Ledger struct {
	wal *gowal.Wal

	mu      sync.RWMutex
	seen    map[string]struct{}
	events  map[string][]domain.CashflowEvent
	history map[string][]domain.HistoryRecord
}

// New opens (or creates) the ledger under dir and rebuilds the in-memory
// index from the WAL.
func New(dir string) (*Ledger, error) {
	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           walPrefix,
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	l := &Ledger{
		wal:     wal,
		seen:    make(map[string]struct{}),
		events:  make(map[string][]domain.CashflowEvent),
		history: make(map[string][]domain.HistoryRecord),
	}

	if err := l.recover(); err != nil {
		_ = wal.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) recover() error {
	for msg := range l.wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, eventKeyPrefix):
			var e domain.CashflowEvent
			if err := json.Unmarshal(msg.Value, &e); err != nil {
				return errors.Wrapf(err, "decode cashflow event %s", msg.Key)
			}
			l.seen[e.Key()] = struct{}{}
			l.events[e.AccountID] = append(l.events[e.AccountID], e)

		case strings.HasPrefix(msg.Key, modKeyPrefix):
			var rec domain.ModificationRecord
			if err := json.Unmarshal(msg.Value, &rec); err != nil {
				return errors.Wrapf(err, "decode modification record %s", msg.Key)
			}
			l.history[rec.AccountID] = append(l.history[rec.AccountID], domain.HistoryRecord{Modification: &rec})

		case strings.HasPrefix(msg.Key, rebalanceKeyPrefix):
			var rec domain.RebalanceRecord
			if err := json.Unmarshal(msg.Value, &rec); err != nil {
				return errors.Wrapf(err, "decode rebalance record %s", msg.Key)
			}
			l.history[rec.AccountID] = append(l.history[rec.AccountID], domain.HistoryRecord{Rebalance: &rec})
		}
	}

	return nil
}

func (l *Ledger) append(key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal ledger entry")
	}
	return l.wal.Write(l.wal.CurrentIndex()+1, key, data)
}

// InsertEventIfAbsent writes the event unless one with the same
// (account, id) key already exists. Returns true if newly inserted. A
// duplicate is a no-op, not an error.
func (l *Ledger) InsertEventIfAbsent(e domain.CashflowEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[e.Key()]; ok {
		return false, nil
	}

	if err := l.append(eventKeyPrefix+e.Key(), e); err != nil {
		return false, err
	}

	l.seen[e.Key()] = struct{}{}
	l.events[e.AccountID] = append(l.events[e.AccountID], e)

	return true, nil
}

// AppendModification durably records one cashflow application.
func (l *Ledger) AppendModification(rec domain.ModificationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(modKeyPrefix+rec.AccountID+"/"+rec.ID, rec); err != nil {
		return err
	}

	r := rec
	l.history[rec.AccountID] = append(l.history[rec.AccountID], domain.HistoryRecord{Modification: &r})

	return nil
}

// AppendRebalance durably records one rebalance attempt.
func (l *Ledger) AppendRebalance(rec domain.RebalanceRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(rebalanceKeyPrefix+rec.AccountID+"/"+rec.ID, rec); err != nil {
		return err
	}

	r := rec
	l.history[rec.AccountID] = append(l.history[rec.AccountID], domain.HistoryRecord{Rebalance: &r})

	return nil
}

// EventsAfter returns the account's cashflow events strictly after the given
// time, in ascending timestamp order. This is the pending set between the
// ingestion checkpoint and now.
//
// Strictly after matters: the checkpoint sits at the max timestamp of the
// last applied batch, so an event that arrives late with exactly that
// timestamp is kept in the ledger for audit but never becomes pending again.
func (l *Ledger) EventsAfter(accountID string, after time.Time) []domain.CashflowEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.CashflowEvent
	for _, e := range l.events[accountID] {
		if e.Timestamp.After(after) {
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out
}

// History returns all modification and rebalance records for the account in
// ascending timestamp order.
func (l *Ledger) History(accountID string) []domain.HistoryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.HistoryRecord, len(l.history[accountID]))
	copy(out, l.history[accountID])

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time().Before(out[j].Time())
	})

	return out
}

// Close closes the underlying WAL.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.wal.Close()
}
