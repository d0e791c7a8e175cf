// Package ingest polls heterogeneous upstream transaction sources,
// normalizes them into canonical cashflow events and deduplicates them
// through the append-only ledger.
package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/benchwatch/benchwatch/internal/domain"
)

// ErrSourceUnavailable marks a true transport/auth failure of an upstream
// source, as opposed to "no data". Wrap it so errors.Is works through the
// chain.
var ErrSourceUnavailable = errors.New("transaction source unavailable")

// RawRecord is one upstream transaction before normalization. Each source
// maps its own payload shape into this strict form; anything that does not
// map cleanly is rejected during normalization rather than field-guessed.
type RawRecord struct {
	// SourceID is the upstream transaction identifier, already prefixed by
	// the source (e.g. "DEP_", "WD_") so ids never collide across kinds.
	SourceID  string
	Kind      domain.EventKind
	Direction domain.Direction
	Asset     string
	Amount    string
	Timestamp time.Time
	Internal  bool
}

// Source fetches raw transaction records of one upstream kind. A source
// returns an empty slice, not an error, when there is simply no data.
type Source interface {
	Name() string
	FetchSince(ctx context.Context, since time.Time) ([]RawRecord, error)
}
