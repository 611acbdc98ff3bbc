// Package ledger implements the append-only transaction log whose running
// store hash is anchored into external trust sources.
//
// Every transaction commits to its raw mutation data and its position; every
// store hash commits to the previous store hash and the transaction, so the
// tip store hash commits to the full history. The tip is what Anchor exposes.
//
// Three implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - SQLiteLedger: single-node, sharing a file with the proof store.
//   - PostgresLedger: durable, for production use.
package ledger

import (
	"context"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
)

// Ledger is the interface for the append-only transaction log.
type Ledger interface {
	// Append adds a transaction carrying raw and the keys of the records it
	// touches, chained to the current tip.
	Append(ctx context.Context, raw []byte, records []string) (*Transaction, error)

	// Get returns the transaction at the given zero-based index.
	Get(ctx context.Context, index int64) (*Transaction, error)

	// Len returns the number of transactions.
	Len(ctx context.Context) (int64, error)

	// Verify walks the entire log and checks hash consistency.
	// Returns nil if the log is intact.
	Verify(ctx context.Context) error

	// Anchor returns a commitment to the current tip. It fails with ErrEmpty
	// when no transaction has been appended yet.
	Anchor(ctx context.Context) (anchor.LedgerAnchor, error)
}
