package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu  sync.RWMutex
	txs []*Transaction
}

// NewMemory creates an empty MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, raw []byte, records []string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisStoreHash
	if n := len(l.txs); n > 0 {
		prev = l.txs[n-1].StoreHash
	}
	tx := newTransaction(int64(len(l.txs)), now(), slices.Clone(raw), slices.Clone(records), prev)
	l.txs = append(l.txs, tx)
	return tx, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, index int64) (*Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= int64(len(l.txs)) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	return l.txs[index], nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.txs)), nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v := newChainVerifier()
	for _, tx := range l.txs {
		if err := v.check(tx); err != nil {
			return err
		}
	}
	return nil
}

// Anchor implements Ledger.
func (l *MemoryLedger) Anchor(_ context.Context) (anchor.LedgerAnchor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.txs) == 0 {
		return anchor.LedgerAnchor{}, ErrEmpty
	}
	tip := l.txs[len(l.txs)-1]
	return anchor.LedgerAnchor{
		Position:         tip.Index,
		TransactionCount: uint64(len(l.txs)),
		FullStoreHash:    slices.Clone(tip.StoreHash),
	}, nil
}
