package proofstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]*Record
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*Record)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, a anchor.LedgerAnchor, proofs []anchor.Proof) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[a.Position]; ok {
		return nil, fmt.Errorf("position %d: %w", a.Position, ErrDuplicate)
	}
	rec := newRecord(a, proofs)
	s.records[a.Position] = rec
	return rec, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, position int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[position]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", position, ErrNotFound)
	}
	return rec, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(ctx context.Context) (*Record, error) {
	recs, _ := s.List(ctx, 1)
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Anchor.Position > out[j].Anchor.Position })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
