// Package proofstore persists recorded anchors together with the proofs the
// trust backends issued for them.
package proofstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
)

var (
	// ErrNotFound is returned when no record exists for a position.
	ErrNotFound = errors.New("anchor record not found")

	// ErrDuplicate is returned when a position has already been saved.
	ErrDuplicate = errors.New("anchor already recorded at this position")
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Record is one anchor and the proofs recorded for it.
type Record struct {
	ID         uuid.UUID           `json:"id"`
	Anchor     anchor.LedgerAnchor `json:"anchor"`
	Proofs     []anchor.Proof      `json:"proofs"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Store persists anchor records. Positions are unique.
type Store interface {
	// Save stores proofs for a and returns the new record.
	Save(ctx context.Context, a anchor.LedgerAnchor, proofs []anchor.Proof) (*Record, error)

	// Get returns the record for position.
	Get(ctx context.Context, position int64) (*Record, error)

	// Latest returns the record with the highest position.
	Latest(ctx context.Context) (*Record, error)

	// List returns up to limit records, highest position first.
	List(ctx context.Context, limit int) ([]*Record, error)
}

func newRecord(a anchor.LedgerAnchor, proofs []anchor.Proof) *Record {
	if proofs == nil {
		proofs = []anchor.Proof{}
	}
	if a.FullStoreHash == nil {
		a.FullStoreHash = []byte{}
	}
	return &Record{
		ID:         uuid.New(),
		Anchor:     a,
		Proofs:     proofs,
		RecordedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// encodeProofs and decodeProofs store the proof list as one JSON column.
func encodeProofs(proofs []anchor.Proof) ([]byte, error) {
	b, err := json.Marshal(proofs)
	if err != nil {
		return nil, fmt.Errorf("marshal proofs: %w", err)
	}
	return b, nil
}

func decodeProofs(b []byte) ([]anchor.Proof, error) {
	proofs := []anchor.Proof{}
	if err := json.Unmarshal(b, &proofs); err != nil {
		return nil, fmt.Errorf("unmarshal proofs: %w", err)
	}
	return proofs, nil
}
