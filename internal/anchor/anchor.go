// Package anchor defines ledger anchors, the proofs that trust backends issue
// for them, and the Recorder contract every backend implements.
//
// Two Recorder variants live in this module:
//   - timestamp.Recorder: anchors into an RFC3161 timestamping authority.
//   - MultiRecorder: fans one anchor out to an ordered list of recorders.
//
// Recorders are assembled from configuration by a Registry that maps recorder
// kinds to factories registered by the host application.
package anchor

import (
	"context"
	"encoding/hex"
)

// LedgerAnchor is a commitment to the ledger state at a point in time.
// Anchors are produced by the ledger and treated as read-only by recorders.
type LedgerAnchor struct {
	Position         int64  `json:"position"`
	TransactionCount uint64 `json:"transaction_count"`
	FullStoreHash    []byte `json:"full_store_hash"`
}

// StoreHashHex returns the hex encoding of FullStoreHash.
func (a LedgerAnchor) StoreHashHex() string {
	return hex.EncodeToString(a.FullStoreHash)
}

// Proof is the evidence a single trust backend issued for an anchor.
// Position always equals the Position of the anchor it was produced from.
type Proof struct {
	Position int64  `json:"position"`
	Provider string `json:"provider"`
	PartyID  string `json:"party_id"`
	Payload  []byte `json:"payload"`
}

// Recorder records ledger anchors into an external trust source.
type Recorder interface {
	// CanRecordAnchor reports whether the backend can accept a new anchor.
	// It may perform I/O but never changes anchor state.
	CanRecordAnchor(ctx context.Context) bool

	// RecordAnchor records a and returns the resulting proofs. On failure it
	// returns an error and no proofs.
	RecordAnchor(ctx context.Context, a LedgerAnchor) ([]Proof, error)
}
