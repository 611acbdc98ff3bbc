package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmpty is returned by Anchor on a ledger without transactions.
	ErrEmpty = errors.New("ledger is empty")

	// ErrNotFound is returned by Get for an index outside the ledger.
	ErrNotFound = errors.New("transaction not found")

	// ErrCorrupt is returned by Verify when the hash chain does not hold.
	ErrCorrupt = errors.New("ledger hash chain broken")
)

// Hash is a SHA-256 digest. It encodes as lowercase hex in JSON.
type Hash []byte

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	*h = b
	return nil
}

func (h Hash) String() string { return hex.EncodeToString(h) }

// Transaction is a single entry in the ledger.
type Transaction struct {
	Index           int64     `json:"index"`
	Timestamp       time.Time `json:"timestamp"`
	RawData         []byte    `json:"raw_data"`
	Records         []string  `json:"records"`
	MutationHash    Hash      `json:"mutation_hash"`
	TransactionHash Hash      `json:"transaction_hash"`
	StoreHash       Hash      `json:"store_hash"`
}

// genesisStoreHash is the store hash that precedes the first transaction.
var genesisStoreHash = make(Hash, sha256.Size)

// now returns the current time at the precision PostgreSQL stores, so a
// transaction hashes the same before and after a round trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// newTransaction builds the transaction at index chained to prevStore.
func newTransaction(index int64, ts time.Time, raw []byte, records []string, prevStore Hash) *Transaction {
	tx := &Transaction{
		Index:     index,
		Timestamp: ts,
		RawData:   raw,
		Records:   records,
	}
	tx.MutationHash = mutationHash(raw)
	tx.TransactionHash = transactionHash(tx)
	tx.StoreHash = storeHash(prevStore, tx.TransactionHash)
	return tx
}

func mutationHash(raw []byte) Hash {
	sum := sha256.Sum256(raw)
	return sum[:]
}

// transactionHash is SHA-256(index ‖ timestamp ‖ mutation hash), with index
// and timestamp (Unix nanoseconds) as big-endian 64-bit integers.
func transactionHash(tx *Transaction) Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(tx.Index))
	binary.BigEndian.PutUint64(buf[8:], uint64(tx.Timestamp.UnixNano()))

	h := sha256.New()
	h.Write(buf[:])
	h.Write(tx.MutationHash)
	return h.Sum(nil)
}

func storeHash(prev, txHash Hash) Hash {
	h := sha256.New()
	h.Write(prev)
	h.Write(txHash)
	return h.Sum(nil)
}

// chainVerifier checks transactions one at a time in index order.
type chainVerifier struct {
	next int64
	prev Hash
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{prev: genesisStoreHash}
}

func (v *chainVerifier) check(tx *Transaction) error {
	switch {
	case tx.Index != v.next:
		return fmt.Errorf("%w: expected index %d, found %d", ErrCorrupt, v.next, tx.Index)
	case !bytes.Equal(tx.MutationHash, mutationHash(tx.RawData)):
		return fmt.Errorf("%w: transaction %d has invalid mutation hash", ErrCorrupt, tx.Index)
	case !bytes.Equal(tx.TransactionHash, transactionHash(tx)):
		return fmt.Errorf("%w: transaction %d has invalid hash", ErrCorrupt, tx.Index)
	case !bytes.Equal(tx.StoreHash, storeHash(v.prev, tx.TransactionHash)):
		return fmt.Errorf("%w: store hash mismatch at index %d", ErrCorrupt, tx.Index)
	}
	v.next++
	v.prev = tx.StoreHash
	return nil
}
