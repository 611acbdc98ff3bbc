package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
	idx              INTEGER NOT NULL PRIMARY KEY,
	ts               INTEGER NOT NULL,
	raw_data         BLOB    NOT NULL,
	records          TEXT    NOT NULL,
	mutation_hash    BLOB    NOT NULL,
	transaction_hash BLOB    NOT NULL,
	store_hash       BLOB    NOT NULL
)`

// SQLiteLedger keeps the transaction log in a SQLite database, typically the
// same file that holds the proof store. Timestamps are stored as Unix
// nanoseconds so hashes recompute exactly.
type SQLiteLedger struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSQLiteLedger creates the ledger table on db if needed.
func NewSQLiteLedger(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteLedger, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, logger: logger}, nil
}

// Append implements Ledger.
func (l *SQLiteLedger) Append(ctx context.Context, raw []byte, records []string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	var (
		prevIdx   int64
		prevStore []byte
	)
	err = dbtx.QueryRowContext(ctx,
		"SELECT idx, store_hash FROM ledger_transactions ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevStore)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevIdx, prevStore = -1, genesisStoreHash
	case err != nil:
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	if records == nil {
		records = []string{}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	tx := newTransaction(prevIdx+1, now(), raw, records, prevStore)

	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO ledger_transactions
		   (idx, ts, raw_data, records, mutation_hash, transaction_hash, store_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.Index, tx.Timestamp.UnixNano(), tx.RawData, string(recordsJSON),
		[]byte(tx.MutationHash), []byte(tx.TransactionHash), []byte(tx.StoreHash),
	); err != nil {
		return nil, fmt.Errorf("insert ledger transaction: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger transaction appended",
		zap.Int64("idx", tx.Index),
		zap.Stringer("store_hash", tx.StoreHash),
	)
	return tx, nil
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, index int64) (*Transaction, error) {
	tx, err := scanSQLite(l.db.QueryRowContext(ctx, selectColumns+" WHERE idx = ?", index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger transaction %d: %w", index, err)
	}
	return tx, nil
}

// Len implements Ledger.
func (l *SQLiteLedger) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_transactions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger transactions: %w", err)
	}
	return n, nil
}

// Verify implements Ledger.
func (l *SQLiteLedger) Verify(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, selectColumns+" ORDER BY idx ASC")
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	v := newChainVerifier()
	for rows.Next() {
		tx, err := scanSQLite(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := v.check(tx); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Anchor implements Ledger.
func (l *SQLiteLedger) Anchor(ctx context.Context) (anchor.LedgerAnchor, error) {
	var (
		idx   int64
		store []byte
	)
	err := l.db.QueryRowContext(ctx,
		"SELECT idx, store_hash FROM ledger_transactions ORDER BY idx DESC LIMIT 1",
	).Scan(&idx, &store)
	if errors.Is(err, sql.ErrNoRows) {
		return anchor.LedgerAnchor{}, ErrEmpty
	}
	if err != nil {
		return anchor.LedgerAnchor{}, fmt.Errorf("read ledger tail: %w", err)
	}
	return anchor.LedgerAnchor{
		Position:         idx,
		TransactionCount: uint64(idx + 1),
		FullStoreHash:    store,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		ts                      int64
		records                 string
		mutation, txHash, store []byte
	)
	if err := row.Scan(&tx.Index, &ts, &tx.RawData, &records, &mutation, &txHash, &store); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(records), &tx.Records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	tx.Timestamp = time.Unix(0, ts).UTC()
	tx.MutationHash, tx.TransactionHash, tx.StoreHash = mutation, txHash, store
	return tx, nil
}
