package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls across anchord instances sharing a database.
const advisoryLockKey = int64(0x4f43_0001)

const selectColumns = `SELECT idx, ts, raw_data, records, mutation_hash, transaction_hash, store_hash
	FROM ledger_transactions`

// PostgresLedger persists the transaction log to a PostgreSQL database.
// It implements the Ledger interface.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Append implements Ledger.
// It acquires a transaction-scoped advisory lock, reads the tail, computes the
// new hashes and inserts the row within a single database transaction.
func (l *PostgresLedger) Append(ctx context.Context, raw []byte, records []string) (*Transaction, error) {
	dbtx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck

	if _, err := dbtx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var (
		prevIdx   int64 = -1
		prevStore []byte
	)
	err = dbtx.QueryRow(ctx,
		"SELECT idx, store_hash FROM ledger_transactions ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevStore)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		prevIdx, prevStore = -1, genesisStoreHash
	case err != nil:
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	if records == nil {
		records = []string{}
	}
	tx := newTransaction(prevIdx+1, now(), raw, records, prevStore)

	if _, err := dbtx.Exec(ctx,
		`INSERT INTO ledger_transactions
		   (idx, ts, raw_data, records, mutation_hash, transaction_hash, store_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.Index, tx.Timestamp, tx.RawData, tx.Records,
		[]byte(tx.MutationHash), []byte(tx.TransactionHash), []byte(tx.StoreHash),
	); err != nil {
		return nil, fmt.Errorf("insert ledger transaction: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger transaction appended",
		zap.Int64("idx", tx.Index),
		zap.Int("records", len(tx.Records)),
		zap.Stringer("store_hash", tx.StoreHash),
	)
	return tx, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, index int64) (*Transaction, error) {
	tx, err := scanTransaction(l.pool.QueryRow(ctx, selectColumns+" WHERE idx = $1", index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger transaction %d: %w", index, err)
	}
	return tx, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_transactions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger transactions: %w", err)
	}
	return n, nil
}

// Verify implements Ledger. It streams all rows ordered by idx and validates
// the hash chain. O(n) in ledger length.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, selectColumns+" ORDER BY idx ASC")
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	v := newChainVerifier()
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := v.check(tx); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Anchor implements Ledger. Indexes are contiguous from zero, so the count is
// derived from the tail index.
func (l *PostgresLedger) Anchor(ctx context.Context) (anchor.LedgerAnchor, error) {
	var (
		idx   int64
		store []byte
	)
	err := l.pool.QueryRow(ctx,
		"SELECT idx, store_hash FROM ledger_transactions ORDER BY idx DESC LIMIT 1",
	).Scan(&idx, &store)
	if errors.Is(err, pgx.ErrNoRows) {
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

func scanTransaction(row pgx.Row) (*Transaction, error) {
	tx := &Transaction{}
	var mutation, txHash, store []byte
	if err := row.Scan(
		&tx.Index, &tx.Timestamp, &tx.RawData, &tx.Records,
		&mutation, &txHash, &store,
	); err != nil {
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	tx.MutationHash, tx.TransactionHash, tx.StoreHash = mutation, txHash, store
	return tx, nil
}
