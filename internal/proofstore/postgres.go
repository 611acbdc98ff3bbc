package proofstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
)

const pgSelect = `SELECT id, position, transaction_count, full_store_hash, proofs, recorded_at
	FROM anchor_records`

// PostgresStore persists anchor records in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgres creates a PostgresStore backed by the given pool.
func NewPostgres(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, a anchor.LedgerAnchor, proofs []anchor.Proof) (*Record, error) {
	rec := newRecord(a, proofs)
	raw, err := encodeProofs(rec.Proofs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO anchor_records (id, position, transaction_count, full_store_hash, proofs, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, a.Position, int64(a.TransactionCount), a.FullStoreHash, raw, rec.RecordedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("position %d: %w", a.Position, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert anchor record: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, position int64) (*Record, error) {
	rec, err := scanPG(s.db.QueryRow(ctx, pgSelect+" WHERE position = $1", position))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %d: %w", position, ErrNotFound)
		}
		return nil, fmt.Errorf("get anchor record: %w", err)
	}
	return rec, nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context) (*Record, error) {
	rec, err := scanPG(s.db.QueryRow(ctx, pgSelect+" ORDER BY position DESC LIMIT 1"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest anchor record: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.Query(ctx, pgSelect+" ORDER BY position DESC LIMIT $1", normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list anchor records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPG(row pgx.Row) (*Record, error) {
	var (
		rec   Record
		count int64
		raw   []byte
	)
	if err := row.Scan(&rec.ID, &rec.Anchor.Position, &count, &rec.Anchor.FullStoreHash, &raw, &rec.RecordedAt); err != nil {
		return nil, err
	}
	rec.Anchor.TransactionCount = uint64(count)
	rec.RecordedAt = rec.RecordedAt.UTC()
	proofs, err := decodeProofs(raw)
	if err != nil {
		return nil, err
	}
	rec.Proofs = proofs
	return &rec, nil
}
