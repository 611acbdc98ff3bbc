package proofstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS anchor_records (
	id                TEXT    NOT NULL PRIMARY KEY,
	position          INTEGER NOT NULL UNIQUE,
	transaction_count INTEGER NOT NULL,
	full_store_hash   BLOB    NOT NULL,
	proofs            TEXT    NOT NULL,
	recorded_at       TEXT    NOT NULL
)`

const sqliteSelect = `SELECT id, position, transaction_count, full_store_hash, proofs, recorded_at
	FROM anchor_records`

// OpenSQLite opens the SQLite database at path with WAL journaling and a busy
// timeout, and creates the schema if needed. ":memory:" is accepted; the pool
// is then pinned to one connection so every query sees the same database.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		sqliteSchema,
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
	}
	return db, nil
}

// SQLiteStore persists anchor records in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLiteStore on a database opened with OpenSQLite.
func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, a anchor.LedgerAnchor, proofs []anchor.Proof) (*Record, error) {
	rec := newRecord(a, proofs)
	raw, err := encodeProofs(rec.Proofs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anchor_records (id, position, transaction_count, full_store_hash, proofs, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), a.Position, int64(a.TransactionCount), a.FullStoreHash,
		string(raw), rec.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("position %d: %w", a.Position, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert anchor record: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, position int64) (*Record, error) {
	rec, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+" WHERE position = ?", position))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %d: %w", position, ErrNotFound)
		}
		return nil, fmt.Errorf("get anchor record: %w", err)
	}
	return rec, nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context) (*Record, error) {
	rec, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+" ORDER BY position DESC LIMIT 1"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest anchor record: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+" ORDER BY position DESC LIMIT ?", normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list anchor records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row sqlScanner) (*Record, error) {
	var (
		rec        Record
		id, raw    string
		recordedAt string
		count      int64
	)
	if err := row.Scan(&id, &rec.Anchor.Position, &count, &rec.Anchor.FullStoreHash, &raw, &recordedAt); err != nil {
		return nil, err
	}

	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	rec.Anchor.TransactionCount = uint64(count)
	if rec.Proofs, err = decodeProofs([]byte(raw)); err != nil {
		return nil, err
	}
	return &rec, nil
}
