package ledger_test

import (
	"bytes"
	"database/sql"
	"errors"
	"testing"

	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

func newSQLiteLedger(t *testing.T) (*ledger.SQLiteLedger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	l, err := ledger.NewSQLiteLedger(ctx, db, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l, db
}

func TestSQLiteLedger_matchesMemory(t *testing.T) {
	sl, _ := newSQLiteLedger(t)
	ml := ledger.NewMemory()

	if _, err := sl.Anchor(ctx); !errors.Is(err, ledger.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	payloads := [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`)}
	for _, p := range payloads {
		stx, err := sl.Append(ctx, p, []string{"k"})
		if err != nil {
			t.Fatal(err)
		}
		mtx, _ := ml.Append(ctx, p, []string{"k"})
		if !bytes.Equal(stx.MutationHash, mtx.MutationHash) {
			t.Errorf("mutation hash differs at %d", stx.Index)
		}
	}

	a, err := sl.Anchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Position != 2 || a.TransactionCount != 3 {
		t.Errorf("anchor: got %+v", a)
	}
	n, _ := sl.Len(ctx)
	if n != 3 {
		t.Errorf("Len: got %d", n)
	}
	if err := sl.Verify(ctx); err != nil {
		t.Errorf("Verify: %v", err)
	}

	tx, err := sl.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(tx.RawData) != `{"n":2}` || len(tx.Records) != 1 || tx.Records[0] != "k" {
		t.Errorf("round trip: got %+v", tx)
	}
	if !bytes.Equal(tx.StoreHash, mustGet(t, sl, 1).StoreHash) {
		t.Error("store hash not stable across reads")
	}
}

func mustGet(t *testing.T, l ledger.Ledger, idx int64) *ledger.Transaction {
	t.Helper()
	tx, err := l.Get(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestSQLiteLedger_notFound(t *testing.T) {
	sl, _ := newSQLiteLedger(t)
	if _, err := sl.Get(ctx, 0); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteLedger_detectsTampering(t *testing.T) {
	sl, db := newSQLiteLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := sl.Append(ctx, []byte{byte(i)}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec("UPDATE ledger_transactions SET raw_data = ? WHERE idx = 1", []byte("forged")); err != nil {
		t.Fatal(err)
	}
	if err := sl.Verify(ctx); !errors.Is(err, ledger.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}
