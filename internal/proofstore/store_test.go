package proofstore_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/proofstore"
)

var ctx = context.Background()

func stores(t *testing.T) map[string]proofstore.Store {
	t.Helper()
	db, err := proofstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]proofstore.Store{
		"memory": proofstore.NewMemory(),
		"sqlite": proofstore.NewSQLite(db),
	}
}

func testAnchor(pos int64) anchor.LedgerAnchor {
	return anchor.LedgerAnchor{
		Position:         pos,
		TransactionCount: uint64(pos + 1),
		FullStoreHash:    bytes.Repeat([]byte{byte(pos)}, 32),
	}
}

func testProofs(pos int64) []anchor.Proof {
	return []anchor.Proof{
		{Position: pos, Provider: "Timestamp", PartyID: "party-1", Payload: []byte{0x30, 0x01}},
		{Position: pos, Provider: "Backup", PartyID: "party-1", Payload: []byte{0x30, 0x02}},
	}
}

func TestStore_saveAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			saved, err := s.Save(ctx, testAnchor(3), testProofs(3))
			if err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Get(ctx, 3)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.ID != saved.ID {
				t.Errorf("ID: got %s, want %s", got.ID, saved.ID)
			}
			if got.Anchor.TransactionCount != 4 || !bytes.Equal(got.Anchor.FullStoreHash, testAnchor(3).FullStoreHash) {
				t.Errorf("anchor not round-tripped: %+v", got.Anchor)
			}
			if len(got.Proofs) != 2 || got.Proofs[1].Provider != "Backup" || !bytes.Equal(got.Proofs[0].Payload, []byte{0x30, 0x01}) {
				t.Errorf("proofs not round-tripped: %+v", got.Proofs)
			}
			if !got.RecordedAt.Equal(saved.RecordedAt) {
				t.Errorf("RecordedAt: got %v, want %v", got.RecordedAt, saved.RecordedAt)
			}
		})
	}
}

func TestStore_duplicatePosition(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Save(ctx, testAnchor(1), testProofs(1)); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Save(ctx, testAnchor(1), testProofs(1)); !errors.Is(err, proofstore.ErrDuplicate) {
				t.Errorf("expected ErrDuplicate, got %v", err)
			}
		})
	}
}

func TestStore_notFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, 99); !errors.Is(err, proofstore.ErrNotFound) {
				t.Errorf("Get: expected ErrNotFound, got %v", err)
			}
			if _, err := s.Latest(ctx); !errors.Is(err, proofstore.ErrNotFound) {
				t.Errorf("Latest: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_latestAndList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, pos := range []int64{2, 7, 4} {
				if _, err := s.Save(ctx, testAnchor(pos), testProofs(pos)); err != nil {
					t.Fatal(err)
				}
			}

			latest, err := s.Latest(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if latest.Anchor.Position != 7 {
				t.Errorf("Latest: got position %d, want 7", latest.Anchor.Position)
			}

			recs, err := s.List(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 2 || recs[0].Anchor.Position != 7 || recs[1].Anchor.Position != 4 {
				t.Errorf("List(2): unexpected order or length")
			}

			all, err := s.List(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Errorf("List(0): got %d records, want 3", len(all))
			}
		})
	}
}

func TestStore_emptyProofs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Save(ctx, testAnchor(0), nil); err != nil {
				t.Fatal(err)
			}
			got, err := s.Get(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if got.Proofs == nil || len(got.Proofs) != 0 {
				t.Errorf("expected empty proof list, got %#v", got.Proofs)
			}
		})
	}
}

func TestOpenSQLite_file(t *testing.T) {
	path := t.TempDir() + "/nested/anchors.db"
	db, err := proofstore.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	s := proofstore.NewSQLite(db)
	if _, err := s.Save(ctx, testAnchor(5), testProofs(5)); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = proofstore.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := proofstore.NewSQLite(db).Get(ctx, 5); err != nil {
		t.Errorf("record did not survive reopen: %v", err)
	}
}
