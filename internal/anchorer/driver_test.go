package anchorer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"github.com/jmerrifield20/ledgeranchor/internal/proofstore"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubRecorder struct {
	mu       sync.Mutex
	ready    bool
	err      error
	shift    int64 // added to the proof position
	recorded []anchor.LedgerAnchor
}

func (s *stubRecorder) CanRecordAnchor(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubRecorder) RecordAnchor(_ context.Context, a anchor.LedgerAnchor) ([]anchor.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.recorded = append(s.recorded, a)
	return []anchor.Proof{{Position: a.Position + s.shift, Provider: "stub", Payload: []byte("proof")}}, nil
}

func (s *stubRecorder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recorded)
}

func newDriver(t *testing.T, rec anchor.Recorder) (*Driver, *ledger.MemoryLedger, *proofstore.MemoryStore) {
	t.Helper()
	l := ledger.NewMemory()
	s := proofstore.NewMemory()
	return New(l, rec, s, Config{Interval: 10 * time.Millisecond}, zap.NewNop()), l, s
}

func appendN(t *testing.T, l ledger.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), []byte{byte(i)}, []string{"k"}); err != nil {
			t.Fatal(err)
		}
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestRunOnce_emptyLedger(t *testing.T) {
	rec := &stubRecorder{ready: true}
	d, _, _ := newDriver(t, rec)

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeEmpty {
		t.Errorf("outcome: got %q, want %q", res.Outcome, OutcomeEmpty)
	}
	if rec.calls() != 0 {
		t.Error("recorder called on an empty ledger")
	}
}

func TestRunOnce_recordsAndStores(t *testing.T) {
	rec := &stubRecorder{ready: true}
	d, l, s := newDriver(t, rec)
	appendN(t, l, 3)

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Outcome != OutcomeRecorded {
		t.Fatalf("outcome: got %q", res.Outcome)
	}
	if res.Anchor.Position != 2 || res.Anchor.TransactionCount != 3 {
		t.Errorf("anchor: %+v", res.Anchor)
	}

	stored, err := s.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.Proofs) != 1 || stored.Proofs[0].Provider != "stub" {
		t.Errorf("stored proofs: %+v", stored.Proofs)
	}
}

func TestRunOnce_skipsUnchanged(t *testing.T) {
	rec := &stubRecorder{ready: true}
	d, l, _ := newDriver(t, rec)
	appendN(t, l, 1)

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("outcome: got %q, want %q", res.Outcome, OutcomeUnchanged)
	}
	if rec.calls() != 1 {
		t.Errorf("recorder called %d times, want 1", rec.calls())
	}

	appendN(t, l, 1)
	if res, _ := d.RunOnce(context.Background()); res.Outcome != OutcomeRecorded {
		t.Errorf("new transaction not anchored: %q", res.Outcome)
	}
}

func TestRunOnce_notReady(t *testing.T) {
	rec := &stubRecorder{ready: false}
	d, l, s := newDriver(t, rec)
	appendN(t, l, 2)

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNotReady {
		t.Errorf("outcome: got %q, want %q", res.Outcome, OutcomeNotReady)
	}
	if rec.calls() != 0 {
		t.Error("RecordAnchor called although recorder was not ready")
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, proofstore.ErrNotFound) {
		t.Error("something was stored although recorder was not ready")
	}
}

func TestRunOnce_recorderFailureStoresNothing(t *testing.T) {
	boom := &anchor.RejectedError{StatusCode: 500, Status: "Internal Server Error"}
	d, l, s := newDriver(t, &stubRecorder{ready: true, err: boom})
	appendN(t, l, 1)

	res, err := d.RunOnce(context.Background())
	if !errors.Is(err, anchor.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome: got %q", res.Outcome)
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, proofstore.ErrNotFound) {
		t.Error("failed anchor was stored")
	}
}

func TestRunOnce_positionMismatch(t *testing.T) {
	d, l, s := newDriver(t, &stubRecorder{ready: true, shift: 1})
	appendN(t, l, 1)

	if _, err := d.RunOnce(context.Background()); !errors.Is(err, ErrPositionMismatch) {
		t.Fatalf("expected ErrPositionMismatch, got %v", err)
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, proofstore.ErrNotFound) {
		t.Error("mismatched proofs were stored")
	}
}

func TestRunOnce_metricsCallback(t *testing.T) {
	d, l, _ := newDriver(t, &stubRecorder{ready: true})
	appendN(t, l, 1)

	var got []Outcome
	d.SetMetricsRecord(func(o Outcome, proofs int, _ time.Duration) {
		got = append(got, o)
		if o == OutcomeRecorded && proofs != 1 {
			t.Errorf("proofs: got %d, want 1", proofs)
		}
	})

	_, _ = d.RunOnce(context.Background())
	_, _ = d.RunOnce(context.Background())

	if len(got) != 2 || got[0] != OutcomeRecorded || got[1] != OutcomeUnchanged {
		t.Errorf("metrics outcomes: %v", got)
	}
}

func TestRunOnce_resultHook(t *testing.T) {
	boom := errors.New("tsa down")
	rec := &stubRecorder{ready: true, err: boom}
	d, l, _ := newDriver(t, rec)
	appendN(t, l, 1)

	var (
		outcomes []Outcome
		errs     []error
	)
	d.SetResultHook(func(res Result, err error) {
		outcomes = append(outcomes, res.Outcome)
		errs = append(errs, err)
	})

	_, _ = d.RunOnce(context.Background())
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	_, _ = d.RunOnce(context.Background())

	if len(outcomes) != 2 || outcomes[0] != OutcomeFailed || outcomes[1] != OutcomeRecorded {
		t.Fatalf("hook outcomes: %v", outcomes)
	}
	if !errors.Is(errs[0], boom) || errs[1] != nil {
		t.Errorf("hook errors: %v", errs)
	}
}

func TestStart_stopsOnQuit(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &stubRecorder{ready: true}
	d, l, _ := newDriver(t, rec)
	appendN(t, l, 1)

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.Start(quit)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for rec.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("loop never anchored")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(quit)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after quit")
	}
}
