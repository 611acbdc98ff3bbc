// Package anchorer periodically takes an anchor from the ledger, records it
// with the configured recorder tree and stores the resulting proofs.
package anchorer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"github.com/jmerrifield20/ledgeranchor/internal/proofstore"
	"go.uber.org/zap"
)

// ErrPositionMismatch is returned when a recorder hands back a proof for a
// position other than the anchor it was given.
var ErrPositionMismatch = errors.New("proof position does not match anchor")

// Config holds driver configuration.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Outcome classifies one RunOnce call.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeEmpty     Outcome = "empty"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeNotReady  Outcome = "not_ready"
	OutcomeFailed    Outcome = "failed"
)

// Result describes what RunOnce did.
type Result struct {
	Outcome Outcome             `json:"outcome"`
	Anchor  anchor.LedgerAnchor `json:"anchor"`
	Record  *proofstore.Record  `json:"record,omitempty"`
}

// AnchorSource produces anchors over the current ledger state.
type AnchorSource interface {
	Anchor(ctx context.Context) (anchor.LedgerAnchor, error)
}

// MetricsRecordFunc is an optional callback invoked after every run.
type MetricsRecordFunc func(outcome Outcome, proofs int, elapsed time.Duration)

// ResultHook is an optional callback invoked with the outcome of every run.
type ResultHook func(res Result, err error)

// Driver runs the anchoring loop. RunOnce calls are serialised, so the
// periodic loop and on-demand triggers never record the same position twice.
type Driver struct {
	source    AnchorSource
	recorder  anchor.Recorder
	store     proofstore.Store
	cfg       Config
	onMetrics MetricsRecordFunc
	onResult  ResultHook
	mu        sync.Mutex
	logger    *zap.Logger
}

// New creates a Driver.
func New(source AnchorSource, recorder anchor.Recorder, store proofstore.Store, cfg Config, logger *zap.Logger) *Driver {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Driver{
		source:   source,
		recorder: recorder,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (d *Driver) SetMetricsRecord(fn MetricsRecordFunc) {
	d.onMetrics = fn
}

// SetResultHook configures a callback that observes every run, e.g. to send
// notifications. It is called while the run lock is held and must not block.
func (d *Driver) SetResultHook(fn ResultHook) {
	d.onResult = fn
}

// Start runs the anchoring loop until quit is closed.
func (d *Driver) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.RunOnce(context.Background()); err != nil {
				d.logger.Warn("anchoring run failed", zap.Error(err))
			}
		case <-quit:
			return
		}
	}
}

// RunOnce anchors the current ledger tip if it is newer than the last stored
// anchor and the recorder is ready. Skips are not errors.
func (d *Driver) RunOnce(ctx context.Context) (res Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	defer func() {
		if d.onMetrics != nil {
			n := 0
			if res.Record != nil {
				n = len(res.Record.Proofs)
			}
			d.onMetrics(res.Outcome, n, time.Since(start))
		}
		if d.onResult != nil {
			d.onResult(res, err)
		}
	}()

	a, err := d.source.Anchor(ctx)
	if errors.Is(err, ledger.ErrEmpty) {
		return Result{Outcome: OutcomeEmpty}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("take ledger anchor: %w", err)
	}

	latest, err := d.store.Latest(ctx)
	switch {
	case errors.Is(err, proofstore.ErrNotFound):
	case err != nil:
		return Result{Outcome: OutcomeFailed, Anchor: a}, fmt.Errorf("read latest anchor: %w", err)
	case a.Position <= latest.Anchor.Position:
		return Result{Outcome: OutcomeUnchanged, Anchor: a}, nil
	}

	if !d.recorder.CanRecordAnchor(ctx) {
		d.logger.Info("recorder not ready, skipping anchor", zap.Int64("position", a.Position))
		return Result{Outcome: OutcomeNotReady, Anchor: a}, nil
	}

	rctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	proofs, err := d.recorder.RecordAnchor(rctx, a)
	cancel()
	if err != nil {
		return Result{Outcome: OutcomeFailed, Anchor: a}, fmt.Errorf("record anchor at %d: %w", a.Position, err)
	}
	for _, p := range proofs {
		if p.Position != a.Position {
			return Result{Outcome: OutcomeFailed, Anchor: a},
				fmt.Errorf("%w: %s proof at %d, anchor at %d", ErrPositionMismatch, p.Provider, p.Position, a.Position)
		}
	}

	rec, err := d.store.Save(ctx, a, proofs)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Anchor: a}, fmt.Errorf("save anchor at %d: %w", a.Position, err)
	}

	d.logger.Info("anchor recorded",
		zap.Int64("position", a.Position),
		zap.Uint64("transaction_count", a.TransactionCount),
		zap.String("store_hash", a.StoreHashHex()),
		zap.Int("proofs", len(proofs)),
	)
	return Result{Outcome: OutcomeRecorded, Anchor: a, Record: rec}, nil
}
