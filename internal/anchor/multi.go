package anchor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FanOut selects how a MultiRecorder drives its children.
type FanOut string

const (
	// FanOutSequential calls children one after another in configuration order.
	FanOutSequential FanOut = "sequential"
	// FanOutParallel calls all children at once. Results are still assembled
	// in configuration order.
	FanOutParallel FanOut = "parallel"
)

// ParseFanOut maps a configuration value to a FanOut. The empty string selects
// FanOutSequential.
func ParseFanOut(s string) (FanOut, error) {
	switch FanOut(s) {
	case "", FanOutSequential:
		return FanOutSequential, nil
	case FanOutParallel:
		return FanOutParallel, nil
	default:
		return "", fmt.Errorf("unknown fan-out mode %q", s)
	}
}

// MultiRecorder records every anchor with each of an ordered list of child
// recorders and returns their proofs concatenated in child order.
//
// A failing child fails the whole call: its error is returned unchanged and
// proofs already collected from other children are dropped. Anchors already
// committed by earlier children are not undone.
type MultiRecorder struct {
	recorders []Recorder
	fanOut    FanOut
	logger    *zap.Logger
}

// NewMultiRecorder creates a MultiRecorder over recorders. The slice is copied;
// the child list is fixed for the lifetime of the MultiRecorder.
func NewMultiRecorder(recorders []Recorder, fanOut FanOut, logger *zap.Logger) *MultiRecorder {
	if fanOut == "" {
		fanOut = FanOutSequential
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	children := make([]Recorder, len(recorders))
	copy(children, recorders)
	return &MultiRecorder{recorders: children, fanOut: fanOut, logger: logger}
}

// Len returns the number of child recorders.
func (m *MultiRecorder) Len() int { return len(m.recorders) }

// CanRecordAnchor implements Recorder. Every child is asked, even after one has
// answered false, and the result is the logical AND of all answers.
func (m *MultiRecorder) CanRecordAnchor(ctx context.Context) bool {
	ready := make([]bool, len(m.recorders))

	if m.fanOut == FanOutParallel {
		var g errgroup.Group
		for i, r := range m.recorders {
			i, r := i, r
			g.Go(func() error {
				ready[i] = r.CanRecordAnchor(ctx)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, r := range m.recorders {
			ready[i] = r.CanRecordAnchor(ctx)
		}
	}

	all := true
	for i, ok := range ready {
		if !ok {
			m.logger.Debug("child recorder not ready", zap.Int("child", i))
			all = false
		}
	}
	return all
}

// RecordAnchor implements Recorder.
func (m *MultiRecorder) RecordAnchor(ctx context.Context, a LedgerAnchor) ([]Proof, error) {
	if m.fanOut == FanOutParallel {
		return m.recordParallel(ctx, a)
	}

	var proofs []Proof
	for i, r := range m.recorders {
		p, err := r.RecordAnchor(ctx, a)
		if err != nil {
			m.logger.Warn("child recorder failed",
				zap.Int("child", i),
				zap.Int64("position", a.Position),
				zap.Error(err),
			)
			return nil, err
		}
		proofs = append(proofs, p...)
	}
	return proofs, nil
}

// recordParallel starts every child at once and joins them. The errgroup
// returns the first error observed and cancels the shared context.
func (m *MultiRecorder) recordParallel(ctx context.Context, a LedgerAnchor) ([]Proof, error) {
	results := make([][]Proof, len(m.recorders))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range m.recorders {
		i, r := i, r
		g.Go(func() error {
			p, err := r.RecordAnchor(gctx, a)
			if err != nil {
				m.logger.Warn("child recorder failed",
					zap.Int("child", i),
					zap.Int64("position", a.Position),
					zap.Error(err),
				)
				return err
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var proofs []Proof
	for _, p := range results {
		proofs = append(proofs, p...)
	}
	return proofs, nil
}
