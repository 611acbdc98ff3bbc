package timestamp_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor/timestamp"
	"go.uber.org/zap"
)

func TestFactory_buildsRecorder(t *testing.T) {
	srv, _ := tsaServer(t, nil)

	reg := anchor.NewRegistry(zap.NewNop())
	reg.Register(timestamp.Kind, timestamp.Factory)
	reg.SetDefaultPartyID("node-7")

	rec, err := reg.Build(anchor.RecorderConfig{
		Kind:      anchor.KindMulti,
		Recorders: []anchor.RecorderConfig{{Kind: timestamp.Kind, URL: srv.URL}},
	}, "anchoring.recorder")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	proofs, err := rec.RecordAnchor(ctx, testAnchor())
	if err != nil {
		t.Fatalf("RecordAnchor: %v", err)
	}
	if len(proofs) != 1 {
		t.Fatalf("expected 1 proof, got %d", len(proofs))
	}
	if proofs[0].PartyID != "node-7" || proofs[0].Provider != timestamp.DefaultProvider {
		t.Errorf("proof labels: got %q/%q", proofs[0].Provider, proofs[0].PartyID)
	}
}

func TestFactory_requiresURL(t *testing.T) {
	reg := anchor.NewRegistry(nil)
	reg.Register(timestamp.Kind, timestamp.Factory)

	_, err := reg.Build(anchor.RecorderConfig{Kind: timestamp.Kind}, "anchoring.recorder")
	if !errors.Is(err, anchor.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestFactory_badPolicy(t *testing.T) {
	reg := anchor.NewRegistry(nil)
	reg.Register(timestamp.Kind, timestamp.Factory)

	_, err := reg.Build(anchor.RecorderConfig{Kind: timestamp.Kind, URL: "http://tsa.example", Policy: "x.y"}, "r")
	if !errors.Is(err, anchor.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
