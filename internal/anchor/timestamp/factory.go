package timestamp

import (
	"fmt"
	"net/http"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"go.uber.org/zap"
)

// Factory builds timestamp recorders from registry configuration.
// It reads url (required), provider, party_id, timeout, nonce and policy.
func Factory(reg *anchor.Registry, cfg anchor.RecorderConfig, path string) (anchor.Recorder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	partyID := cfg.PartyID
	if partyID == "" {
		partyID = reg.DefaultPartyID()
	}

	opts := []Option{
		WithLogger(reg.Logger().With(zap.String("recorder", path), zap.String("tsa", cfg.URL))),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	if cfg.Nonce != nil && !*cfg.Nonce {
		opts = append(opts, WithoutNonce())
	}
	if cfg.Policy != "" {
		oid, err := ParsePolicy(cfg.Policy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithPolicy(oid))
	}

	return New(cfg.URL, cfg.Provider, partyID, opts...)
}
