package timestamp

import (
	"bytes"
	"crypto"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
)

// Verification describes a proof token that matched its anchor.
type Verification struct {
	GeneratedAt  time.Time `json:"generated_at"`
	SerialNumber *big.Int  `json:"serial_number"`
	Signer       string    `json:"signer"`
	Policy       string    `json:"policy"`
}

// VerifyProof checks that p is a TimeStampToken signed by the certificate it
// carries and issued over Digest(a). It does not check the signer against a
// trust store.
func VerifyProof(a anchor.LedgerAnchor, p anchor.Proof) (*Verification, error) {
	if p.Position != a.Position {
		return nil, fmt.Errorf("%w: proof position %d, anchor position %d", anchor.ErrValidation, p.Position, a.Position)
	}

	ts, err := timestamp.Parse(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: parse token: %w", anchor.ErrValidation, err)
	}
	if len(ts.Certificates) == 0 {
		return nil, fmt.Errorf("%w: token carries no signer certificate", anchor.ErrValidation)
	}
	if ts.HashAlgorithm != crypto.SHA256 {
		return nil, fmt.Errorf("%w: token hash algorithm %v", anchor.ErrValidation, ts.HashAlgorithm)
	}
	if !bytes.Equal(ts.HashedMessage, Digest(a)) {
		return nil, fmt.Errorf("%w: token was not issued for anchor %d", anchor.ErrValidation, a.Position)
	}

	return &Verification{
		GeneratedAt:  ts.Time,
		SerialNumber: ts.SerialNumber,
		Signer:       ts.Certificates[0].Subject.CommonName,
		Policy:       ts.Policy.String(),
	}, nil
}
