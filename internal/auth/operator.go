// Package auth issues and checks the bearer tokens that guard operator-only
// endpoints (appending transactions, triggering an anchor run).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer      = "ledgeranchor"
	typOperator = "operator"
)

// OperatorClaims are the JWT claims of an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// OperatorTokens issues and verifies HS256 operator tokens.
// A zero-value secret disables verification; see Enabled.
type OperatorTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewOperatorTokens creates an OperatorTokens signing with secret.
// ttl defaults to 8 hours.
func NewOperatorTokens(secret string, ttl time.Duration) *OperatorTokens {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &OperatorTokens{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a secret is configured.
func (o *OperatorTokens) Enabled() bool { return len(o.secret) > 0 }

// Issue creates a signed operator token for subject.
func (o *OperatorTokens) Issue(subject string) (string, error) {
	if !o.Enabled() {
		return "", fmt.Errorf("operator secret not configured")
	}
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(o.ttl)),
			ID:        uuid.New().String(),
		},
		Type: typOperator,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token, returning its claims.
func (o *OperatorTokens) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return o.secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid operator token claims")
	}
	if claims.Type != typOperator {
		return nil, fmt.Errorf("not an operator token")
	}
	return claims, nil
}
