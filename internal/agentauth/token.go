// Package agentauth mints and verifies the short-lived internal tokens
// the Scheduled Execution Engine attaches to a headless run dispatch —
// one that has no live HTTP caller or session to authenticate against.
package agentauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer       = "controlplane-scheduler"
	tokenTTL     = 2 * time.Minute
	subjectClaim = "scheduler"
)

// Claims identifies a scheduler-originated run dispatch.
type Claims struct {
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

// Minter signs and verifies internal dispatch tokens with a shared HMAC
// key, distinct from the user-facing OIDC bearer tokens the Identity
// Gate verifies.
type Minter struct {
	secret []byte
}

// NewMinter builds a Minter from a raw HMAC key.
func NewMinter(secret []byte) *Minter {
	return &Minter{secret: secret}
}

// Mint signs a token scoped to jobID, valid for tokenTTL.
func (m *Minter) Mint(jobID string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subjectClaim,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign internal dispatch token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature, issuer, subject and expiry and
// returns the JobID it was scoped to.
func (m *Minter) Verify(tokenString string) (jobID string, err error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid internal dispatch token: %w", err)
	}
	if !token.Valid || claims.Issuer != issuer || claims.Subject != subjectClaim {
		return "", fmt.Errorf("internal dispatch token failed claim checks")
	}
	return claims.JobID, nil
}
