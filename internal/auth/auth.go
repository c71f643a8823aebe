// Package auth verifies the bearer credential a shard presents in
// IdentifyShard. Token issuance is an operator-side concern; this
// package only verifies.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sectorfab/internal/sector"
)

// Claims identifies the shard a ShardCredential was issued to. ShardID
// must match the IdentifyShard frame's own declared ShardID -- a
// credential minted for one shard can't authenticate another.
type Claims struct {
	ShardID string `json:"shard_id"`
	jwt.RegisteredClaims
}

// Verifier checks ShardCredential tokens against a single HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier around the configured shard auth
// secret (shard_auth_secret).
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token, then checks its ShardID claim
// matches declared -- the ShardID the same IdentifyShard frame
// carries. A mismatch or any verification failure is an AuthError,
// which the transport treats like a ProtocolError: it closes the
// connection before the IdentifyShard frame reaches the orchestrator,
// so no ShardInfo is ever created.
func (v *Verifier) Verify(token []byte, declared sector.ShardId) error {
	if len(token) == 0 {
		return &AuthError{Reason: "missing credential"}
	}

	parsed, err := jwt.ParseWithClaims(string(token), &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer("sectorfab-control-plane"))
	if err != nil {
		return &AuthError{Reason: fmt.Sprintf("invalid credential: %v", err)}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return &AuthError{Reason: "invalid credential claims"}
	}
	if claims.ShardID != declared.String() {
		return &AuthError{Reason: "credential shard id does not match declared shard id"}
	}
	return nil
}

// Issue mints a credential for shardID, valid for ttl. Exists for
// tests and operator tooling that provisions shard credentials out of
// band; the control plane itself never calls it.
func (v *Verifier) Issue(shardID sector.ShardId, ttl time.Duration) (string, error) {
	claims := &Claims{
		ShardID: shardID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "sectorfab-control-plane",
			Subject:   shardID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// AuthError signals a failed credential check.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
