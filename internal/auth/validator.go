package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource mints the bearer token a Control-Plane Client attaches to
// every dial (spec §4.G). The teacher's Validator verified backend
// attestation tokens presented to it; this proxy is the one presenting
// an identity to a control plane instead, so the direction reverses but
// the HMAC-signed jwt/v5 machinery is the same.
type TokenSource struct {
	secret []byte
	nodeID string
	labels map[string]string
	ttl    time.Duration
}

// NewTokenSource builds a TokenSource. secret is the shared HMAC key this
// proxy and the control plane were both provisioned with.
func NewTokenSource(secret []byte, nodeID string, labels map[string]string) *TokenSource {
	return &TokenSource{secret: secret, nodeID: nodeID, labels: labels, ttl: 5 * time.Minute}
}

// Token mints a fresh signed bearer token, valid for the TokenSource's ttl.
// Control-Plane Client calls this once per dial rather than caching, so a
// long-lived reconnect loop never presents an expired token.
func (t *TokenSource) Token() (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		NodeID: t.nodeID,
		Labels: t.labels,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.nodeID,
			Audience:  jwt.ClaimStrings{"control-plane"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign control-plane token: %w", err)
	}
	return signed, nil
}
