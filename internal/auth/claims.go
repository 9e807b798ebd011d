package auth

import "github.com/golang-jwt/jwt/v5"

// ServiceClaims is the payload this proxy signs into the bearer token it
// presents on every Control-Plane Client dial (spec §4.G): which node is
// connecting and which cluster labels it watches, generalized from the
// teacher's backend-attestation Claims into an outbound service identity.
type ServiceClaims struct {
	NodeID string            `json:"node_id"`
	Labels map[string]string `json:"labels,omitempty"`
	jwt.RegisteredClaims
}
