// Package auth implements the Auth Engine (spec component B): the
// HandshakeV10 exchange with clients, credential verification pluggable
// behind CredentialProvider, and the client-side handshake used when the
// Backend Pool dials a MySQL-compatible backend.
package auth

import "context"

// Identity is what a successful client authentication yields: the
// identity the Router and Session State attach to the rest of the
// connection's lifetime.
type Identity struct {
	Username     string
	Database     string
	ConnectAttrs map[string]string
}

// CredentialProvider verifies a client's scrambled auth response and
// reports which auth plugin a username should authenticate with, so the
// Auth Engine can drive an AuthSwitchRequest when the client offered the
// wrong one first (spec §4.B step 3).
type CredentialProvider interface {
	// PreferredPlugin returns the auth plugin name this provider expects
	// username to authenticate with. Called before verification so the
	// engine knows whether an AuthSwitchRequest is needed.
	PreferredPlugin(ctx context.Context, username string) (string, error)

	// Verify checks a scrambled response produced against salt for the
	// named plugin. A nil error with a non-nil Identity means access is
	// granted; ErrAuthDenied-wrapping errors deny access outright.
	Verify(ctx context.Context, username, plugin string, salt, response []byte) (*Identity, error)
}
