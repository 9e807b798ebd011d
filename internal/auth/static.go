package auth

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
)

// StaticUser is one entry of a statically configured credential set,
// loaded from the proxy's YAML static-topology bootstrap file the way the
// teacher loads its static hostname allowlist.
type StaticUser struct {
	Username    string
	Plugin      string // protocol.AuthNativePassword or protocol.AuthCachingSHA2
	NativeHash  [20]byte
	SHA2Hash    [32]byte
	Database    string
}

// NewStaticUser derives a StaticUser's stored hash from a plaintext
// password, the form the YAML static-topology bootstrap file carries it
// in (spec §6's `static` router/credential-provider mode). Plugin
// selects which hash gets populated; the other is left zero.
func NewStaticUser(username, password, database, plugin string) StaticUser {
	u := StaticUser{Username: username, Plugin: plugin, Database: database}
	switch plugin {
	case protocol.AuthNativePassword, "native":
		u.Plugin = protocol.AuthNativePassword
		first := sha1.Sum([]byte(password))
		u.NativeHash = sha1.Sum(first[:])
	default:
		u.Plugin = protocol.AuthCachingSHA2
		first := sha256.Sum256([]byte(password))
		u.SHA2Hash = sha256.Sum256(first[:])
	}
	return u
}

// StaticCredentialProvider verifies clients against an in-memory table,
// the credential-provider analogue of the teacher's localValidator: no
// network round trip, no fallback, just a fixed secret.
type StaticCredentialProvider struct {
	users map[string]StaticUser
}

// NewStaticCredentialProvider builds a provider from a fixed user list.
func NewStaticCredentialProvider(users []StaticUser) *StaticCredentialProvider {
	m := make(map[string]StaticUser, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &StaticCredentialProvider{users: m}
}

func (p *StaticCredentialProvider) PreferredPlugin(_ context.Context, username string) (string, error) {
	u, ok := p.users[username]
	if !ok {
		return protocol.AuthCachingSHA2, nil // don't leak whether a user exists
	}
	return u.Plugin, nil
}

func (p *StaticCredentialProvider) Verify(_ context.Context, username, plugin string, salt, response []byte) (*Identity, error) {
	u, ok := p.users[username]
	if !ok {
		return nil, merr.AccessDenied(fmt.Sprintf("Access denied for user '%s'", username))
	}

	var ok2 bool
	switch plugin {
	case protocol.AuthNativePassword:
		ok2 = protocol.CheckNative(u.NativeHash, salt, response)
	case protocol.AuthCachingSHA2:
		ok2 = protocol.CheckCachingSHA2(u.SHA2Hash, salt, response)
	default:
		return nil, fmt.Errorf("plugin %q: %w", plugin, merr.ErrPluginUnsupported)
	}
	if !ok2 {
		return nil, merr.AccessDenied(fmt.Sprintf("Access denied for user '%s'", username))
	}
	return &Identity{Username: username, Database: u.Database}, nil
}
