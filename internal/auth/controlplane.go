package auth

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

// TopologySecrets exposes the per-user (password, default cluster) pairs
// mirrored from DBService.ServiceSecrets into the Topology Store. The
// control-plane wire format defines no dedicated credential RPC (spec
// §6 names only Topology and ActiveUsers services), so the "control-
// plane" credential provider authenticates directly against the secrets
// the control plane already ships on every service record.
type TopologySecrets interface {
	Lookup(username string) (password string, cluster topology.ClusterKey, ok bool)
}

// ControlPlaneCredentialProvider verifies a client's scrambled response
// against the password mirrored from the control plane's topology feed,
// falling back to a static provider when the topology has nothing for a
// username (e.g. the control plane hasn't delivered a snapshot yet).
type ControlPlaneCredentialProvider struct {
	secrets  TopologySecrets
	fallback CredentialProvider
}

// NewControlPlaneCredentialProvider wires a topology-backed secrets
// source with an optional fallback.
func NewControlPlaneCredentialProvider(secrets TopologySecrets, fallback CredentialProvider) *ControlPlaneCredentialProvider {
	return &ControlPlaneCredentialProvider{secrets: secrets, fallback: fallback}
}

func (p *ControlPlaneCredentialProvider) PreferredPlugin(ctx context.Context, username string) (string, error) {
	if _, _, ok := p.secrets.Lookup(username); ok {
		return protocol.AuthCachingSHA2, nil
	}
	if p.fallback != nil {
		return p.fallback.PreferredPlugin(ctx, username)
	}
	return protocol.AuthCachingSHA2, nil
}

func (p *ControlPlaneCredentialProvider) Verify(ctx context.Context, username, plugin string, salt, response []byte) (*Identity, error) {
	password, cluster, ok := p.secrets.Lookup(username)
	if !ok {
		if p.fallback != nil {
			return p.fallback.Verify(ctx, username, plugin, salt, response)
		}
		return nil, merr.AccessDenied(fmt.Sprintf("Access denied for user '%s'", username))
	}

	var match bool
	switch plugin {
	case protocol.AuthCachingSHA2:
		match = bytes.Equal(protocol.ScrambleCachingSHA2(password, salt), response)
	case protocol.AuthNativePassword:
		match = bytes.Equal(protocol.ScrambleNative(password, salt), response)
	default:
		return nil, fmt.Errorf("plugin %q: %w", plugin, merr.ErrPluginUnsupported)
	}
	if !match {
		return nil, merr.AccessDenied(fmt.Sprintf("Access denied for user '%s'", username))
	}
	return &Identity{Username: username, Database: cluster.ClusterName}, nil
}

// DefaultCluster implements router.ClusterResolver: a username's default
// cluster is whatever cluster its control-plane-sourced secret belongs to.
func (p *ControlPlaneCredentialProvider) DefaultCluster(username string) (topology.ClusterKey, bool) {
	_, cluster, ok := p.secrets.Lookup(username)
	return cluster, ok
}

