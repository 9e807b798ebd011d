package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/config"
	"github.com/stretchr/testify/require"
)

func TestRootCommandParsesFlags(t *testing.T) {
	var got *config.Config
	root := config.NewRootCommand(func(cfg *config.Config) error {
		got = cfg
		return nil
	})
	root.SetArgs([]string{"--port", "3307", "--router", "static", "--static-config", "topo.yaml", "--max-conns", "64"})
	require.NoError(t, root.Execute())
	require.NotNil(t, got)
	require.Equal(t, 3307, got.Port)
	require.Equal(t, "static", got.Router)
	require.Equal(t, "topo.yaml", got.StaticConfigPath)
	require.Equal(t, 64, got.MaxConns)
}

func TestRootCommandParsesTimeoutFlags(t *testing.T) {
	var got *config.Config
	root := config.NewRootCommand(func(cfg *config.Config) error {
		got = cfg
		return nil
	})
	root.SetArgs([]string{
		"--handshake-timeout", "2s",
		"--lease-timeout", "3s",
		"--read-timeout", "45s",
		"--write-timeout", "1m",
	})
	require.NoError(t, root.Execute())
	require.NotNil(t, got)
	require.Equal(t, 2*time.Second, got.HandshakeTimeout)
	require.Equal(t, 3*time.Second, got.LeaseTimeout)
	require.Equal(t, 45*time.Second, got.ReadTimeout)
	require.Equal(t, time.Minute, got.WriteTimeout)
}

func TestBackendSubcommandSetsBackendMode(t *testing.T) {
	var got *config.Config
	root := config.NewRootCommand(func(cfg *config.Config) error {
		got = cfg
		return nil
	})
	root.SetArgs([]string{"backend", "--backend-addr", "10.0.0.5:3306"})
	require.NoError(t, root.Execute())
	require.NotNil(t, got)
	require.True(t, got.BackendMode)
	require.Equal(t, "10.0.0.5:3306", got.BackendAddr)
}

func TestPortFallsBackToEnvVar(t *testing.T) {
	require.NoError(t, os.Setenv("PORT", "4000"))
	defer os.Unsetenv("PORT")

	var got *config.Config
	root := config.NewRootCommand(func(cfg *config.Config) error {
		got = cfg
		return nil
	})
	root.SetArgs([]string{})
	require.NoError(t, root.Execute())
	require.Equal(t, 4000, got.Port)
}

func TestLoadStaticTopologyParsesUsersAndInstances(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/topo.yaml"
	contents := `
users:
  - username: app
    password: hunter2
    database: orders
    plugin: caching_sha2
instances:
  - namespace: prod
    nodeName: n1
    region: us-east
    zone: a
    cluster: orders
    address: n1:3306
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	topo, err := config.LoadStaticTopology(path)
	require.NoError(t, err)
	require.Len(t, topo.Users, 1)
	require.Equal(t, "app", topo.Users[0].Username)
	require.Len(t, topo.Instances, 1)
	require.Equal(t, "orders", topo.Instances[0].Cluster)
}

func TestLoadStaticTopologyMissingFile(t *testing.T) {
	_, err := config.LoadStaticTopology("/nonexistent/topo.yaml")
	require.Error(t, err)
}
