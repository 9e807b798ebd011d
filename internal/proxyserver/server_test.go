package proxyserver_test

import (
	"context"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/auth"
	"github.com/mono-db/mono-proxy-server/internal/backend"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
	"github.com/mono-db/mono-proxy-server/internal/proxyserver"
	"github.com/mono-db/mono-proxy-server/internal/router"
	"github.com/mono-db/mono-proxy-server/internal/topology"
	"github.com/stretchr/testify/require"
)

func sha2Hash(password string) [32]byte {
	h1 := sha256.Sum256([]byte(password))
	return sha256.Sum256(h1[:])
}

// fakeBackendServer plays the backend side of a net.Pipe: a HandshakeV10
// greeting, accept any matching scramble, then echo an OK for every
// command except COM_QUERY "SELECT error" which answers with an ERR.
func fakeBackendServer(conn net.Conn, password string) {
	codec := protocol.NewCodec()
	salt := protocol.GenerateSalt()
	greeting := protocol.BuildHandshakeV10(protocol.HandshakeV10{
		ServerVersion:  "8.0.33-fake",
		ConnectionID:   1,
		AuthPluginData: salt,
		Capabilities:   protocol.ServerCapabilities,
		AuthPluginName: protocol.AuthCachingSHA2,
	})
	if err := codec.WritePacket(conn, greeting); err != nil {
		return
	}
	payload, err := codec.ReadPacket(conn)
	if err != nil {
		return
	}
	resp, err := protocol.ParseHandshakeResponse41(payload)
	if err != nil {
		return
	}
	want := protocol.ScrambleCachingSHA2(password, salt)
	ok := len(resp.AuthResponse) == len(want)
	for i := range want {
		if i >= len(resp.AuthResponse) || resp.AuthResponse[i] != want[i] {
			ok = false
		}
	}
	if !ok {
		_ = codec.WritePacket(conn, protocol.BuildErrPacket(protocol.ErrPacket{Code: 1045, SQLState: "28000", Message: "denied"}, protocol.ServerCapabilities))
		return
	}
	_ = codec.WritePacket(conn, protocol.BuildOKPacket(0x00, protocol.OKPacket{}, protocol.ServerCapabilities))

	for {
		codec.ResetSeq()
		cmd, err := codec.ReadPacket(conn)
		if err != nil {
			return
		}
		if len(cmd) >= 2 && cmd[0] == protocol.ComQuery && string(cmd[1:]) == "SELECT error" {
			_ = codec.WritePacket(conn, protocol.BuildErrPacket(protocol.ErrPacket{Code: 1064, SQLState: "42000", Message: "bad query"}, protocol.ServerCapabilities))
			continue
		}
		if err := codec.WritePacket(conn, protocol.BuildOKPacket(0x00, protocol.OKPacket{StatusFlags: protocol.ServerStatusAutocommit}, protocol.ServerCapabilities)); err != nil {
			return
		}
	}
}

func pipeDialer(password string) backend.Dialer {
	return func(ctx context.Context, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go fakeBackendServer(server, password)
		return client, nil
	}
}

// testServer wires a Server whose single backend instance is named
// cluster "orders" and accepts user "app"/"hunter2".
func testServer(t *testing.T) *proxyserver.Server {
	provider := auth.NewStaticCredentialProvider([]auth.StaticUser{
		{Username: "app", Plugin: protocol.AuthCachingSHA2, SHA2Hash: sha2Hash("hunter2")},
	})
	engine := auth.NewEngine(provider, nil, false, "8.0.33-mono-proxy")

	store := topology.New(nil)
	store.ReplaceAll([]topology.BackendInstance{{
		Key:      topology.InstanceKey{Namespace: "prod", NodeName: "n1"},
		Address:  "n1:3306",
		Status:   topology.StatusReady,
		Cluster:  topology.ClusterKey{ClusterName: "orders"},
		Username: "app",
		Password: "hunter2",
	}})

	pool := backend.New(backend.WithDialer(pipeDialer("hunter2")), backend.WithMaxSize(2))
	rtr := router.New(store, pool, nil)

	srv := proxyserver.New(proxyserver.Config{
		ListenAddr: "127.0.0.1:0",
		Engine:     engine,
		Router:     rtr,
		Pool:       pool,
		Topology:   store,
	})
	return srv
}

func dialAndHandshake(t *testing.T, addr net.Addr, database string) (net.Conn, *protocol.Codec) {
	conn, _, codec := dialAndHandshakeWithSalt(t, addr, database)
	return conn, codec
}

func dialAndHandshakeWithSalt(t *testing.T, addr net.Addr, database string) (net.Conn, []byte, *protocol.Codec) {
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	codec := protocol.NewCodec()
	greetingBytes, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	greeting, err := protocol.ParseHandshakeV10(greetingBytes)
	require.NoError(t, err)

	response := protocol.BuildHandshakeResponse41(protocol.HandshakeResponse41{
		Capabilities: protocol.ServerCapabilities,
		MaxPacket:    16777216,
		Charset:      0x2d,
		Username:     "app",
		AuthResponse: protocol.ScrambleCachingSHA2("hunter2", greeting.AuthPluginData),
		Database:     database,
		AuthPlugin:   protocol.AuthCachingSHA2,
	})
	require.NoError(t, codec.WritePacket(conn, response))

	marker, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, protocol.Sha2FastAuthSuccess}, marker)

	final, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse(final, true))
	return conn, greeting.AuthPluginData, codec
}

// buildChangeUserPacket hand-assembles a COM_CHANGE_USER payload matching
// the shape protocol.ParseChangeUserRequest expects.
func buildChangeUserPacket(username string, authResponse []byte, database string, charset uint8, plugin string) []byte {
	buf := []byte{protocol.ComChangeUser}
	buf = append(buf, []byte(username)...)
	buf = append(buf, 0x00)
	buf = append(buf, byte(len(authResponse)))
	buf = append(buf, authResponse...)
	buf = append(buf, []byte(database)...)
	buf = append(buf, 0x00)
	buf = append(buf, charset, 0x00)
	buf = append(buf, []byte(plugin)...)
	buf = append(buf, 0x00)
	return buf
}

func runServer(t *testing.T, srv *proxyserver.Server) (net.Addr, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	return srv.Addr(), func() {
		cancel()
		<-done
	}
}

func TestHandshakeAndCommandRelayRoundTrip(t *testing.T) {
	srv := testServer(t)
	addr, stop := runServer(t, srv)
	defer stop()

	conn, codec := dialAndHandshake(t, addr, "orders")
	defer conn.Close()

	codec.ResetSeq()
	query := append([]byte{protocol.ComQuery}, []byte("SELECT 1")...)
	require.NoError(t, codec.WritePacket(conn, query))

	resp, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse(resp, true))
}

func TestCommandRelayPropagatesBackendError(t *testing.T) {
	srv := testServer(t)
	addr, stop := runServer(t, srv)
	defer stop()

	conn, codec := dialAndHandshake(t, addr, "orders")
	defer conn.Close()

	codec.ResetSeq()
	query := append([]byte{protocol.ComQuery}, []byte("SELECT error")...)
	require.NoError(t, codec.WritePacket(conn, query))

	resp, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseErr, protocol.ClassifyResponse(resp, true))
}

func TestUnknownDatabaseRejectsHandshake(t *testing.T) {
	srv := testServer(t)
	addr, stop := runServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	codec := protocol.NewCodec()
	greetingBytes, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	greeting, err := protocol.ParseHandshakeV10(greetingBytes)
	require.NoError(t, err)

	response := protocol.BuildHandshakeResponse41(protocol.HandshakeResponse41{
		Capabilities: protocol.ServerCapabilities,
		MaxPacket:    16777216,
		Charset:      0x2d,
		Username:     "app",
		AuthResponse: protocol.ScrambleCachingSHA2("hunter2", greeting.AuthPluginData),
		Database:     "no-such-cluster",
		AuthPlugin:   protocol.AuthCachingSHA2,
	})
	require.NoError(t, codec.WritePacket(conn, response))

	marker, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, protocol.Sha2FastAuthSuccess}, marker)

	// Credentials are valid, so the handshake itself succeeds with an OK;
	// the unknown database only fails routing, which follows as a second,
	// separate ERR packet once the accept loop tries to lease a backend.
	ok, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse(ok, true))

	final, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseErr, protocol.ClassifyResponse(final, true))
}

func TestChangeUserReauthenticatesOnSameSocket(t *testing.T) {
	provider := auth.NewStaticCredentialProvider([]auth.StaticUser{
		{Username: "app", Plugin: protocol.AuthCachingSHA2, SHA2Hash: sha2Hash("hunter2")},
		{Username: "other", Plugin: protocol.AuthCachingSHA2, SHA2Hash: sha2Hash("swordfish")},
	})
	engine := auth.NewEngine(provider, nil, false, "8.0.33-mono-proxy")

	store := topology.New(nil)
	store.ReplaceAll([]topology.BackendInstance{{
		Key:      topology.InstanceKey{Namespace: "prod", NodeName: "n1"},
		Address:  "n1:3306",
		Status:   topology.StatusReady,
		Cluster:  topology.ClusterKey{ClusterName: "orders"},
		Username: "app",
		Password: "hunter2",
	}})
	pool := backend.New(backend.WithDialer(pipeDialer("hunter2")), backend.WithMaxSize(2))
	rtr := router.New(store, pool, nil)
	srv := proxyserver.New(proxyserver.Config{ListenAddr: "127.0.0.1:0", Engine: engine, Router: rtr, Pool: pool, Topology: store})

	addr, stop := runServer(t, srv)
	defer stop()

	conn, salt, codec := dialAndHandshakeWithSalt(t, addr, "orders")
	defer conn.Close()

	codec.ResetSeq()
	changeUser := buildChangeUserPacket("other", protocol.ScrambleCachingSHA2("swordfish", salt), "orders", 0x2d, protocol.AuthCachingSHA2)
	require.NoError(t, codec.WritePacket(conn, changeUser))

	marker, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, protocol.Sha2FastAuthSuccess}, marker)

	resp, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse(resp, true))

	codec.ResetSeq()
	query := append([]byte{protocol.ComQuery}, []byte("SELECT 1")...)
	require.NoError(t, codec.WritePacket(conn, query))
	resp, err = codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse(resp, true))
}

func TestChangeUserDeniedKeepsConnectionClosed(t *testing.T) {
	srv := testServer(t)
	addr, stop := runServer(t, srv)
	defer stop()

	conn, salt, codec := dialAndHandshakeWithSalt(t, addr, "orders")
	defer conn.Close()

	codec.ResetSeq()
	changeUser := buildChangeUserPacket("ghost", protocol.ScrambleCachingSHA2("wrong", salt), "orders", 0x2d, protocol.AuthCachingSHA2)
	require.NoError(t, codec.WritePacket(conn, changeUser))

	resp, err := codec.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseErr, protocol.ClassifyResponse(resp, true))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = codec.ReadPacket(conn)
	require.Error(t, err)
}

// TestReadTimeoutClosesIdleConnection proves --read-timeout is a real
// socket deadline, not a decorative context: a client that completes the
// handshake and then sends nothing should have its connection torn down
// once ReadTimeout elapses, rather than hanging forever.
func TestReadTimeoutClosesIdleConnection(t *testing.T) {
	provider := auth.NewStaticCredentialProvider([]auth.StaticUser{
		{Username: "app", Plugin: protocol.AuthCachingSHA2, SHA2Hash: sha2Hash("hunter2")},
	})
	engine := auth.NewEngine(provider, nil, false, "8.0.33-mono-proxy")

	store := topology.New(nil)
	store.ReplaceAll([]topology.BackendInstance{{
		Key:      topology.InstanceKey{Namespace: "prod", NodeName: "n1"},
		Address:  "n1:3306",
		Status:   topology.StatusReady,
		Cluster:  topology.ClusterKey{ClusterName: "orders"},
		Username: "app",
		Password: "hunter2",
	}})
	pool := backend.New(backend.WithDialer(pipeDialer("hunter2")), backend.WithMaxSize(2))
	rtr := router.New(store, pool, nil)
	srv := proxyserver.New(proxyserver.Config{
		ListenAddr:  "127.0.0.1:0",
		Engine:      engine,
		Router:      rtr,
		Pool:        pool,
		Topology:    store,
		ReadTimeout: 50 * time.Millisecond,
	})

	addr, stop := runServer(t, srv)
	defer stop()

	conn, codec := dialAndHandshake(t, addr, "orders")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := codec.ReadPacket(conn)
	require.Error(t, err, "server should have closed the idle connection once ReadTimeout elapsed")
}

