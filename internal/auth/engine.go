package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
)

const maxAuthSwitches = 2

// Engine drives the server-side HandshakeV10 exchange described in spec
// §4.B: send the Initial Handshake Packet, negotiate capabilities and an
// optional TLS upgrade, verify credentials through a CredentialProvider
// with at most one AuthSwitchRequest round trip, and answer with OK or a
// mapped ERR packet.
type Engine struct {
	provider    CredentialProvider
	tlsConfig   *tls.Config
	requireTLS  bool
	serverName  string
}

// NewEngine builds an Engine. tlsConfig may be nil when TLS is not
// configured for this deployment; requireTLS then must be false.
func NewEngine(provider CredentialProvider, tlsConfig *tls.Config, requireTLS bool, serverName string) *Engine {
	return &Engine{provider: provider, tlsConfig: tlsConfig, requireTLS: requireTLS, serverName: serverName}
}

// Result carries the negotiated state a successful Handshake produces.
type Result struct {
	Conn         net.Conn // possibly upgraded to *tls.Conn
	Identity     *Identity
	Capabilities uint32
	Charset      uint8
	// Database is the schema the client named in its HandshakeResponse41,
	// distinct from Identity.Database (the CredentialProvider's notion of
	// a default cluster). Empty when the client connected without one.
	Database string
	// Salt is the scramble seed the handshake authenticated against,
	// retained so a later COM_CHANGE_USER on the same socket (which
	// reuses it, absent its own AuthSwitchRequest) can be verified too.
	Salt []byte
	// Codec is the Codec the handshake wrote its packets through. The
	// caller must keep using it rather than build a fresh one: MySQL's
	// packet sequence number only resets at real command boundaries, and
	// a routing/leasing failure right after this handshake (rejectHandshake)
	// sends its ERR as a continuation of the handshake exchange, not a new
	// command.
	Codec *protocol.Codec
}

// Handshake performs the full server-side authentication flow over conn.
// On success it returns the (possibly TLS-upgraded) connection alongside
// the negotiated identity and capability set. On an authentication or TLS
// failure it has already written an ERR packet to the client before
// returning the error; an I/O error or a malformed HandshakeResponse41
// returns without one.
func (e *Engine) Handshake(ctx context.Context, conn net.Conn, connID uint32) (*Result, error) {
	codec := protocol.NewCodec()
	salt := protocol.GenerateSalt()

	initial := protocol.BuildHandshakeV10(protocol.HandshakeV10{
		ServerVersion:  e.serverName,
		ConnectionID:   connID,
		AuthPluginData: salt,
		Capabilities:   protocol.ServerCapabilities | tlsCapabilityIfConfigured(e.tlsConfig),
		Charset:        0x2d, // utf8mb4_general_ci
		StatusFlags:    protocol.ServerStatusAutocommit,
		AuthPluginName: protocol.AuthCachingSHA2,
	})
	if err := codec.WritePacket(conn, initial); err != nil {
		return nil, err
	}

	payload, err := codec.ReadPacket(conn)
	if err != nil {
		return nil, err
	}

	// A bare SSLRequest is the first 32 bytes of a HandshakeResponse41
	// with everything past the reserved block omitted; ClientSSL set on a
	// short packet signals "upgrade me before you see the rest".
	if len(payload) == 32 {
		caps := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
		if caps&protocol.ClientSSL != 0 {
			conn, err = e.upgradeTLS(conn)
			if err != nil {
				e.writeErr(codec, conn, merr.ErrTlsNegotiationFailed.Error())
				return nil, err
			}
			codec.ResetSeq()
			payload, err = codec.ReadPacket(conn)
			if err != nil {
				return nil, err
			}
		}
	}

	if e.requireTLS {
		if _, isTLS := conn.(*tls.Conn); !isTLS {
			e.writeErr(codec, conn, "TLS is required for this connection")
			return nil, merr.ErrTlsRequired
		}
	}

	resp, err := protocol.ParseHandshakeResponse41(payload)
	if err != nil {
		return nil, err
	}
	capabilities := resp.Capabilities & (protocol.ServerCapabilities | tlsCapabilityIfConfigured(e.tlsConfig))

	identity, finalSalt, err := e.authenticate(ctx, codec, conn, resp, salt)
	if err != nil {
		e.writeErr(codec, conn, denyMessage(err))
		return nil, err
	}

	ok := protocol.BuildOKPacket(0x00, protocol.OKPacket{StatusFlags: protocol.ServerStatusAutocommit}, capabilities)
	if err := codec.WritePacket(conn, ok); err != nil {
		return nil, err
	}

	return &Result{Conn: conn, Identity: identity, Capabilities: capabilities, Charset: resp.Charset, Database: resp.Database, Salt: finalSalt, Codec: codec}, nil
}

func (e *Engine) authenticate(ctx context.Context, codec *protocol.Codec, conn net.Conn, resp *protocol.HandshakeResponse41, salt []byte) (*Identity, []byte, error) {
	plugin := resp.AuthPlugin
	response := resp.AuthResponse

	for attempt := 0; attempt <= maxAuthSwitches; attempt++ {
		preferred, err := e.provider.PreferredPlugin(ctx, resp.Username)
		if err != nil {
			return nil, nil, err
		}

		if plugin != preferred {
			newSalt := protocol.GenerateSalt()
			switchPkt := protocol.BuildAuthSwitchRequest(preferred, newSalt)
			if err := codec.WritePacket(conn, switchPkt); err != nil {
				return nil, nil, err
			}
			switchResp, err := codec.ReadPacket(conn)
			if err != nil {
				return nil, nil, err
			}
			plugin = preferred
			salt = newSalt
			response = protocol.ParseAuthSwitchResponse(switchResp)
		}

		identity, err := e.provider.Verify(ctx, resp.Username, plugin, salt, response)
		if err == nil {
			if plugin == protocol.AuthCachingSHA2 {
				if err := WriteCachingSHA2FastAuthSuccess(codec, conn); err != nil {
					return nil, nil, err
				}
			}
			return identity, salt, nil
		}
		if attempt == maxAuthSwitches {
			return nil, nil, err
		}
	}
	return nil, nil, merr.ErrAuthDenied
}

// WriteCachingSHA2FastAuthSuccess sends the AuthMoreData packet that
// caching_sha2_password requires between a successful verification and
// the final OK packet (spec §4.B step 5). The CredentialProvider always
// verifies against the same stored double-SHA256 hash the client
// scrambled its response with, so the fast-auth path always succeeds and
// perform_full_authentication (0x04) is never sent.
func WriteCachingSHA2FastAuthSuccess(codec *protocol.Codec, conn net.Conn) error {
	return codec.WritePacket(conn, []byte{0x01, protocol.Sha2FastAuthSuccess})
}

// VerifyChangeUser authenticates a COM_CHANGE_USER request against the
// same CredentialProvider the initial handshake used. Unlike Handshake,
// it does not drive an AuthSwitchRequest: the caller passes the salt the
// connection's handshake authenticated against and the plugin the
// COM_CHANGE_USER packet names (caching_sha2_password when it names none),
// so a client offering the wrong plugin here is simply denied rather than
// retried.
func (e *Engine) VerifyChangeUser(ctx context.Context, username, plugin string, salt, response []byte) (*Identity, error) {
	return e.provider.Verify(ctx, username, plugin, salt, response)
}

func (e *Engine) upgradeTLS(conn net.Conn) (net.Conn, error) {
	if e.tlsConfig == nil {
		return nil, merr.ErrTlsNegotiationFailed
	}
	tlsConn := tls.Server(conn, e.tlsConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("tls handshake: %w: %v", merr.ErrTlsNegotiationFailed, err)
	}
	return tlsConn, nil
}

func (e *Engine) writeErr(codec *protocol.Codec, conn net.Conn, message string) {
	pkt := protocol.BuildErrPacket(protocol.ErrPacket{Code: 1045, SQLState: "28000", Message: message}, protocol.ServerCapabilities)
	_ = codec.WritePacket(conn, pkt)
}

func denyMessage(err error) string {
	if sqlErr, ok := err.(*merr.SQLError); ok {
		return sqlErr.Message
	}
	return "Access denied"
}

func tlsCapabilityIfConfigured(cfg *tls.Config) uint32 {
	if cfg == nil {
		return 0
	}
	return protocol.ClientSSL
}
