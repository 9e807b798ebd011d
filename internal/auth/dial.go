package auth

import (
	"fmt"
	"net"

	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
)

// BackendCredentials is what the Backend Pool authenticates as when
// minting a new link to a MySQL-compatible backend instance.
type BackendCredentials struct {
	Username string
	Password string
	Database string
}

// DialHandshake performs the client-side half of HandshakeV10 against an
// already-connected backend: read its Initial Handshake Packet, answer
// with a HandshakeResponse41 scrambled for whichever plugin it advertised,
// and consume the resulting OK/ERR.
func DialHandshake(conn net.Conn, creds BackendCredentials) (uint32, error) {
	codec := protocol.NewCodec()

	payload, err := codec.ReadPacket(conn)
	if err != nil {
		return 0, err
	}
	greeting, err := protocol.ParseHandshakeV10(payload)
	if err != nil {
		return 0, err
	}

	var scrambled []byte
	switch greeting.AuthPluginName {
	case protocol.AuthCachingSHA2, "":
		scrambled = protocol.ScrambleCachingSHA2(creds.Password, greeting.AuthPluginData)
	case protocol.AuthNativePassword:
		scrambled = protocol.ScrambleNative(creds.Password, greeting.AuthPluginData)
	default:
		return 0, fmt.Errorf("backend requested plugin %q: %w", greeting.AuthPluginName, merr.ErrPluginUnsupported)
	}

	capabilities := greeting.Capabilities & protocol.ServerCapabilities
	if creds.Database != "" {
		capabilities |= protocol.ClientConnectWithDB
	}

	response := protocol.BuildHandshakeResponse41(protocol.HandshakeResponse41{
		Capabilities: capabilities,
		MaxPacket:    defaultBackendMaxPacket,
		Charset:      0x2d,
		Username:     creds.Username,
		AuthResponse: scrambled,
		Database:     creds.Database,
		AuthPlugin:   greeting.AuthPluginName,
	})
	if err := codec.WritePacket(conn, response); err != nil {
		return 0, err
	}

	reply, err := codec.ReadPacket(conn)
	if err != nil {
		return 0, err
	}

	switch protocol.ClassifyResponse(reply, capabilities&protocol.ClientDeprecateEOF != 0) {
	case protocol.ResponseOK:
		return greeting.ConnectionID, nil
	case protocol.ResponseErr:
		errPkt, parseErr := protocol.ParseErrPacket(reply, capabilities)
		if parseErr != nil {
			return 0, fmt.Errorf("backend rejected handshake: %w", merr.ErrBackendHandshakeFailed)
		}
		return 0, fmt.Errorf("backend rejected handshake (%d %s): %s: %w", errPkt.Code, errPkt.SQLState, errPkt.Message, merr.ErrBackendHandshakeFailed)
	default:
		// AuthSwitchRequest (0xfe with a body) or the caching_sha2
		// fast-auth success marker. A perform_full_authentication request
		// is not handled and fails as an unexpected continuation.
		return handleAuthSwitchOrFullAuth(codec, conn, creds, greeting, reply, capabilities)
	}
}

func handleAuthSwitchOrFullAuth(codec *protocol.Codec, conn net.Conn, creds BackendCredentials, greeting *protocol.HandshakeV10, first []byte, capabilities uint32) (uint32, error) {
	if len(first) == 2 && first[0] == 0x01 && first[1] == protocol.Sha2FastAuthSuccess {
		// caching_sha2 fast-auth success marker with no trailing OK yet.
		reply, err := codec.ReadPacket(conn)
		if err != nil {
			return 0, err
		}
		if protocol.ClassifyResponse(reply, capabilities&protocol.ClientDeprecateEOF != 0) == protocol.ResponseOK {
			return greeting.ConnectionID, nil
		}
		return 0, fmt.Errorf("backend caching_sha2 fast auth failed: %w", merr.ErrBackendHandshakeFailed)
	}

	if len(first) >= 1 && first[0] == 0xfe {
		// AuthSwitchRequest: plugin name, NUL, salt.
		plugin, n, ok := readCString(first[1:])
		if !ok {
			return 0, fmt.Errorf("malformed AuthSwitchRequest: %w", merr.ErrProtocolDesync)
		}
		newSalt := first[1+n:]

		var scrambled []byte
		switch plugin {
		case protocol.AuthNativePassword:
			scrambled = protocol.ScrambleNative(creds.Password, newSalt)
		case protocol.AuthCachingSHA2:
			scrambled = protocol.ScrambleCachingSHA2(creds.Password, newSalt)
		default:
			return 0, fmt.Errorf("backend switched to plugin %q: %w", plugin, merr.ErrPluginUnsupported)
		}
		if err := codec.WritePacket(conn, scrambled); err != nil {
			return 0, err
		}
		reply, err := codec.ReadPacket(conn)
		if err != nil {
			return 0, err
		}
		if protocol.ClassifyResponse(reply, capabilities&protocol.ClientDeprecateEOF != 0) == protocol.ResponseOK {
			return greeting.ConnectionID, nil
		}
		return 0, fmt.Errorf("backend rejected auth switch response: %w", merr.ErrBackendHandshakeFailed)
	}

	return 0, fmt.Errorf("unexpected handshake continuation from backend: %w", merr.ErrBackendHandshakeFailed)
}

func readCString(data []byte) (string, int, bool) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), i + 1, true
		}
	}
	return "", 0, false
}

const defaultBackendMaxPacket = 16 * 1024 * 1024
