package protocol

import (
	"fmt"

	"github.com/mono-db/mono-proxy-server/internal/merr"
)

const protocolVersion10 = 10

// HandshakeV10 is the Initial Handshake Packet the proxy sends to a
// client, and parses when dialing a backend.
type HandshakeV10 struct {
	ServerVersion      string
	ConnectionID       uint32
	AuthPluginData     []byte // 20-byte salt, concatenated part1+part2
	Capabilities       uint32
	Charset            uint8
	StatusFlags        uint16
	AuthPluginName     string
}

// BuildHandshakeV10 encodes the Initial Handshake Packet.
func BuildHandshakeV10(h HandshakeV10) []byte {
	salt := h.AuthPluginData
	if len(salt) != 20 {
		panic("BuildHandshakeV10: salt must be 20 bytes")
	}

	buf := make([]byte, 0, 64+len(h.ServerVersion)+len(h.AuthPluginName))
	buf = append(buf, protocolVersion10)
	buf = append(buf, h.ServerVersion...)
	buf = append(buf, 0)
	buf = append(buf, byte(h.ConnectionID), byte(h.ConnectionID>>8), byte(h.ConnectionID>>16), byte(h.ConnectionID>>24))
	buf = append(buf, salt[:8]...)
	buf = append(buf, 0) // filler
	buf = append(buf, byte(h.Capabilities), byte(h.Capabilities>>8))
	buf = append(buf, h.Charset)
	buf = append(buf, byte(h.StatusFlags), byte(h.StatusFlags>>8))
	buf = append(buf, byte(h.Capabilities>>16), byte(h.Capabilities>>24))
	if h.Capabilities&ClientPluginAuth != 0 {
		buf = append(buf, byte(len(salt)+1))
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, make([]byte, 10)...) // reserved
	buf = append(buf, salt[8:]...)
	buf = append(buf, 0) // null terminator after second salt part
	if h.Capabilities&ClientPluginAuth != 0 {
		buf = append(buf, h.AuthPluginName...)
		buf = append(buf, 0)
	}
	return buf
}

// ParseHandshakeV10 parses the Initial Handshake Packet sent by a backend
// server when the Auth Engine dials it client-side.
func ParseHandshakeV10(data []byte) (*HandshakeV10, error) {
	if len(data) < 1 || data[0] != protocolVersion10 {
		return nil, fmt.Errorf("unsupported protocol version: %w", merr.ErrProtocolDesync)
	}
	pos := 1
	ver, n, ok := readNullTerminatedString(data, pos)
	if !ok {
		return nil, fmt.Errorf("truncated server version: %w", merr.ErrProtocolDesync)
	}
	pos += n
	if pos+4 > len(data) {
		return nil, fmt.Errorf("truncated connection id: %w", merr.ErrProtocolDesync)
	}
	connID := uint32(data[pos]) | uint32(data[pos+1])<<8 | uint32(data[pos+2])<<16 | uint32(data[pos+3])<<24
	pos += 4
	if pos+8 > len(data) {
		return nil, fmt.Errorf("truncated salt part 1: %w", merr.ErrProtocolDesync)
	}
	salt := append([]byte{}, data[pos:pos+8]...)
	pos += 8
	pos++ // filler
	if pos+2 > len(data) {
		return nil, fmt.Errorf("truncated capabilities lower: %w", merr.ErrProtocolDesync)
	}
	capLower := uint32(data[pos]) | uint32(data[pos+1])<<8
	pos += 2
	var charset uint8
	var status uint16
	var capUpper uint32
	var authDataLen uint8
	if pos < len(data) {
		charset = data[pos]
		pos++
	}
	if pos+2 <= len(data) {
		status = uint16(data[pos]) | uint16(data[pos+1])<<8
		pos += 2
	}
	if pos+2 <= len(data) {
		capUpper = uint32(data[pos]) | uint32(data[pos+1])<<8
		pos += 2
	}
	capabilities := capLower | capUpper<<16
	if pos < len(data) {
		authDataLen = data[pos]
		pos++
	}
	if pos+10 <= len(data) {
		pos += 10 // reserved
	}
	if capabilities&ClientSecureConnection != 0 {
		part2Len := int(authDataLen) - 8
		if part2Len < 13 {
			part2Len = 12
		} else {
			part2Len--
		}
		if pos+part2Len <= len(data) {
			salt = append(salt, data[pos:pos+part2Len]...)
			pos += part2Len
		}
		if pos < len(data) && data[pos] == 0 {
			pos++
		}
	}
	var plugin string
	if capabilities&ClientPluginAuth != 0 {
		plugin, _, _ = readNullTerminatedString(data, pos)
	}
	return &HandshakeV10{
		ServerVersion:  ver,
		ConnectionID:   connID,
		AuthPluginData: salt,
		Capabilities:   capabilities,
		Charset:        charset,
		StatusFlags:    status,
		AuthPluginName: plugin,
	}, nil
}

// HandshakeResponse41 is the client's reply to the Initial Handshake Packet.
type HandshakeResponse41 struct {
	Capabilities uint32
	MaxPacket    uint32
	Charset      uint8
	Username     string
	AuthResponse []byte
	Database     string
	AuthPlugin   string
}

// ParseHandshakeResponse41 parses a client's HandshakeResponse41, as
// received server-side during client authentication.
func ParseHandshakeResponse41(data []byte) (*HandshakeResponse41, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("handshake response too short: %w", merr.ErrProtocolDesync)
	}
	capabilities := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	if capabilities&ClientProtocol41 == 0 {
		return nil, fmt.Errorf("client did not negotiate protocol 4.1: %w", merr.ErrProtocolDesync)
	}
	maxPacket := uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24
	charset := data[8]
	pos := 32 // 23 reserved bytes after charset

	username, n, ok := readNullTerminatedString(data, pos)
	if !ok {
		return nil, fmt.Errorf("truncated username: %w", merr.ErrProtocolDesync)
	}
	pos += n

	var authResp []byte
	switch {
	case capabilities&ClientPluginAuthLenencClientData != 0:
		s, n, ok := ReadLengthEncodedString(data, pos)
		if !ok {
			return nil, fmt.Errorf("truncated lenenc auth response: %w", merr.ErrProtocolDesync)
		}
		authResp = []byte(s)
		pos += n
	case capabilities&ClientSecureConnection != 0:
		if pos >= len(data) {
			return nil, fmt.Errorf("truncated auth response length: %w", merr.ErrProtocolDesync)
		}
		l := int(data[pos])
		pos++
		if pos+l > len(data) {
			return nil, fmt.Errorf("truncated auth response: %w", merr.ErrProtocolDesync)
		}
		authResp = data[pos : pos+l]
		pos += l
	default:
		s, n, ok := readNullTerminatedString(data, pos)
		if !ok {
			return nil, fmt.Errorf("truncated auth response: %w", merr.ErrProtocolDesync)
		}
		authResp = []byte(s)
		pos += n
	}

	var database string
	if capabilities&ClientConnectWithDB != 0 {
		database, n, ok = readNullTerminatedString(data, pos)
		if !ok {
			return nil, fmt.Errorf("truncated database: %w", merr.ErrProtocolDesync)
		}
		pos += n
	}

	var plugin string
	if capabilities&ClientPluginAuth != 0 {
		plugin, _, _ = readNullTerminatedString(data, pos)
	}

	return &HandshakeResponse41{
		Capabilities: capabilities,
		MaxPacket:    maxPacket,
		Charset:      charset,
		Username:     username,
		AuthResponse: authResp,
		Database:     database,
		AuthPlugin:   plugin,
	}, nil
}

// BuildHandshakeResponse41 encodes a client's response, used by the Auth
// Engine's client-side flow when minting a backend link.
func BuildHandshakeResponse41(resp HandshakeResponse41) []byte {
	buf := make([]byte, 0, 64+len(resp.Username)+len(resp.Database))
	buf = append(buf, byte(resp.Capabilities), byte(resp.Capabilities>>8), byte(resp.Capabilities>>16), byte(resp.Capabilities>>24))
	buf = append(buf, byte(resp.MaxPacket), byte(resp.MaxPacket>>8), byte(resp.MaxPacket>>16), byte(resp.MaxPacket>>24))
	buf = append(buf, resp.Charset)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, resp.Username...)
	buf = append(buf, 0)

	if resp.Capabilities&ClientPluginAuthLenencClientData != 0 {
		buf = WriteLengthEncodedString(buf, string(resp.AuthResponse))
	} else if resp.Capabilities&ClientSecureConnection != 0 {
		buf = append(buf, byte(len(resp.AuthResponse)))
		buf = append(buf, resp.AuthResponse...)
	} else {
		buf = append(buf, resp.AuthResponse...)
		buf = append(buf, 0)
	}

	if resp.Capabilities&ClientConnectWithDB != 0 {
		buf = append(buf, resp.Database...)
		buf = append(buf, 0)
	}
	if resp.Capabilities&ClientPluginAuth != 0 {
		buf = append(buf, resp.AuthPlugin...)
		buf = append(buf, 0)
	}
	return buf
}

// BuildAuthSwitchRequest encodes an AuthSwitchRequest packet.
func BuildAuthSwitchRequest(pluginName string, salt []byte) []byte {
	buf := []byte{0xfe}
	buf = append(buf, pluginName...)
	buf = append(buf, 0)
	buf = append(buf, salt...)
	return buf
}

// ParseAuthSwitchResponse extracts the scrambled auth data from an
// AuthSwitchResponse packet: the entire payload, returned unchanged.
func ParseAuthSwitchResponse(data []byte) []byte {
	return data
}
