package protocol

import "fmt"

// ChangeUserRequest is a parsed COM_CHANGE_USER command body (spec §4.I:
// it triggers re-auth against the existing frontend socket).
type ChangeUserRequest struct {
	Username     string
	AuthResponse []byte
	Database     string
	Charset      uint8
	AuthPlugin   string
}

// ParseChangeUserRequest parses a COM_CHANGE_USER packet payload (opcode
// byte included). The proxy always negotiates ClientSecureConnection, so
// the auth-response field is always length-prefixed rather than
// NUL-terminated.
func ParseChangeUserRequest(payload []byte) (*ChangeUserRequest, error) {
	if len(payload) < 1 || payload[0] != ComChangeUser {
		return nil, fmt.Errorf("not a COM_CHANGE_USER packet")
	}
	pos := 1

	username, n, ok := readNullTerminatedString(payload, pos)
	if !ok {
		return nil, fmt.Errorf("truncated username")
	}
	pos += n

	if pos >= len(payload) {
		return nil, fmt.Errorf("truncated auth response length")
	}
	authLen := int(payload[pos])
	pos++
	if pos+authLen > len(payload) {
		return nil, fmt.Errorf("truncated auth response")
	}
	authResponse := append([]byte{}, payload[pos:pos+authLen]...)
	pos += authLen

	database, n, ok := readNullTerminatedString(payload, pos)
	if !ok {
		return nil, fmt.Errorf("truncated database")
	}
	pos += n

	var charset uint8
	if pos+2 <= len(payload) {
		charset = payload[pos]
		pos += 2
	}

	var plugin string
	if pos < len(payload) {
		plugin, _, _ = readNullTerminatedString(payload, pos)
	}

	return &ChangeUserRequest{
		Username:     username,
		AuthResponse: authResponse,
		Database:     database,
		Charset:      charset,
		AuthPlugin:   plugin,
	}, nil
}
