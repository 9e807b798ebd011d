package protocol_test

import (
	"crypto/sha1"
	"crypto/sha256"
	"testing"

	"github.com/mono-db/mono-proxy-server/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestHandshakeV10RoundTrip(t *testing.T) {
	salt := protocol.GenerateSalt()
	h := protocol.HandshakeV10{
		ServerVersion:  "8.0.33-mono-proxy",
		ConnectionID:   42,
		AuthPluginData: salt,
		Capabilities:   protocol.ServerCapabilities,
		Charset:        0x2d,
		StatusFlags:    protocol.ServerStatusAutocommit,
		AuthPluginName: protocol.AuthCachingSHA2,
	}
	encoded := protocol.BuildHandshakeV10(h)

	got, err := protocol.ParseHandshakeV10(encoded)
	require.NoError(t, err)
	require.Equal(t, h.ServerVersion, got.ServerVersion)
	require.Equal(t, h.ConnectionID, got.ConnectionID)
	require.Equal(t, salt, got.AuthPluginData)
	require.Equal(t, h.Capabilities, got.Capabilities)
	require.Equal(t, h.AuthPluginName, got.AuthPluginName)
}

func TestHandshakeResponse41RoundTrip(t *testing.T) {
	resp := protocol.HandshakeResponse41{
		Capabilities: protocol.ServerCapabilities,
		MaxPacket:    16777216,
		Charset:      0x2d,
		Username:     "appuser",
		AuthResponse: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Database:     "tenant_db",
		AuthPlugin:   protocol.AuthNativePassword,
	}
	encoded := protocol.BuildHandshakeResponse41(resp)

	got, err := protocol.ParseHandshakeResponse41(encoded)
	require.NoError(t, err)
	require.Equal(t, resp.Username, got.Username)
	require.Equal(t, resp.Database, got.Database)
	require.Equal(t, resp.AuthResponse, got.AuthResponse)
	require.Equal(t, resp.AuthPlugin, got.AuthPlugin)
}

func TestScrambleNativeRoundTrip(t *testing.T) {
	salt := protocol.GenerateSalt()
	password := "correct horse battery staple"

	pwHash := sha1Sha1(password)
	response := protocol.ScrambleNative(password, salt)
	require.True(t, protocol.CheckNative(pwHash, salt, response))
}

func TestScrambleNativeRejectsWrongPassword(t *testing.T) {
	salt := protocol.GenerateSalt()
	pwHash := sha1Sha1("right-password")
	response := protocol.ScrambleNative("wrong-password", salt)
	require.False(t, protocol.CheckNative(pwHash, salt, response))
}

func TestScrambleCachingSHA2RoundTrip(t *testing.T) {
	salt := protocol.GenerateSalt()
	password := "correct horse battery staple"

	pwHash := sha256Sha256(password)
	response := protocol.ScrambleCachingSHA2(password, salt)
	require.True(t, protocol.CheckCachingSHA2(pwHash, salt, response))
}

func sha1Sha1(password string) [20]byte {
	h1 := sha1.Sum([]byte(password))
	return sha1.Sum(h1[:])
}

func sha256Sha256(password string) [32]byte {
	h1 := sha256.Sum256([]byte(password))
	return sha256.Sum256(h1[:])
}

func TestClassifyResponse(t *testing.T) {
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse([]byte{0x00, 0x00, 0x00}, false))
	require.Equal(t, protocol.ResponseErr, protocol.ClassifyResponse([]byte{0xff, 0x15, 0x04}, false))
	require.Equal(t, protocol.ResponseEOF, protocol.ClassifyResponse([]byte{0xfe, 0x00, 0x00}, false))
	require.Equal(t, protocol.ResponseResultSet, protocol.ClassifyResponse([]byte{0x03, 'c', 'o', 'l'}, false))
	require.Equal(t, protocol.ResponseOK, protocol.ClassifyResponse([]byte{0xfe, 0x00, 0x00}, true))
}

func TestErrPacketRoundTrip(t *testing.T) {
	pkt := protocol.ErrPacket{Code: 1045, SQLState: "28000", Message: "Access denied"}
	encoded := protocol.BuildErrPacket(pkt, protocol.ServerCapabilities)

	got, err := protocol.ParseErrPacket(encoded, protocol.ServerCapabilities)
	require.NoError(t, err)
	require.Equal(t, pkt.Code, got.Code)
	require.Equal(t, pkt.SQLState, got.SQLState)
	require.Equal(t, pkt.Message, got.Message)
}
