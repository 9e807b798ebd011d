// Package protocol implements the MySQL client/server wire protocol: packet
// framing, handshake v10, capability negotiation and the handful of
// response packet shapes the proxy needs to classify at the command phase.
package protocol

// Capability flags, as negotiated during HandshakeV10. Only the bits the
// proxy actually inspects or advertises are named; the rest pass through
// whatever the client/backend negotiated verbatim.
const (
	ClientLongPassword uint32 = 1 << 0
	ClientFoundRows    uint32 = 1 << 1
	ClientLongFlag     uint32 = 1 << 2
	ClientConnectWithDB uint32 = 1 << 3
	ClientNoSchema     uint32 = 1 << 4
	ClientCompress     uint32 = 1 << 5
	ClientODBC         uint32 = 1 << 6
	ClientLocalFiles   uint32 = 1 << 7
	ClientIgnoreSpace  uint32 = 1 << 8
	ClientProtocol41   uint32 = 1 << 9
	ClientInteractive  uint32 = 1 << 10
	ClientSSL          uint32 = 1 << 11
	ClientIgnoreSIGPIPE uint32 = 1 << 12
	ClientTransactions uint32 = 1 << 13
	ClientReserved     uint32 = 1 << 14
	ClientSecureConnection uint32 = 1 << 15
	ClientMultiStatements  uint32 = 1 << 16
	ClientMultiResults     uint32 = 1 << 17
	ClientPSMultiResults   uint32 = 1 << 18
	ClientPluginAuth       uint32 = 1 << 19
	ClientConnectAttrs     uint32 = 1 << 20
	ClientPluginAuthLenencClientData uint32 = 1 << 21
	ClientCanHandleExpiredPasswords  uint32 = 1 << 22
	ClientSessionTrack     uint32 = 1 << 23
	ClientDeprecateEOF     uint32 = 1 << 24

	// ServerCapabilities is the fixed set the proxy advertises to clients
	// and requests from backends. The effective set for a connection is
	// always (peer capabilities AND ServerCapabilities).
	ServerCapabilities = ClientLongPassword |
		ClientFoundRows |
		ClientLongFlag |
		ClientConnectWithDB |
		ClientProtocol41 |
		ClientTransactions |
		ClientSecureConnection |
		ClientMultiStatements |
		ClientMultiResults |
		ClientPluginAuth |
		ClientPluginAuthLenencClientData |
		ClientConnectAttrs |
		ClientDeprecateEOF |
		ClientSessionTrack
)

// Status flags, sent in OK packets and the handshake.
const (
	ServerStatusAutocommit        uint16 = 0x0002
	ServerStatusMoreResultsExist  uint16 = 0x0008
	ServerSessionStateChanged     uint16 = 0x4000
)

// Command phase opcodes (first byte of a command packet).
const (
	ComSleep        byte = 0x00
	ComQuit         byte = 0x01
	ComInitDB       byte = 0x02
	ComQuery        byte = 0x03
	ComFieldList    byte = 0x04
	ComStatistics   byte = 0x09
	ComPing         byte = 0x0e
	ComChangeUser   byte = 0x11
	ComStmtPrepare  byte = 0x16
	ComStmtExecute  byte = 0x17
	ComStmtClose    byte = 0x19
	ComStmtReset    byte = 0x1a
	ComSetOption    byte = 0x1b
	ComDebug        byte = 0x0d
)

// Response packet header bytes.
const (
	headerOK   byte = 0x00
	headerEOF  byte = 0xfe
	headerERR  byte = 0xff
	maxPayload      = 1<<24 - 1 // 16 MiB - 1, the largest single packet payload
	defaultMaxPacket = 16 * 1024 * 1024 // default Overlong ceiling (16 MiB aggregate)
)

// Auth plugin names.
const (
	AuthNativePassword   = "mysql_native_password"
	AuthCachingSHA2      = "caching_sha2_password"
)

// caching_sha2_password sub-exchange markers: an AuthMoreData packet
// (header byte 0x01) carries one of these as its second byte (spec §4.B
// step 5).
const (
	Sha2FastAuthSuccess byte = 0x03
	Sha2PerformFullAuth byte = 0x04
)
