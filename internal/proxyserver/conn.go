package proxyserver

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/auth"
	"github.com/mono-db/mono-proxy-server/internal/backend"
	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
	"github.com/mono-db/mono-proxy-server/internal/router"
	"github.com/mono-db/mono-proxy-server/internal/session"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

// clientConn is one ClientConn: the per-connection state machine of
// spec §4.H, `Accepted → Handshaking → (TlsUpgrade?) → Authenticating ↔
// AuthSwitching → Authenticated → Routing → Leasing → CommandIdle ↔
// CommandStreaming → Closed`. Handshaking/Authenticating/AuthSwitching
// already ran inside auth.Engine.Handshake by the time newClientConn is
// built; everything here covers Routing onward.
type clientConn struct {
	server       *Server
	connID       uint32
	conn         net.Conn
	codec        *protocol.Codec
	capabilities uint32
	identity     *auth.Identity
	salt         []byte
	state        *session.State

	cluster  topology.ClusterKey
	instance topology.BackendInstance
	link     *backend.Link
}

func newClientConn(s *Server, connID uint32, result *auth.Result) *clientConn {
	return &clientConn{
		server:       s,
		connID:       connID,
		conn:         result.Conn,
		codec:        result.Codec,
		capabilities: result.Capabilities,
		identity:     result.Identity,
		salt:         result.Salt,
		state:        session.New(result.Charset),
	}
}

// routeAndLease is the Routing → Leasing transition: pick a cluster and
// instance via the Router, then lease a PooledLink replayed to this
// connection's initial state (schema only, at this point).
func (cc *clientConn) routeAndLease(ctx context.Context, database string) error {
	if database == "" {
		database = cc.identity.Database
	}
	cc.state.Schema = database

	req := router.Request{
		User:     cc.identity.Username,
		Database: database,
		Locality: cc.server.cfg.Locality,
	}
	cluster, inst, err := cc.server.cfg.Router.Select(req)
	if err != nil {
		return err
	}
	cc.cluster = cluster
	cc.instance = inst

	leaseCtx, cancel := context.WithTimeout(ctx, cc.server.cfg.LeaseTimeout)
	defer cancel()
	link, err := cc.server.cfg.Pool.Lease(leaseCtx, inst, cc.state)
	if err != nil {
		return err
	}
	cc.link = link
	return nil
}

// rejectHandshake writes a mapped ERR packet for a routing/leasing
// failure that happens after the MySQL handshake OK has already been
// sent to the client: spec §7 maps NoBackend/PoolExhausted/Timeout
// during this phase to HY000/1040, matching the "too many connections"
// SQLSTATE a real MySQL server would send under the same overload.
func (cc *clientConn) rejectHandshake(err error) {
	var sqlErr *merr.SQLError
	if !errors.As(err, &sqlErr) {
		sqlErr = merr.TooManyConnections("No backend available")
	}
	pkt := protocol.BuildErrPacket(protocol.ErrPacket{Code: sqlErr.Code, SQLState: sqlErr.SQLState, Message: sqlErr.Message}, cc.capabilities)
	_ = cc.conn.SetWriteDeadline(time.Now().Add(cc.server.cfg.WriteTimeout))
	_ = cc.codec.WritePacket(cc.conn, pkt)
}

func (cc *clientConn) writeErr(sqlErr *merr.SQLError) {
	pkt := protocol.BuildErrPacket(protocol.ErrPacket{Code: sqlErr.Code, SQLState: sqlErr.SQLState, Message: sqlErr.Message}, cc.capabilities)
	_ = cc.conn.SetWriteDeadline(time.Now().Add(cc.server.cfg.WriteTimeout))
	_ = cc.codec.WritePacket(cc.conn, pkt)
}

// close releases the leased link (if any) back to the Backend Pool and
// closes the frontend socket. outcome defaults to Clean; a dirty relay
// error should call release(backend.OutcomeDirty) directly beforehand.
func (cc *clientConn) close() {
	cc.release(backend.OutcomeClean)
	_ = cc.conn.Close()
}

func (cc *clientConn) release(outcome backend.Outcome) {
	if cc.link == nil {
		return
	}
	stillReady := false
	if cc.server.cfg.Topology != nil {
		if inst, ok := cc.server.cfg.Topology.Instance(cc.instance.Key); ok {
			stillReady = inst.Status == topology.StatusReady
		}
	}
	cc.server.cfg.Pool.Return(cc.instance.Key, cc.link, outcome, stillReady)
	cc.link = nil
}

// handleChangeUser re-runs authentication against the existing frontend
// socket (spec §4.H: "COM_CHANGE_USER re-runs Auth against the existing
// frontend socket and re-leases a backend"). Returns false when the
// connection should close.
func (cc *clientConn) handleChangeUser(ctx context.Context, payload []byte) bool {
	req, err := protocol.ParseChangeUserRequest(payload)
	if err != nil {
		log.Printf("proxyserver: conn %d malformed COM_CHANGE_USER: %v", cc.connID, err)
		return false
	}

	plugin := req.AuthPlugin
	if plugin == "" {
		plugin = protocol.AuthCachingSHA2
	}
	identity, err := cc.server.cfg.Engine.VerifyChangeUser(ctx, req.Username, plugin, cc.salt, req.AuthResponse)
	if err != nil {
		log.Printf("proxyserver: conn %d COM_CHANGE_USER denied: %v", cc.connID, err)
		cc.writeErr(merr.AccessDenied("Access denied"))
		return false
	}
	if req.Database != "" {
		identity.Database = req.Database
	}

	cc.release(backend.OutcomeDirty)
	cc.identity = identity
	cc.state = session.New(req.Charset)

	if err := cc.routeAndLease(ctx, identity.Database); err != nil {
		cc.rejectHandshake(err)
		return false
	}

	_ = cc.conn.SetWriteDeadline(time.Now().Add(cc.server.cfg.WriteTimeout))
	if plugin == protocol.AuthCachingSHA2 {
		if err := auth.WriteCachingSHA2FastAuthSuccess(cc.codec, cc.conn); err != nil {
			return false
		}
	}

	ok := protocol.BuildOKPacket(0x00, protocol.OKPacket{StatusFlags: protocol.ServerStatusAutocommit}, cc.capabilities)
	if err := cc.codec.WritePacket(cc.conn, ok); err != nil {
		return false
	}
	return true
}
