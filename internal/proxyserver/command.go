package proxyserver

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/backend"
	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

// commandLoop drives CommandIdle ↔ CommandStreaming (spec §4.H) until the
// client sends COM_QUIT, the link is lost, or the leased instance drops
// out of Ready between commands. Every command packet resets both the
// client and backend Codec's sequence counters, per spec §4.A.
func (cc *clientConn) commandLoop(ctx context.Context) {
	for {
		cc.codec.ResetSeq()
		_ = cc.conn.SetReadDeadline(time.Now().Add(cc.server.cfg.ReadTimeout))
		payload, err := cc.codec.ReadPacket(cc.conn)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}

		switch payload[0] {
		case protocol.ComQuit:
			return
		case protocol.ComChangeUser:
			if !cc.handleChangeUser(ctx, payload) {
				return
			}
			continue
		}

		if !cc.instanceStillReady() {
			cc.writeErr(merr.ServerShutdown("backend instance is no longer available"))
			cc.release(backend.OutcomeDirty)
			return
		}

		if err := cc.relayCommand(payload); err != nil {
			log.Printf("proxyserver: conn %d command relay failed: %v", cc.connID, err)
			cc.release(backend.OutcomeDirty)
			return
		}
	}
}

func (cc *clientConn) instanceStillReady() bool {
	if cc.server.cfg.Topology == nil {
		return true
	}
	inst, ok := cc.server.cfg.Topology.Instance(cc.instance.Key)
	return ok && inst.Status == topology.StatusReady
}

// relayCommand forwards one client command packet to the leased backend
// link and splices every response packet it produces back to the client,
// applying any session-altering effect the statement had once the
// backend has accepted it.
func (cc *clientConn) relayCommand(payload []byte) error {
	link := cc.link
	link.Codec.ResetSeq()
	_ = link.Conn.SetWriteDeadline(time.Now().Add(cc.server.cfg.WriteTimeout))
	if err := link.Codec.WritePacket(link.Conn, payload); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}

	deprecateEOF := cc.capabilities&protocol.ClientDeprecateEOF != 0
	ok, err := cc.relayResponses(link, deprecateEOF)
	if err != nil {
		return err
	}

	// applyCommandEffect only runs once the backend has confirmed the
	// statement succeeded, so cc.state is never mutated on the rejected
	// path and needs no snapshot/restore.
	if ok {
		cc.applyCommandEffect(payload)
	}
	return nil
}

// relayResponses streams one command's response packets from link to the
// client, classifying only packet boundaries (spec §4.I never decodes
// resultset contents). Under classic framing a resultset is terminated
// by two EOF packets (after the column definitions, then after the
// rows); under ClientDeprecateEOF there is no EOF at all, just a single
// OK-shaped terminator after the rows. It returns whether the command
// ultimately succeeded (an ERR packet means it did not).
func (cc *clientConn) relayResponses(link *backend.Link, deprecateEOF bool) (bool, error) {
	eofCount := 0
	for {
		_ = link.Conn.SetReadDeadline(time.Now().Add(cc.server.cfg.ReadTimeout))
		resp, err := link.Codec.ReadPacket(link.Conn)
		if err != nil {
			return false, fmt.Errorf("read backend response: %w", err)
		}
		_ = cc.conn.SetWriteDeadline(time.Now().Add(cc.server.cfg.WriteTimeout))
		if err := cc.codec.WritePacket(cc.conn, resp); err != nil {
			return false, fmt.Errorf("relay to client: %w", err)
		}

		kind := protocol.ClassifyResponse(resp, deprecateEOF)
		switch kind {
		case protocol.ResponseErr:
			return false, nil
		case protocol.ResponseOK:
			status := protocol.TerminatorStatusFlags(kind, resp, cc.capabilities)
			if protocol.MoreResultsExist(status) {
				eofCount = 0
				continue
			}
			return true, nil
		case protocol.ResponseEOF:
			eofCount++
			if deprecateEOF || eofCount >= 2 {
				status := protocol.TerminatorStatusFlags(kind, resp, cc.capabilities)
				if protocol.MoreResultsExist(status) {
					eofCount = 0
					continue
				}
				return true, nil
			}
			continue
		default: // ResponseResultSet, ResponseUnknown: not a boundary, keep reading
			continue
		}
	}
}

// applyCommandEffect updates session.State for the commands whose effect
// the proxy needs to track so a future lease can replay it, now that the
// backend has confirmed the command succeeded.
func (cc *clientConn) applyCommandEffect(payload []byte) {
	switch payload[0] {
	case protocol.ComInitDB:
		cc.state.Schema = string(payload[1:])
	case protocol.ComQuery:
		text := strings.TrimSpace(string(payload[1:]))
		upper := strings.ToUpper(text)
		if strings.HasPrefix(upper, "USE ") || strings.HasPrefix(upper, "SET ") {
			cc.state.ApplySet(text)
		}
	case protocol.ComStmtPrepare:
		// The statement handle id is assigned by the backend and carried
		// in the OK_Prepared packet this proxy already relayed verbatim.
		// That packet is not decoded, so no handle is registered with
		// cc.state and no PREPARE is replayed on a later lease.
	case protocol.ComStmtClose:
		if len(payload) >= 5 {
			id := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
			cc.state.ForgetPrepare(id)
		}
	}
}
