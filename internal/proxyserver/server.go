// Package proxyserver implements the Proxy Server (spec §4.H) and the
// Command Phase Engine (spec §4.I): the accept loop, the per-connection
// state machine from handshake through command relay, and the boundary-
// only response classification that splices a frontend socket to its
// leased backend link. The accept-one-task-per-socket shape and the
// listener's context-driven shutdown are grounded on the teacher's
// proxy.Listener.Run/Stop pair.
package proxyserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/auth"
	"github.com/mono-db/mono-proxy-server/internal/backend"
	"github.com/mono-db/mono-proxy-server/internal/router"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

// Config bundles everything a Server needs to drive connections.
type Config struct {
	ListenAddr       string
	Engine           *auth.Engine
	Router           *router.Router
	Pool             *backend.Pool
	Topology         *topology.Store
	Locality         router.Locality
	MaxConns         int
	HandshakeTimeout time.Duration
	LeaseTimeout     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Server is the Proxy Server: an accept loop that spawns one task per
// accepted socket, each assigned a fresh ConnectionId.
type Server struct {
	cfg      Config
	listener net.Listener
	nextConn uint32
	connSem  chan struct{}
	wg       sync.WaitGroup
}

// New builds a Server from cfg. Fields left at their zero value fall back
// to spec-named defaults (unbounded --max-conns, 10s handshake, 5s lease,
// 30s read/write timeouts).
func New(cfg Config) *Server {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg}
	if cfg.MaxConns > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConns)
	}
	return s
}

// Addr returns the bound listener address; only valid after Run has
// started listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds the listener and accepts connections until ctx is cancelled
// or the listener errors. Once ctx is cancelled it blocks until every
// spawned connection task has finished; an accept error returns at once
// without waiting. The command loop does not watch ctx: a connection task
// ends when its client quits or disconnects, a relay fails, or its
// ReadTimeout deadline expires between commands.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				log.Printf("proxyserver: rejecting %s: max-conns reached", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}

		connID := atomic.AddUint32(&s.nextConn, 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			s.serve(ctx, conn, connID)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn, connID uint32) {
	defer conn.Close()

	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	result, err := s.cfg.Engine.Handshake(handshakeCtx, conn, connID)
	cancel()
	if err != nil {
		log.Printf("proxyserver: conn %d handshake failed: %v", connID, err)
		return
	}
	_ = result.Conn.SetDeadline(time.Time{})

	cc := newClientConn(s, connID, result)
	defer cc.close()

	if err := cc.routeAndLease(ctx, result.Database); err != nil {
		log.Printf("proxyserver: conn %d routing failed: %v", connID, err)
		cc.rejectHandshake(err)
		return
	}

	cc.commandLoop(ctx)
}
