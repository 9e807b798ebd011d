// Package backend implements the Backend Pool (spec §4.D): a per-backend-
// instance bounded pool of pre-authenticated PooledLinks, with
// session-replay on lease so pool reuse is transparent to the client.
// The mutex-guarded idle list plus a bounded wait on overflow follows the
// concurrency contract of spec §5; the semaphore-bounded wait itself is
// grounded on the same golang.org/x/sync/semaphore usage found across the
// wider example pack for bounded-concurrency gates.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/auth"
	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/protocol"
	"github.com/mono-db/mono-proxy-server/internal/session"
	"github.com/mono-db/mono-proxy-server/internal/topology"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxSize     = 50
	defaultIdleTTL     = 5 * time.Minute
	defaultLeaseWait   = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
	pingIdleThreshold  = 30 * time.Second
	maxLeaseRetries    = 3
)

// Link is a PooledLink: an already-authenticated backend connection plus
// the SessionState it was last synchronized to.
type Link struct {
	Conn     net.Conn
	Codec    *protocol.Codec
	Instance topology.InstanceKey
	State    *session.State
	lastUsed time.Time
}

// Dialer opens a fresh TCP connection to a backend instance's address.
// A field rather than a hardcoded net.Dial call so tests can substitute
// an in-memory pipe.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

func defaultDialer(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", address)
}

// Pool is the Backend Pool. One Pool serves every BackendInstance; state
// is partitioned per-instance internally so contention never crosses
// instance boundaries (spec §5).
type Pool struct {
	mu        sync.Mutex
	instances map[topology.InstanceKey]*instancePool

	maxSize      int
	minSize      int
	idleTTL      time.Duration
	leaseWait    time.Duration
	dialTimeout  time.Duration
	dial         Dialer
}

// Option configures a Pool at construction.
type Option func(*Pool)

func WithMaxSize(n int) Option        { return func(p *Pool) { p.maxSize = n } }
// WithMinSize sets the warm-idle floor the health check task replenishes
// each instance pool up to (spec §4.D: "replenishes up to min-size").
func WithMinSize(n int) Option        { return func(p *Pool) { p.minSize = n } }
func WithIdleTTL(d time.Duration) Option { return func(p *Pool) { p.idleTTL = d } }
func WithLeaseWait(d time.Duration) Option { return func(p *Pool) { p.leaseWait = d } }
func WithDialer(d Dialer) Option      { return func(p *Pool) { p.dial = d } }

// New builds an empty Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		instances:   make(map[topology.InstanceKey]*instancePool),
		maxSize:     defaultMaxSize,
		idleTTL:     defaultIdleTTL,
		leaseWait:   defaultLeaseWait,
		dialTimeout: defaultDialTimeout,
		dial:        defaultDialer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type instancePool struct {
	mu       sync.Mutex
	idle     []*Link
	leased   int
	sem      *semaphore.Weighted
	closed   bool
	instance topology.BackendInstance
}

func (p *Pool) instancePoolFor(inst topology.BackendInstance) *instancePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.instances[inst.Key]
	if !ok {
		ip = &instancePool{sem: semaphore.NewWeighted(int64(p.maxSize)), instance: inst}
		p.instances[inst.Key] = ip
	} else {
		ip.instance = inst
	}
	return ip
}

// OutstandingLeases implements router.LeaseCounter.
func (p *Pool) OutstandingLeases(key topology.InstanceKey) int {
	p.mu.Lock()
	ip, ok := p.instances[key]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.leased
}

// Lease returns a PooledLink authenticated and replayed to be equivalent
// to want, per spec §4.D. A failed backend handshake, idle-TTL or liveness
// check, or session replay discards that link and tries again with
// another, for at most three attempts in all; the last attempt's error is
// then returned. PoolExhausted and a draining instance fail at once.
func (p *Pool) Lease(ctx context.Context, inst topology.BackendInstance, want *session.State) (*Link, error) {
	ip := p.instancePoolFor(inst)

	var lastErr error
	for attempt := 0; attempt < maxLeaseRetries; attempt++ {
		link, err := p.acquire(ctx, ip)
		if err != nil {
			if errors.Is(err, merr.ErrPoolExhausted) || errors.Is(err, merr.ErrNoBackend) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if err := p.prepareForLease(link, want); err != nil {
			p.destroy(ip, link)
			lastErr = err
			continue
		}
		return link, nil
	}
	if lastErr == nil {
		lastErr = merr.ErrBackendHandshakeFailed
	}
	return nil, fmt.Errorf("lease from %+v after %d attempts: %w", inst.Key, maxLeaseRetries, lastErr)
}

// acquire either pops an idle link or mints a fresh one, respecting the
// pool's size bound via a semaphore with the configured lease timeout.
func (p *Pool) acquire(ctx context.Context, ip *instancePool) (*Link, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.leaseWait)
	defer cancel()
	if err := ip.sem.Acquire(waitCtx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a free link: %w", merr.ErrPoolExhausted)
	}

	ip.mu.Lock()
	if ip.closed {
		ip.mu.Unlock()
		ip.sem.Release(1)
		return nil, fmt.Errorf("instance draining: %w", merr.ErrNoBackend)
	}
	var link *Link
	if n := len(ip.idle); n > 0 {
		link = ip.idle[n-1]
		ip.idle = ip.idle[:n-1]
	}
	ip.leased++
	ip.mu.Unlock()

	if link != nil {
		return link, nil
	}

	link, err := p.mint(ctx, ip.instance)
	if err != nil {
		ip.mu.Lock()
		ip.leased--
		ip.mu.Unlock()
		ip.sem.Release(1)
		return nil, err
	}
	return link, nil
}

func (p *Pool) mint(ctx context.Context, inst topology.BackendInstance) (*Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, err := p.dial(dialCtx, inst.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", inst.Address, merr.ErrBackendHandshakeFailed)
	}

	if _, err := auth.DialHandshake(conn, auth.BackendCredentials{Username: inst.Username, Password: inst.Password}); err != nil {
		conn.Close()
		return nil, err
	}

	return &Link{
		Conn:     conn,
		Codec:    protocol.NewCodec(),
		Instance: inst.Key,
		State:    session.New(0x2d),
		lastUsed: monotonicNow(),
	}, nil
}

// prepareForLease runs the idle TTL and liveness checks (if the link has
// been idle long enough to warrant either) and replays the state delta
// so the link matches want before the caller resumes command relay.
func (p *Pool) prepareForLease(link *Link, want *session.State) error {
	idle := monotonicNow().Sub(link.lastUsed)
	if p.idleTTL > 0 && idle > p.idleTTL {
		return fmt.Errorf("link idle %s past ttl %s: %w", idle, p.idleTTL, merr.ErrBackendHandshakeFailed)
	}
	if idle > pingIdleThreshold {
		if err := ping(link); err != nil {
			return fmt.Errorf("liveness check: %w", merr.ErrBackendHandshakeFailed)
		}
	}

	script := session.Diff(link.State, want)
	if script.Empty() {
		return nil
	}
	if err := replay(link, script); err != nil {
		return fmt.Errorf("session replay: %w", merr.ErrSessionReplayFailed)
	}
	link.State = want.Snapshot()
	return nil
}

func ping(link *Link) error {
	link.Codec.ResetSeq()
	if err := link.Codec.WritePacket(link.Conn, []byte{protocol.ComPing}); err != nil {
		return err
	}
	reply, err := link.Codec.ReadPacket(link.Conn)
	if err != nil {
		return err
	}
	if protocol.ClassifyResponse(reply, false) != protocol.ResponseOK {
		return merr.ErrBackendHandshakeFailed
	}
	return nil
}

func replay(link *Link, script session.ReplayScript) error {
	for _, stmt := range script.Statements {
		link.Codec.ResetSeq()
		payload := append([]byte{protocol.ComQuery}, stmt...)
		if err := link.Codec.WritePacket(link.Conn, payload); err != nil {
			return err
		}
		reply, err := link.Codec.ReadPacket(link.Conn)
		if err != nil {
			return err
		}
		if protocol.ClassifyResponse(reply, false) == protocol.ResponseErr {
			return fmt.Errorf("replay statement %q rejected", stmt)
		}
	}
	return nil
}

// Outcome describes how a lease ended, so Return can decide whether the
// link is safe to recycle.
type Outcome int

const (
	OutcomeClean Outcome = iota
	OutcomeDirty
)

// Return gives a link back to its instance pool. A dirty outcome, or an
// instance no longer Ready, destroys the link instead of recycling it.
func (p *Pool) Return(inst topology.InstanceKey, link *Link, outcome Outcome, stillReady bool) {
	p.mu.Lock()
	ip, ok := p.instances[inst]
	p.mu.Unlock()
	if !ok {
		p.closeLink(link)
		return
	}

	if outcome != OutcomeClean || !stillReady {
		p.destroy(ip, link)
		return
	}

	ip.mu.Lock()
	closed := ip.closed
	if !closed {
		link.lastUsed = monotonicNow()
		ip.idle = append(ip.idle, link)
	}
	ip.leased--
	ip.mu.Unlock()
	if closed {
		p.closeLink(link)
	}
	ip.sem.Release(1)
}

func (p *Pool) destroy(ip *instancePool, link *Link) {
	ip.mu.Lock()
	ip.leased--
	ip.mu.Unlock()
	ip.sem.Release(1)
	p.closeLink(link)
}

func (p *Pool) closeLink(link *Link) {
	if link != nil && link.Conn != nil {
		_ = link.Conn.Close()
	}
}

// Drain marks an instance's pool closed: idle links are destroyed
// immediately, outstanding leases are destroyed on return. Triggered by
// the Topology Store when an instance transitions to Offline.
func (p *Pool) Drain(inst topology.InstanceKey) {
	p.mu.Lock()
	ip, ok := p.instances[inst]
	p.mu.Unlock()
	if !ok {
		return
	}

	ip.mu.Lock()
	ip.closed = true
	idle := ip.idle
	ip.idle = nil
	ip.mu.Unlock()

	for _, link := range idle {
		p.closeLink(link)
	}
}

func monotonicNow() time.Time { return time.Now() }
