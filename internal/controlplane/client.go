package controlplane

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mono-db/mono-proxy-server/internal/hostnames"
	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	backoffBase = 200 * time.Millisecond
	backoffCap  = 30 * time.Second
)

type secretEntry struct {
	password string
	cluster  topology.ClusterKey
}

// Dialer opens the underlying websocket transport. A field rather than a
// direct websocket.DefaultDialer.Dial call so tests can substitute an
// in-memory server.
type Dialer func(addr string) (*websocket.Conn, error)

func defaultDialer(addr string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	return conn, err
}

// TokenSource mints the bearer token attached to every dial. Optional:
// a Client with no TokenSource dials without an Authorization header,
// for control planes that don't require one (e.g. tests, the static
// bootstrap path).
type TokenSource interface {
	Token() (string, error)
}

// authenticatedDialer builds a Dialer that attaches a freshly minted
// bearer token to every dial. It always dials through
// websocket.DefaultDialer directly rather than composing with whatever
// c.dial already holds: production wiring calls WithTokenSource alone,
// tests call WithDialer alone to substitute an in-memory server, and the
// two are never combined.
func authenticatedDialer(tokens TokenSource) Dialer {
	return func(addr string) (*websocket.Conn, error) {
		token, err := tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("mint control-plane token: %w", err)
		}
		header := http.Header{"Authorization": {"Bearer " + token}}
		conn, _, err := websocket.DefaultDialer.Dial(addr, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Client is the Control-Plane Client (spec §4.G). It keeps two
// independent reconnecting streams alive: Topology (seeds and updates
// the Topology Store) and ActiveUsers (overload-control hints).
type Client struct {
	topologyAddr    string
	activeUsersAddr string
	locality        DBLocation
	labels          map[string]string
	store           *topology.Store
	dial            Dialer

	mu      sync.RWMutex
	secrets map[string]secretEntry

	hintsMu sync.Mutex
	hints   map[string]UserCom

	subscribeReq chan Envelope
}

// New builds a Client. activeUsersAddr may be empty to disable the
// ActiveUsers stream entirely (the backend sub-mode, which bypasses the
// control plane, never constructs a Client at all).
func New(topologyAddr, activeUsersAddr string, locality DBLocation, labels map[string]string, store *topology.Store) *Client {
	return &Client{
		topologyAddr:    topologyAddr,
		activeUsersAddr: activeUsersAddr,
		locality:        locality,
		labels:          labels,
		store:           store,
		dial:            defaultDialer,
		secrets:         make(map[string]secretEntry),
		hints:           make(map[string]UserCom),
		subscribeReq:    make(chan Envelope, 16),
	}
}

// WithDialer overrides the websocket dialer, for tests.
func (c *Client) WithDialer(d Dialer) *Client {
	c.dial = d
	return c
}

// WithTokenSource attaches a bearer token to every dial this Client
// makes, minted fresh per connection attempt (spec §4.G's
// "service-identity bearer token on connect").
func (c *Client) WithTokenSource(tokens TokenSource) *Client {
	c.dial = authenticatedDialer(tokens)
	return c
}

// Run drives both streams until ctx is cancelled. Each stream reconnects
// independently with its own backoff; a failure of one never interrupts
// the other, matching the "Control-Plane Client is one task" framing of
// spec §5 while still separating the two distinct sub-streams spec §4.G
// describes.
func (c *Client) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.runTopology(ctx) }()
	go func() { defer wg.Done(); c.runActiveUsers(ctx) }()
	wg.Wait()
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.Multiplier = 2
	// RandomizationFactor=1 spreads each retry over [0, 2*interval],
	// approximating the full-jitter spread spec §4.G calls for using
	// the jitter knob the library actually exposes.
	b.RandomizationFactor = 1
	b.MaxElapsedTime = 0
	return b
}

func (c *Client) runTopology(ctx context.Context) {
	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(c.topologyAddr)
		if err != nil {
			c.waitBackoff(ctx, bo, "topology", err)
			continue
		}
		bo.Reset()
		if err := c.serveTopology(ctx, conn); err != nil {
			log.Printf("control-plane: topology stream ended: %v", err)
		}
	}
}

func (c *Client) waitBackoff(ctx context.Context, bo *backoff.ExponentialBackOff, stream string, err error) {
	delay := bo.NextBackOff()
	log.Printf("control-plane: %s dial failed: %v (%v); retrying in %s", stream, err, merr.ErrControlPlaneUnavailable, delay)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// serveTopology sends the initial GetTopology request seeded by this
// proxy's locality, applies the full snapshot, then subscribes to the
// namespace for incremental events (SubscribeNamespace rather than the
// per-cluster Subscribe, since the proxy does not know every cluster
// name up front).
func (c *Client) serveTopology(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	req := Envelope{Type: MsgGetTopology, Locations: []DBLocation{c.locality}, Labels: c.labels}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send GetTopology: %w", merr.ErrControlPlaneUnavailable)
	}

	var resp Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read GetTopology response: %w", merr.ErrControlPlaneUnavailable)
	}
	c.applyServiceList(resp.ServiceList)

	sub := Envelope{
		Type:        MsgSubscribeNamespace,
		DBLocation:  &c.locality,
		SubscribeID: uuid.New().String(),
		Force:       true,
		Labels:      c.labels,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send SubscribeNamespace: %w", merr.ErrControlPlaneUnavailable)
	}

	done := make(chan struct{})
	defer close(done)
	go pingLoop(ctx, conn, done)

	incoming := make(chan Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Envelope
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			incoming <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("read topology stream: %w", err)
		case msg := <-incoming:
			switch msg.Type {
			case MsgServiceList:
				c.applyServiceList(msg.ServiceList)
			case MsgChangeEvent:
				if msg.ChangeEvent != nil {
					c.applyChangeEvent(*msg.ChangeEvent)
				}
			default:
				log.Printf("control-plane: unexpected topology message type %q", msg.Type)
			}
		case req := <-c.subscribeReq:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(req); err != nil {
				log.Printf("control-plane: ad-hoc subscribe failed: %v", err)
			}
		}
	}
}

// SubscribeCluster implements admin.Subscriber: it asks the Topology
// stream to start watching one cluster the proxy wasn't seeded with,
// the ad-hoc analogue of the original's add_tenant. The request is
// queued for the active serveTopology loop to send; if no stream is
// currently connected it is dropped once the buffer fills, since the
// next reconnect's SubscribeNamespace will cover it anyway.
func (c *Client) SubscribeCluster(region, az, namespace, cluster string) error {
	loc := DBLocation{Region: region, AvailabilityZone: az, Namespace: namespace}
	req := Envelope{
		Type:        MsgSubscribe,
		ClusterName: cluster,
		DBLocation:  &loc,
		SubscribeID: uuid.New().String(),
		Force:       true,
	}
	select {
	case c.subscribeReq <- req:
		return nil
	default:
		return fmt.Errorf("subscribe request queue full: %w", merr.ErrControlPlaneUnavailable)
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func clusterKeyOf(svc DBService) topology.ClusterKey {
	return topology.ClusterKey{
		Region:           hostnames.Normalize(svc.Location.Region),
		AvailabilityZone: hostnames.Normalize(svc.Location.AvailabilityZone),
		Namespace:        hostnames.Normalize(svc.Location.Namespace),
		ClusterName:      hostnames.Normalize(svc.Cluster),
	}
}

func toInstance(svc DBService, eventTimeNs int64) topology.BackendInstance {
	return topology.BackendInstance{
		Key:         topology.InstanceKey{Namespace: hostnames.Normalize(svc.Location.Namespace), NodeName: hostnames.Normalize(svc.Location.NodeName)},
		Region:      hostnames.Normalize(svc.Location.Region),
		Zone:        hostnames.Normalize(svc.Location.AvailabilityZone),
		Address:     hostnames.NormalizeAddress(fmt.Sprintf("%s:%d", svc.Address, svc.Port)),
		Status:      topology.ServiceStatus(svc.Status),
		Cluster:     clusterKeyOf(svc),
		Username:    svc.Secrets.User,
		Password:    svc.Secrets.Password,
		Labels:      svc.Payload,
		EventTimeNs: eventTimeNs,
	}
}

func (c *Client) applyServiceList(services []DBService) {
	now := time.Now().UnixNano()
	instances := make([]topology.BackendInstance, 0, len(services))
	for _, svc := range services {
		instances = append(instances, toInstance(svc, now))
		c.mirrorSecret(svc)
	}
	c.store.ReplaceAll(instances)
}

func (c *Client) applyChangeEvent(ev ServiceChangeEvent) {
	c.store.ApplyEvent(toInstance(ev.Service, ev.EventTime))
	c.mirrorSecret(ev.Service)
}

func (c *Client) mirrorSecret(svc DBService) {
	if svc.Secrets.User == "" {
		return
	}
	c.mu.Lock()
	c.secrets[svc.Secrets.User] = secretEntry{password: svc.Secrets.Password, cluster: clusterKeyOf(svc)}
	c.mu.Unlock()
}

// Lookup implements auth.TopologySecrets by mirroring DBService.ServiceSecrets
// as they arrive on the Topology stream.
func (c *Client) Lookup(username string) (string, topology.ClusterKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.secrets[username]
	return entry.password, entry.cluster, ok
}

func (c *Client) runActiveUsers(ctx context.Context) {
	if c.activeUsersAddr == "" {
		return
	}
	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(c.activeUsersAddr)
		if err != nil {
			c.waitBackoff(ctx, bo, "active-users", err)
			continue
		}
		bo.Reset()
		if err := c.serveActiveUsers(ctx, conn); err != nil {
			log.Printf("control-plane: active-users stream ended: %v", err)
		}
	}
}

func (c *Client) serveActiveUsers(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go pingLoop(ctx, conn, done)

	for {
		var msg ActiveUsersMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read active-users stream: %w", err)
		}
		c.recordHints(msg.ActiveUserCom)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (c *Client) recordHints(coms []UserCom) {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	for _, com := range coms {
		key := com.Cluster + "/" + com.User
		if existing, ok := c.hints[key]; ok && existing.ComTs >= com.ComTs {
			continue
		}
		c.hints[key] = com
	}
}

// Hint returns the most recently recorded overload-control commentary
// for a (cluster, user) pair. Spec §4.G/§9 leaves enforcement policy
// undefined; the client only records the latest hint for callers to
// consult.
func (c *Client) Hint(cluster, user string) (UserCom, bool) {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	com, ok := c.hints[cluster+"/"+user]
	return com, ok
}
