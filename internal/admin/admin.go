// Package admin implements the admin HTTP surface supplemented from the
// Rust original's web_service/proxy_handler.rs (add_tenant, tenant_status)
// behind the proxy's --enable-rest/--http-port flags. It runs over stdlib
// net/http, matching the teacher's own use of net/http for its listeners
// rather than pulling in a router framework for three endpoints.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mono-db/mono-proxy-server/internal/topology"
	"golang.org/x/crypto/bcrypt"
)

// Subscriber triggers a Subscribe/SubscribeNamespace call against the
// Control-Plane Client for a cluster the proxy isn't yet watching
// (mirrors the original's add_tenant). The Control-Plane Client
// implements this.
type Subscriber interface {
	SubscribeCluster(region, az, namespace, cluster string) error
}

// Server is the admin HTTP surface. A nil AuthHash disables Basic Auth
// entirely (the operator accepted the endpoints being unauthenticated);
// a non-nil one requires a password bcrypt-matching it, any username.
type Server struct {
	mux        *http.ServeMux
	topology   *topology.Store
	subscriber Subscriber
	ready      func() bool
	authHash   []byte
}

// New builds a Server. ready reports liveness for /healthz; subscriber
// may be nil, in which case the subscribe endpoint always 503s.
func New(store *topology.Store, subscriber Subscriber, ready func() bool, authHash []byte) *Server {
	s := &Server{mux: http.NewServeMux(), topology: store, subscriber: subscriber, ready: ready, authHash: authHash}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/topology/", s.handleTopology)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.authHash == nil {
		return true
	}
	_, password, ok := r.BasicAuth()
	if !ok || bcrypt.CompareHashAndPassword(s.authHash, []byte(password)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="mono-proxy-server admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// instanceStatus is the JSON shape returned by GET
// /topology/{region}/{az}/{namespace}/{cluster}, the tenant_status
// analogue.
type instanceStatus struct {
	NodeName string `json:"nodeName"`
	Address  string `json:"address"`
	Status   string `json:"status"`
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	region, az, namespace, cluster, rest, err := parseTopologyPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && rest == "":
		s.serveStatus(w, region, az, namespace, cluster)
	case r.Method == http.MethodPost && rest == "subscribe":
		s.serveSubscribe(w, region, az, namespace, cluster)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, region, az, namespace, cluster string) {
	key := topology.ClusterKey{Region: region, AvailabilityZone: az, Namespace: namespace, ClusterName: cluster}
	instances := s.topology.Instances(key)

	out := make([]instanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceStatus{NodeName: inst.Key.NodeName, Address: inst.Address, Status: statusName(inst.Status)})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) serveSubscribe(w http.ResponseWriter, region, az, namespace, cluster string) {
	if s.subscriber == nil {
		http.Error(w, "control plane not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.subscriber.SubscribeCluster(region, az, namespace, cluster); err != nil {
		http.Error(w, fmt.Sprintf("subscribe failed: %v", err), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func parseTopologyPath(path string) (region, az, namespace, cluster, rest string, err error) {
	trimmed := strings.TrimPrefix(path, "/topology/")
	parts := strings.SplitN(trimmed, "/", 5)
	if len(parts) < 4 {
		return "", "", "", "", "", errors.New("expected /topology/{region}/{az}/{namespace}/{cluster}")
	}
	rest = ""
	if len(parts) == 5 {
		rest = parts[4]
	}
	return parts[0], parts[1], parts[2], parts[3], rest, nil
}

func statusName(s topology.ServiceStatus) string {
	switch s {
	case topology.StatusReady:
		return "ready"
	case topology.StatusNotReady:
		return "not_ready"
	case topology.StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}
