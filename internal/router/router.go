// Package router implements the Router component (spec §4.E): given an
// authenticated client, pick a ClusterKey and then a BackendInstance
// within it. The Router never blocks and never mutates topology; it only
// reads a snapshot through the Topology Store's atomic pointer, the same
// non-blocking read shape the teacher's LoadBalancerPool.Select achieves
// with a mutex-protected slice, generalized here to the spec's
// locality-then-least-leases-then-lexicographic policy.
package router

import (
	"fmt"
	"sort"

	"github.com/mono-db/mono-proxy-server/internal/hostnames"
	"github.com/mono-db/mono-proxy-server/internal/merr"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

// ClusterResolver maps a user (and optionally a database name or client
// hint) to the default cluster it should route to. The credential
// provider backs this in practice; kept as a narrow interface here to
// avoid a dependency on the auth package.
type ClusterResolver interface {
	DefaultCluster(user string) (topology.ClusterKey, bool)
}

// LeaseCounter reports how many links are currently leased from an
// instance, used to break ties among equally-local Ready instances. The
// Backend Pool implements this.
type LeaseCounter interface {
	OutstandingLeases(topology.InstanceKey) int
}

// Request is what the Proxy Server has in hand right after authentication.
type Request struct {
	User         string
	Database     string
	ClusterHint  string // from a connection attribute, if the client sent one
	Locality     Locality
}

// Locality is the proxy's own placement, used to prefer same-region/zone
// instances.
type Locality struct {
	Region           string
	AvailabilityZone string
}

// Router selects a BackendInstance for a newly authenticated client.
type Router struct {
	topo     *topology.Store
	leases   LeaseCounter
	resolver ClusterResolver
}

// New builds a Router. resolver may be nil, in which case cluster
// selection only ever succeeds via a hint or a 1:1 database-name match.
func New(topo *topology.Store, leases LeaseCounter, resolver ClusterResolver) *Router {
	return &Router{topo: topo, leases: leases, resolver: resolver}
}

// Select performs cluster selection followed by instance selection, per
// spec §4.E. It never blocks.
func (r *Router) Select(req Request) (topology.ClusterKey, topology.BackendInstance, error) {
	cluster, instances, err := r.selectCluster(req)
	if err != nil {
		return topology.ClusterKey{}, topology.BackendInstance{}, err
	}

	ready := make([]topology.BackendInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == topology.StatusReady {
			ready = append(ready, inst)
		}
	}
	if len(ready) == 0 {
		return cluster, topology.BackendInstance{}, fmt.Errorf("cluster %+v: %w", cluster, merr.ErrNoBackend)
	}

	local := filterLocal(ready, req.Locality)
	candidates := local
	if len(candidates) == 0 {
		candidates = ready
	}

	chosen := r.pickLeastLoaded(candidates)
	return cluster, chosen, nil
}

// selectCluster resolves a Request to a ClusterKey plus its current
// instances. A hint or database name only names the cluster, not its
// locality, so those two paths look up by name across every region the
// control plane has reported; the resolver path already has a full key.
func (r *Router) selectCluster(req Request) (topology.ClusterKey, []topology.BackendInstance, error) {
	name := req.ClusterHint
	if name == "" {
		name = req.Database
	}
	if name != "" {
		name = hostnames.Normalize(name)
		instances := r.topo.InstancesNamed(name)
		if len(instances) == 0 {
			return topology.ClusterKey{ClusterName: name}, nil, fmt.Errorf("no instances for cluster %q: %w", name, merr.ErrNoBackend)
		}
		return instances[0].Cluster, instances, nil
	}
	if r.resolver != nil {
		if cluster, ok := r.resolver.DefaultCluster(req.User); ok {
			return cluster, r.topo.Instances(cluster), nil
		}
	}
	return topology.ClusterKey{}, nil, fmt.Errorf("no cluster hint, database, or default cluster for user %q: %w", req.User, merr.ErrNoBackend)
}

func filterLocal(instances []topology.BackendInstance, loc Locality) []topology.BackendInstance {
	if loc.Region == "" && loc.AvailabilityZone == "" {
		return nil
	}
	var local []topology.BackendInstance
	for _, inst := range instances {
		if inst.Region == loc.Region && inst.Zone == loc.AvailabilityZone {
			local = append(local, inst)
		}
	}
	return local
}

func (r *Router) pickLeastLoaded(candidates []topology.BackendInstance) topology.BackendInstance {
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := r.load(candidates[i]), r.load(candidates[j])
		if li != lj {
			return li < lj
		}
		return candidates[i].Key.NodeName < candidates[j].Key.NodeName
	})
	return candidates[0]
}

func (r *Router) load(inst topology.BackendInstance) int {
	if r.leases == nil {
		return 0
	}
	return r.leases.OutstandingLeases(inst.Key)
}
