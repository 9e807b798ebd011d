// Package topology implements the Topology Store (spec §4.F): a
// locally-mirrored, concurrently-readable cluster→instances map kept
// fresh by the Control-Plane Client. Readers take a lock-free atomic
// snapshot; the sole writer publishes replacement snapshots, the same
// single-writer/many-readers shape the teacher's routing.Table uses for
// its sync.Map-backed hostname table, expressed here as an atomic
// pointer per the spec's explicit no-locks-on-read-path design note.
package topology

import (
	"sync/atomic"
)

// ServiceStatus mirrors the control plane's DBService status enum.
type ServiceStatus int

const (
	StatusUnknown ServiceStatus = iota
	StatusNotReady
	StatusReady
	StatusOffline
)

// ClusterKey identifies a logical database cluster.
type ClusterKey struct {
	Region           string
	AvailabilityZone string
	Namespace        string
	ClusterName      string
}

// InstanceKey identifies one BackendInstance stably across topology
// updates, independent of its current network address.
type InstanceKey struct {
	Namespace string
	NodeName  string
}

// BackendInstance is one endpoint of a ClusterKey.
type BackendInstance struct {
	Key         InstanceKey
	Region      string
	Zone        string
	Address     string
	Status      ServiceStatus
	Cluster     ClusterKey
	Username    string
	Password    string
	Labels      map[string]string
	EventTimeNs int64 // the timestamp of the change event that produced this record
}

// snapshot is the immutable value readers see. Never mutated after
// publish; updates build a new one and swap the pointer.
type snapshot struct {
	clusters  map[ClusterKey][]BackendInstance
	instances map[InstanceKey]BackendInstance
}

func emptySnapshot() *snapshot {
	return &snapshot{
		clusters:  make(map[ClusterKey][]BackendInstance),
		instances: make(map[InstanceKey]BackendInstance),
	}
}

// DrainFunc is called when an instance transitions to Offline, per spec
// §4.F ("Transition of an instance to Offline additionally triggers
// BackendPool.drain(instance)"). Wired by main.go to the Backend Pool.
type DrainFunc func(InstanceKey)

// Store is the Topology Store. Zero value is not usable; use New.
type Store struct {
	current atomic.Pointer[snapshot]
	onDrain DrainFunc
}

// New returns an empty Store. onDrain may be nil if nothing needs
// notifying of Offline transitions (e.g. in tests).
func New(onDrain DrainFunc) *Store {
	s := &Store{onDrain: onDrain}
	s.current.Store(emptySnapshot())
	return s
}

// ReplaceAll atomically installs a full snapshot, as delivered by a
// GetTopology response or a full ServiceList push. Unlike ApplyEvent this
// never checks per-instance timestamps: a full snapshot is authoritative
// for everything it names.
func (s *Store) ReplaceAll(instances []BackendInstance) {
	next := emptySnapshot()
	for _, inst := range instances {
		next.instances[inst.Key] = inst
		next.clusters[inst.Cluster] = append(next.clusters[inst.Cluster], inst)
	}
	old := s.current.Swap(next)
	s.notifyNewOfflines(old, next)
}

// ApplyEvent merges a single ServiceChangeEvent into a new snapshot built
// from the current one, publishing the result. Events whose EventTimeNs
// is not strictly greater than the stored instance's last event time are
// dropped, giving per-(instance,timestamp) monotonicity (spec invariant,
// §3 and §8) the same way the teacher's UpdateRoutesForPeer drops a
// peer announcement whose version doesn't advance the peer's state.
func (s *Store) ApplyEvent(inst BackendInstance) {
	for {
		old := s.current.Load()
		existing, had := old.instances[inst.Key]
		if had && inst.EventTimeNs <= existing.EventTimeNs {
			return
		}

		next := &snapshot{
			clusters:  make(map[ClusterKey][]BackendInstance, len(old.clusters)),
			instances: make(map[InstanceKey]BackendInstance, len(old.instances)),
		}
		for k, v := range old.instances {
			if k != inst.Key {
				next.instances[k] = v
			}
		}
		next.instances[inst.Key] = inst
		for _, v := range next.instances {
			next.clusters[v.Cluster] = append(next.clusters[v.Cluster], v)
		}

		if s.current.CompareAndSwap(old, next) {
			wasOffline := had && existing.Status == StatusOffline
			if inst.Status == StatusOffline && !wasOffline && s.onDrain != nil {
				s.onDrain(inst.Key)
			}
			return
		}
	}
}

func (s *Store) notifyNewOfflines(old, next *snapshot) {
	if s.onDrain == nil {
		return
	}
	for key, inst := range next.instances {
		if inst.Status != StatusOffline {
			continue
		}
		if prior, ok := old.instances[key]; ok && prior.Status == StatusOffline {
			continue
		}
		s.onDrain(key)
	}
}

// Instances returns every instance of a cluster, whatever its status,
// from a single atomic snapshot load. Never blocks.
func (s *Store) Instances(cluster ClusterKey) []BackendInstance {
	snap := s.current.Load()
	return append([]BackendInstance(nil), snap.clusters[cluster]...)
}

// Instance looks up one instance by its stable key.
func (s *Store) Instance(key InstanceKey) (BackendInstance, bool) {
	snap := s.current.Load()
	inst, ok := snap.instances[key]
	return inst, ok
}

// InstancesNamed returns every instance whose cluster name matches,
// regardless of region/zone/namespace. A ClusterKey is only unique
// including locality fields the control plane assigns; a client-supplied
// database name or connection-attribute hint names only the cluster, so
// callers resolving those need this broader lookup instead of Instances.
func (s *Store) InstancesNamed(name string) []BackendInstance {
	snap := s.current.Load()
	var found []BackendInstance
	for cluster, instances := range snap.clusters {
		if cluster.ClusterName == name {
			found = append(found, instances...)
		}
	}
	return found
}
