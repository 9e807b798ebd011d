package topology_test

import (
	"testing"

	"github.com/mono-db/mono-proxy-server/internal/topology"
	"github.com/stretchr/testify/require"
)

func TestReplaceAllPublishesFullSnapshot(t *testing.T) {
	store := topology.New(nil)
	cluster := topology.ClusterKey{Region: "us-east", Namespace: "prod", ClusterName: "orders"}
	inst := topology.BackendInstance{
		Key:     topology.InstanceKey{Namespace: "prod", NodeName: "node-1"},
		Cluster: cluster,
		Status:  topology.StatusReady,
	}
	store.ReplaceAll([]topology.BackendInstance{inst})

	got := store.Instances(cluster)
	require.Len(t, got, 1)
	require.Equal(t, topology.StatusReady, got[0].Status)
}

func TestApplyEventDropsStaleTimestamp(t *testing.T) {
	store := topology.New(nil)
	key := topology.InstanceKey{Namespace: "prod", NodeName: "node-1"}
	cluster := topology.ClusterKey{Namespace: "prod", ClusterName: "orders"}

	store.ApplyEvent(topology.BackendInstance{Key: key, Cluster: cluster, Status: topology.StatusReady, EventTimeNs: 100})
	store.ApplyEvent(topology.BackendInstance{Key: key, Cluster: cluster, Status: topology.StatusOffline, EventTimeNs: 50})

	inst, ok := store.Instance(key)
	require.True(t, ok)
	require.Equal(t, topology.StatusReady, inst.Status, "stale event must not overwrite a newer one")
}

func TestApplyEventAcceptsNewerTimestamp(t *testing.T) {
	store := topology.New(nil)
	key := topology.InstanceKey{Namespace: "prod", NodeName: "node-1"}
	cluster := topology.ClusterKey{Namespace: "prod", ClusterName: "orders"}

	store.ApplyEvent(topology.BackendInstance{Key: key, Cluster: cluster, Status: topology.StatusReady, EventTimeNs: 100})
	store.ApplyEvent(topology.BackendInstance{Key: key, Cluster: cluster, Status: topology.StatusOffline, EventTimeNs: 200})

	inst, ok := store.Instance(key)
	require.True(t, ok)
	require.Equal(t, topology.StatusOffline, inst.Status)
}

func TestOfflineTransitionTriggersDrain(t *testing.T) {
	var drained []topology.InstanceKey
	store := topology.New(func(k topology.InstanceKey) { drained = append(drained, k) })
	key := topology.InstanceKey{Namespace: "prod", NodeName: "node-1"}
	cluster := topology.ClusterKey{Namespace: "prod", ClusterName: "orders"}

	store.ApplyEvent(topology.BackendInstance{Key: key, Cluster: cluster, Status: topology.StatusReady, EventTimeNs: 1})
	store.ApplyEvent(topology.BackendInstance{Key: key, Cluster: cluster, Status: topology.StatusOffline, EventTimeNs: 2})

	require.Equal(t, []topology.InstanceKey{key}, drained)
}

func TestInstancesReturnsEmptyForUnknownCluster(t *testing.T) {
	store := topology.New(nil)
	require.Empty(t, store.Instances(topology.ClusterKey{ClusterName: "ghost"}))
}
