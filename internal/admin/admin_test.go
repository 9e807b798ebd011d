package admin_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mono-db/mono-proxy-server/internal/admin"
	"github.com/mono-db/mono-proxy-server/internal/topology"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeSubscriber struct {
	calledWith [4]string
	err        error
}

func (f *fakeSubscriber) SubscribeCluster(region, az, namespace, cluster string) error {
	f.calledWith = [4]string{region, az, namespace, cluster}
	return f.err
}

func testStore() *topology.Store {
	store := topology.New(nil)
	store.ReplaceAll([]topology.BackendInstance{{
		Key:     topology.InstanceKey{Namespace: "prod", NodeName: "n1"},
		Address: "n1:3306",
		Status:  topology.StatusReady,
		Cluster: topology.ClusterKey{Region: "us-east", AvailabilityZone: "a", Namespace: "prod", ClusterName: "orders"},
	}})
	return store
}

func TestHealthzReportsReady(t *testing.T) {
	srv := admin.New(testStore(), nil, func() bool { return true }, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReportsNotReady(t *testing.T) {
	srv := admin.New(testStore(), nil, func() bool { return false }, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTopologyStatusListsInstances(t *testing.T) {
	srv := admin.New(testStore(), nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/topology/us-east/a/prod/orders", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []struct {
		NodeName string `json:"nodeName"`
		Address  string `json:"address"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "n1", out[0].NodeName)
	require.Equal(t, "ready", out[0].Status)
}

func TestTopologySubscribeCallsSubscriber(t *testing.T) {
	sub := &fakeSubscriber{}
	srv := admin.New(testStore(), sub, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/topology/us-east/a/prod/orders/subscribe", nil)
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, [4]string{"us-east", "a", "prod", "orders"}, sub.calledWith)
}

func TestTopologySubscribeWithoutSubscriberIs503(t *testing.T) {
	srv := admin.New(testStore(), nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/topology/us-east/a/prod/orders/subscribe", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTopologySubscribeFailurePropagates(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("control plane unreachable")}
	srv := admin.New(testStore(), sub, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/topology/us-east/a/prod/orders/subscribe", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBasicAuthGuardsWhenConfigured(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	srv := admin.New(testStore(), nil, func() bool { return true }, hash)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.SetBasicAuth("anyone", "s3cret")
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.SetBasicAuth("anyone", "wrong")
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedTopologyPathIsBadRequest(t *testing.T) {
	srv := admin.New(testStore(), nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/topology/us-east/a", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
