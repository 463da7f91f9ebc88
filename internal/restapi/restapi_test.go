package restapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/restapi"
	"github.com/cuemby/poseidon/internal/volmgr"
	"github.com/cuemby/poseidon/internal/volume"
)

func newTestRouter(t *testing.T) (*gin.Engine, *registry.Registry, *volmgr.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	fake := nodefake.New()
	fake.SeedPool(rpc.PoolInfo{Name: "pool0", CapacityB: 100, UsedB: 10, State: "online"})
	n, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)
	require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)

	mgr := volmgr.New(r, r, nil)
	h := restapi.NewHandler(r, mgr)
	engine := gin.New()
	h.RegisterRoutes(engine.Group("/v1"))
	return engine, r, mgr
}

func TestListNodesReportsHealth(t *testing.T) {
	engine, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Nodes []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	require.Equal(t, "n1", body.Nodes[0].Name)
	require.True(t, body.Nodes[0].Healthy)
}

func TestListPoolsReportsSeededPool(t *testing.T) {
	engine, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/pools", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pools []struct {
			Node  string `json:"node"`
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pools, 1)
	require.Equal(t, "pool0", body.Pools[0].Name)
	require.Equal(t, "online", body.Pools[0].State)
}

func TestVolumeStatsUnknownReturns404(t *testing.T) {
	engine, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/volumes/nonexistent/stats", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVolumeStatsReportsKnownVolume(t *testing.T) {
	engine, r, mgr := newTestRouter(t)
	_, err := mgr.Create(context.Background(), "11111111-2222-3333-4444-555555555555", volume.Spec{
		ReplicaCount:  1,
		RequiredBytes: 10,
	})
	require.NoError(t, err)
	_ = r

	req := httptest.NewRequest(http.MethodGet, "/v1/volumes/11111111-2222-3333-4444-555555555555/stats", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UUID  string `json:"uuid"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "11111111-2222-3333-4444-555555555555", body.UUID)
}
