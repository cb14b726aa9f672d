package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/essajiwa/hooklab/internal/logging"
	"github.com/essajiwa/hooklab/internal/server/registry"
)

type fakeRevoker struct {
	reg     *registry.Registry
	revoked map[string]string
}

func (f *fakeRevoker) Revoke(id, reason string) error {
	if _, ok := f.reg.Unregister(id); !ok {
		return registry.ErrNotFound
	}
	f.revoked[id] = reason
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *fakeRevoker) {
	t.Helper()

	reg := registry.NewRegistry()
	revoker := &fakeRevoker{reg: reg, revoked: map[string]string{}}
	srv := httptest.NewServer(NewHandler(reg, revoker, logging.Discard()))
	t.Cleanup(srv.Close)
	return srv, reg, revoker
}

func TestHealthAndList(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(&registry.TunnelInfo{
		ID: "t1", ClientID: "c1", Subdomain: "demo", Protocol: "http", PublicURL: "https://demo.example-broker.io",
	}))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 1, health["tunnels"])

	resp, err = http.Get(srv.URL + "/api/tunnels")
	require.NoError(t, err)
	defer resp.Body.Close()

	var tunnels []Tunnel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tunnels))
	require.Len(t, tunnels, 1)
	assert.Equal(t, "https://demo.example-broker.io", tunnels[0].PublicURL)
}

func TestRevoke(t *testing.T) {
	srv, reg, revoker := newTestServer(t)
	require.NoError(t, reg.Register(&registry.TunnelInfo{ID: "t1", Subdomain: "demo"}))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/tunnels/t1?reason=abuse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "abuse", revoker.revoked["t1"])

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
}
