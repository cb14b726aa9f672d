package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(filepath.Join(t.TempDir(), "hooklab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestClients(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.CreateClient(&Client{ID: "c1", Name: "laptop", TokenHash: "hash", MaxTunnels: 3}))

	client, err := repo.GetClientByID("c1")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "laptop", client.Name)
	assert.Equal(t, "hash", client.TokenHash)
	assert.Equal(t, 3, client.MaxTunnels)
	assert.Equal(t, StatusActive, client.Status)

	missing, err := repo.GetClientByID("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTunnelLifecycle(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.CreateTunnel(&Tunnel{
		ID: "t1", ClientID: "c1", Subdomain: "demo", Protocol: "http",
		LocalPort: 3000, PublicURL: "https://demo.example-broker.io",
	}))
	require.NoError(t, repo.CreateTunnel(&Tunnel{
		ID: "t2", ClientID: "c1", Protocol: "tcp",
		LocalPort: 5432, PublicPort: 30001, PublicURL: "tcp://example-broker.io:30001",
	}))

	// Subdomains are unique among active tunnels only.
	err := repo.CreateTunnel(&Tunnel{ID: "t3", ClientID: "c2", Subdomain: "demo", Protocol: "http", LocalPort: 1})
	assert.Error(t, err)

	tunnel, err := repo.GetTunnelBySubdomain("demo")
	require.NoError(t, err)
	require.NotNil(t, tunnel)
	assert.Equal(t, "t1", tunnel.ID)
	assert.Nil(t, tunnel.ClosedAt)

	active, err := repo.GetActiveTunnelsByClient("c1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, repo.CloseTunnel("t1", "closed by client"))

	closed, err := repo.GetTunnel("t1")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, "closed by client", closed.CloseReason)
	assert.NotNil(t, closed.ClosedAt)

	require.NoError(t, repo.CreateTunnel(&Tunnel{ID: "t3", ClientID: "c2", Subdomain: "demo", Protocol: "http", LocalPort: 1}))

	n, err := repo.CloseStaleTunnels()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	active, err = repo.GetActiveTunnelsByClient("c1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestConnectionLogs(t *testing.T) {
	repo := newTestRepository(t)

	first := &ConnectionLog{TunnelID: "t1", ConnID: "a", ClientIP: "203.0.113.7:1", RequestMethod: "POST", RequestPath: "/callback", ResponseStatus: 200, BytesSent: 12}
	require.NoError(t, repo.LogConnection(first))
	assert.NotZero(t, first.ID)
	require.NoError(t, repo.LogConnection(&ConnectionLog{TunnelID: "t1", ConnID: "b", ResponseStatus: 502}))
	require.NoError(t, repo.LogConnection(&ConnectionLog{TunnelID: "t2", ConnID: "c"}))

	logs, err := repo.GetConnectionLogs("t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[0].ConnID)
	assert.Equal(t, 502, logs[0].ResponseStatus)
	assert.Equal(t, "POST", logs[1].RequestMethod)
	assert.Equal(t, "/callback", logs[1].RequestPath)
}
