// Package brokertest runs an in-process broker for tests: control handler,
// HTTP proxy, TCP ingress and management API on loopback, backed by a
// throwaway SQLite database.
package brokertest

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/essajiwa/hooklab/internal/database"
	"github.com/essajiwa/hooklab/internal/logging"
	"github.com/essajiwa/hooklab/internal/server/admin"
	"github.com/essajiwa/hooklab/internal/server/auth"
	"github.com/essajiwa/hooklab/internal/server/control"
	"github.com/essajiwa/hooklab/internal/server/proxy"
	"github.com/essajiwa/hooklab/internal/server/registry"
)

// Domain is the public domain tunnels are assigned under.
const Domain = "example-broker.io"

type Broker struct {
	// URL is the websocket control URL clients connect to.
	URL string
	// ProxyURL serves public HTTP traffic; route with a Host header of
	// <subdomain>.Domain.
	ProxyURL string
	// AdminURL serves the management API.
	AdminURL string
	// Token authenticates the client registered at start.
	Token string

	Registry *registry.Registry
	Repo     *database.Repository
	Control  *control.Handler
}

type options struct {
	authRequired bool
	tcpPorts     int
}

type Option func(*options)

// WithAuthRequired rejects connections without a token.
func WithAuthRequired() Option {
	return func(o *options) { o.authRequired = true }
}

// WithTCPPorts enables TCP tunnels on a range of n loopback ports.
func WithTCPPorts(n int) Option {
	return func(o *options) { o.tcpPorts = n }
}

// Start starts a broker that is torn down with t.
func Start(t testing.TB, opts ...Option) *Broker {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := logging.Discard()

	repo, err := database.NewRepository(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}

	authSvc := auth.NewServiceWithCost(bcrypt.MinCost)
	clientID := uuid.NewString()
	token, hash, err := authSvc.GenerateToken(clientID)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	if err := repo.CreateClient(&database.Client{ID: clientID, Name: "test", TokenHash: hash}); err != nil {
		t.Fatalf("creating client: %v", err)
	}

	reg := registry.NewRegistry()
	handler := control.NewHandler(reg, repo, authSvc, control.Options{
		Domain:              Domain,
		PublicScheme:        "https",
		AuthRequired:        o.authRequired,
		MaxTunnelsPerClient: 5,
		RequestsPerSecond:   100,
		RequestBurst:        100,
	}, log)

	if o.tcpPorts > 0 {
		start := freePortRange(t, o.tcpPorts)
		portRange := fmt.Sprintf("%d-%d", start, start+o.tcpPorts-1)
		if err := handler.ConfigurePortAllocator(portRange, proxy.NewTCPProxy(reg, "127.0.0.1", repo, log)); err != nil {
			t.Fatalf("configuring tcp ports: %v", err)
		}
	}

	controlSrv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	publicSrv := httptest.NewServer(proxy.NewHTTPProxy(reg, Domain, repo, log))
	adminSrv := httptest.NewServer(admin.NewHandler(reg, handler, log))

	t.Cleanup(func() {
		handler.Shutdown()
		controlSrv.Close()
		publicSrv.Close()
		adminSrv.Close()
		for _, tunnel := range reg.List() {
			reg.Unregister(tunnel.ID)
		}
		repo.Close()
	})

	return &Broker{
		URL:      "ws" + strings.TrimPrefix(controlSrv.URL, "http"),
		ProxyURL: publicSrv.URL,
		AdminURL: adminSrv.URL,
		Token:    token,
		Registry: reg,
		Repo:     repo,
		Control:  handler,
	}
}

// Host is the Host header routing to subdomain on the proxy.
func Host(subdomain string) string {
	return subdomain + "." + Domain
}

// Subdomain extracts the subdomain of a public URL assigned by the broker.
func Subdomain(publicURL string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(publicURL, "https://"), "http://")
	sub, _, _ := strings.Cut(host, ".")
	return sub
}

// freePortRange finds n consecutive loopback ports that are free right now.
func freePortRange(t testing.TB, n int) int {
	t.Helper()

	for range 20 {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listening: %v", err)
		}
		start := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		if start+n-1 > 65535 {
			continue
		}
		if rangeFree(start, n) {
			return start
		}
	}
	t.Fatalf("no free range of %d ports", n)
	return 0
}

func rangeFree(start, n int) bool {
	for port := start; port < start+n; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		ln.Close()
	}
	return true
}
