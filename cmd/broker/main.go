// hooklab broker - the reference broker hooklab clients open tunnels through.
//
// This server provides:
//   - WebSocket control connections carrying yamux sessions
//   - HTTP/HTTPS ingress routed to tunnels by subdomain
//   - TCP ingress on a public port per TCP tunnel
//   - Token-based client authentication backed by SQLite
//   - A management listener with metrics, health and tunnel revocation
//
// Usage:
//
//	./hooklab-broker -config configs/broker.yaml
//	./hooklab-broker -config configs/broker.yaml -create-client laptop
//
// Flags:
//
//	-config: Path to configuration file (default: configs/broker.yaml)
//	-create-client: Register a client with the given name, print its token and exit
//	-max-tunnels: Tunnel limit of a client created with -create-client
//	-version: Show version information
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/essajiwa/hooklab/internal/database"
	"github.com/essajiwa/hooklab/internal/logging"
	"github.com/essajiwa/hooklab/internal/server/admin"
	"github.com/essajiwa/hooklab/internal/server/auth"
	"github.com/essajiwa/hooklab/internal/server/config"
	"github.com/essajiwa/hooklab/internal/server/control"
	"github.com/essajiwa/hooklab/internal/server/proxy"
	"github.com/essajiwa/hooklab/internal/server/registry"
	tlsmanager "github.com/essajiwa/hooklab/internal/server/tls"
)

var (
	version = "dev" // Broker version, set during build
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "configs/broker.yaml", "Path to configuration file")
	createClient := flag.String("create-client", "", "Register a client with this name, print its token and exit")
	maxTunnels := flag.Int("max-tunnels", 0, "Tunnel limit of the created client (0 uses the configured default)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hooklab broker %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level)
	slog.SetDefault(logger)

	repo, err := database.NewRepository(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if *createClient != "" {
		if err := registerClient(repo, *createClient, *maxTunnels); err != nil {
			logger.Error("Failed to create client", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, repo, logger); err != nil {
		logger.Error("Broker failed", "error", err)
		os.Exit(1)
	}
}

// registerClient mints a token for a new client and prints it. Only the hash
// of the token secret is stored.
func registerClient(repo *database.Repository, name string, maxTunnels int) error {
	clientID := uuid.NewString()
	token, hash, err := auth.NewService().GenerateToken(clientID)
	if err != nil {
		return err
	}

	if err := repo.CreateClient(&database.Client{
		ID:         clientID,
		Name:       name,
		TokenHash:  hash,
		MaxTunnels: maxTunnels,
	}); err != nil {
		return err
	}

	fmt.Printf("Client %q created.\n", name)
	fmt.Printf("Token (shown once): %s\n", token)
	return nil
}

func run(ctx context.Context, cfg *config.Config, repo *database.Repository, logger *slog.Logger) error {
	if n, err := repo.CloseStaleTunnels(); err != nil {
		return fmt.Errorf("closing stale tunnels: %w", err)
	} else if n > 0 {
		logger.Info("Closed tunnels left over from a previous run", "count", n)
	}

	reg := registry.NewRegistry()

	controlHandler := control.NewHandler(reg, repo, auth.NewService(), control.Options{
		Domain:              cfg.Server.Domain,
		PublicScheme:        cfg.Server.PublicScheme,
		PublicPort:          cfg.Server.PublicPort,
		AuthRequired:        cfg.Auth.Required,
		MaxTunnelsPerClient: cfg.Tunnels.MaxTunnelsPerClient,
		RequestsPerSecond:   cfg.Tunnels.RequestsPerSecond,
		RequestBurst:        cfg.Tunnels.RequestBurst,
	}, logger)

	tcpProxy := proxy.NewTCPProxy(reg, "", repo, logger)
	if err := controlHandler.ConfigurePortAllocator(cfg.Tunnels.TCPPortRange, tcpProxy); err != nil {
		return fmt.Errorf("configuring tcp tunnels: %w", err)
	}

	httpProxy := proxy.NewHTTPProxy(reg, cfg.Server.Domain, repo, logger)

	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/", controlHandler.HandleWebSocket)

	proxyMux := http.NewServeMux()
	proxyMux.Handle("/", httpProxy)
	proxyMux.HandleFunc("/health", httpProxy.HandleHealthCheck)

	var tlsConfig *tls.Config
	if cfg.TLS.Mode == "manual" {
		var err error
		tlsConfig, err = tlsmanager.LoadManualCerts(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return fmt.Errorf("loading manual certificates: %w", err)
		}
	}

	servers := []*namedServer{
		{name: "control", tls: tlsConfig != nil, Server: &http.Server{
			Addr: addr(cfg.Server.ControlPort), Handler: controlMux, TLSConfig: tlsConfig,
		}},
		{name: "http proxy", Server: &http.Server{
			Addr: addr(cfg.Server.HTTPPort), Handler: proxyMux,
		}},
		{name: "management", Server: &http.Server{
			Addr: addr(cfg.Server.ManagementPort), Handler: admin.NewHandler(reg, controlHandler, logger),
		}},
	}
	if tlsConfig != nil {
		servers = append(servers, &namedServer{name: "https proxy", tls: true, Server: &http.Server{
			Addr: addr(cfg.Server.HTTPSPort), Handler: proxyMux, TLSConfig: tlsConfig,
		}})
	}
	for _, s := range servers {
		s.ReadHeaderTimeout = 10 * time.Second
	}

	logger.Info("hooklab broker started",
		"version", version,
		"domain", cfg.Server.Domain,
		"tls", cfg.TLS.Mode,
		"auth_required", cfg.Auth.Required,
		"tcp_port_range", cfg.Tunnels.TCPPortRange,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.Info("Starting server", "server", s.name, "addr", s.Addr)
			if err := s.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", s.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		controlHandler.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Server shutdown", "server", s.name, "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

type namedServer struct {
	*http.Server
	name string
	tls  bool
}

func (s *namedServer) serve() error {
	if s.tls {
		// certificates come from TLSConfig
		return s.ListenAndServeTLS("", "")
	}
	return s.ListenAndServe()
}

func addr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
