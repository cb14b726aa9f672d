// hooklab exposes a local port through a hooklab broker and prints the
// public URL together with the .env line to paste for webhook callbacks.
//
// Usage:
//
//	hooklab --broker wss://broker.example-broker.io --token TOKEN 3000
//
// Every flag can also be set with a HOOKLAB_* environment variable or in the
// .env file, e.g. HOOKLAB_BROKER and HOOKLAB_TOKEN.
//
// Exit codes:
//
//	0  tunnel closed on request (SIGINT/SIGTERM)
//	1  usage or configuration error
//	2  broker unreachable or connection lost
//	3  broker rejected the token
//	4  tunnel refused or revoked
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/essajiwa/hooklab/internal/client/config"
	"github.com/essajiwa/hooklab/internal/client/tunnel"
	"github.com/essajiwa/hooklab/internal/logging"
)

const (
	exitOK         = 0
	exitUsage      = 1
	exitConnection = 2
	exitAuth       = 3
	exitSession    = 4
)

var errUsage = errors.New("exactly one local port argument is required")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	envFile, explicit := config.EnvFileFromArgs(args, os.Getenv)
	if err := config.LoadEnvFile(envFile, explicit); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	flags := ff.NewFlagSet("hooklab")

	var conf config.Config
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	var port int
	cmd := &ff.Command{
		Name:      "hooklab",
		Usage:     "hooklab [FLAGS] <port>",
		ShortHelp: "expose a local port through a hooklab broker",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			return expose(ctx, conf, port, stdout, stderr)
		},
	}

	usage := func(err error) int {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Command(cmd))
		if errors.Is(err, ff.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	if err := cmd.Parse(args, ff.WithEnvVarPrefix(config.EnvPrefix)); err != nil {
		return usage(err)
	}

	rest := flags.GetArgs()
	if len(rest) != 1 {
		return usage(errUsage)
	}

	var err error
	if port, err = config.ParsePort(rest[0]); err != nil {
		return usage(err)
	}

	if err := conf.Validate(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	if err := cmd.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// expose connects, opens the tunnel and holds it until ctx is cancelled or
// the tunnel is lost.
func expose(ctx context.Context, conf config.Config, port int, stdout, stderr io.Writer) error {
	logger := logging.New(stderr, conf.Level)

	if conf.MetricsAddress != "" {
		srv := &http.Server{Addr: conf.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Metrics server failed", "addr", conf.MetricsAddress, "error", err)
			}
		}()
		defer srv.Close()
	}

	ch, err := tunnel.Connect(ctx, conf.BrokerURL, tunnel.Options{
		Token: conf.Token,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: conf.HandshakeTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: conf.Insecure},
		},
		HandshakeTimeout:  conf.HandshakeTimeout,
		HeartbeatInterval: conf.HeartbeatInterval,
		CloseTimeout:      conf.CloseTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer ch.Disconnect()

	session, err := tunnel.Open(ctx, ch, port, tunnel.SessionOptions{
		Subdomain: conf.Subdomain,
		Protocol:  conf.Protocol,
		LocalHost: conf.LocalHost,
	})
	if err != nil {
		return err
	}

	suggestion, err := conf.Suggestion(session.PublicURL())
	if err != nil {
		session.Close()
		return err
	}
	fmt.Fprint(stdout, suggestion)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down", "tunnel_id", session.ID())
		session.Close()
		return ch.Disconnect()
	case <-session.Done():
		return fmt.Errorf("tunnel closed: %w", session.Err())
	}
}

func exitCode(err error) int {
	var (
		authErr    *tunnel.AuthError
		sessionErr *tunnel.SessionError
		connErr    *tunnel.ConnectionError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &authErr):
		return exitAuth
	case errors.As(err, &sessionErr), errors.Is(err, tunnel.ErrTunnelRevoked):
		return exitSession
	case errors.As(err, &connErr), errors.Is(err, tunnel.ErrChannelClosed):
		return exitConnection
	}
	return exitUsage
}
