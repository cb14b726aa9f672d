package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/essajiwa/hooklab/internal/database"
	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/internal/server/registry"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// TCPProxy forwards raw TCP connections to registered tunnels via yamux streams.
type TCPProxy struct {
	registry *registry.Registry
	host     string
	logs     ConnectionLogger
	log      *slog.Logger
}

// NewTCPProxy creates a TCP proxy listening on host ("" for all interfaces).
// logs may be nil.
func NewTCPProxy(reg *registry.Registry, host string, logs ConnectionLogger, log *slog.Logger) *TCPProxy {
	return &TCPProxy{
		registry: reg,
		host:     host,
		logs:     logs,
		log:      log.With("component", "tcp_proxy"),
	}
}

// Listen opens the public listener for a TCP tunnel on tunnel.PublicPort and
// starts accepting on it. The listener is stored in tunnel.Listener and is
// closed when the tunnel is unregistered.
func (p *TCPProxy) Listen(tunnel *registry.TunnelInfo) error {
	addr := net.JoinHostPort(p.host, strconv.Itoa(tunnel.PublicPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	tunnel.Listener = listener

	go p.serve(tunnel, listener)
	return nil
}

func (p *TCPProxy) serve(tunnel *registry.TunnelInfo, listener net.Listener) {
	log := p.log.With("tunnel_id", tunnel.ID, "port", tunnel.PublicPort)
	log.Debug("Accepting connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn("Accept failed, closing listener", "error", err)
				listener.Close()
			}
			return
		}
		go p.handleConnection(conn, tunnel, log)
	}
}

func (p *TCPProxy) handleConnection(conn net.Conn, tunnel *registry.TunnelInfo, log *slog.Logger) {
	defer conn.Close()
	start := time.Now()

	metrics.BrokerProxied.WithLabelValues(protocol.ProtocolTCP).Inc()

	stream, connID, err := p.registry.OpenStream(tunnel, conn.RemoteAddr().String())
	if err != nil {
		log.Warn("Failed to open stream", "error", err)
		return
	}
	defer stream.Close()

	log = log.With("conn_id", connID)
	log.Debug("Forwarding connection", "remote_addr", conn.RemoteAddr())

	var sent, received int64
	g := new(errgroup.Group)
	g.Go(func() error {
		n, err := io.Copy(stream, conn)
		received = n
		stream.Close()
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(conn, stream)
		sent = n
		// a reset stream ends the whole connection, a clean EOF only our write side
		if tcp, ok := conn.(*net.TCPConn); ok && err == nil {
			tcp.CloseWrite()
		} else {
			conn.Close()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Debug("Relay ended with error", "error", err)
	}

	if p.logs != nil {
		err := p.logs.LogConnection(&database.ConnectionLog{
			TunnelID:      tunnel.ID,
			ConnID:        connID,
			ClientIP:      conn.RemoteAddr().String(),
			BytesSent:     sent,
			BytesReceived: received,
			DurationMs:    time.Since(start).Milliseconds(),
		})
		if err != nil {
			log.Warn("Failed to record connection", "error", err)
		}
	}
}
