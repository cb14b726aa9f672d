// Package control serves broker control connections: one websocket per
// client carrying a yamux session whose first stream is the control stream.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"golang.org/x/time/rate"

	"github.com/essajiwa/hooklab/internal/database"
	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/internal/server/auth"
	"github.com/essajiwa/hooklab/internal/server/registry"
	"github.com/essajiwa/hooklab/internal/transport"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

const (
	controlAcceptTimeout = 30 * time.Second
	authTimeout          = 30 * time.Second
	writeTimeout         = 10 * time.Second

	// controlIdleTimeout drops control connections that stopped sending
	// heartbeats altogether.
	controlIdleTimeout = 2 * time.Minute
)

var errInvalidToken = errors.New("invalid token")

// Options configures a Handler.
type Options struct {
	Domain string
	// PublicScheme is the scheme of HTTP tunnel URLs, http or https.
	PublicScheme string
	// PublicPort is appended to HTTP tunnel URLs unless it is the scheme default.
	PublicPort int

	AuthRequired        bool
	MaxTunnelsPerClient int

	// Tunnel requests per second allowed per control connection.
	RequestsPerSecond float64
	RequestBurst      int
}

// TCPListener opens the public listener of a TCP tunnel.
type TCPListener interface {
	Listen(tunnel *registry.TunnelInfo) error
}

type Handler struct {
	registry      *registry.Registry
	repo          *database.Repository
	auth          *auth.Service
	opts          Options
	portAllocator *portAllocator
	tcp           TCPListener
	log           *slog.Logger
	upgrader      websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*clientConn
}

func NewHandler(reg *registry.Registry, repo *database.Repository, authSvc *auth.Service, opts Options, log *slog.Logger) *Handler {
	if opts.PublicScheme == "" {
		opts.PublicScheme = "https"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.RequestBurst <= 0 {
		opts.RequestBurst = 5
	}
	return &Handler{
		registry: reg,
		repo:     repo,
		auth:     authSvc,
		opts:     opts,
		log:      log.With("component", "control"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*clientConn),
	}
}

// ConfigurePortAllocator enables TCP tunnels on public ports from portRange
// ("start-end"), served by tcp. An empty range disables TCP tunnels.
func (h *Handler) ConfigurePortAllocator(portRange string, tcp TCPListener) error {
	if portRange == "" {
		h.portAllocator = nil
		h.tcp = nil
		return nil
	}
	start, end, err := parsePortRange(portRange)
	if err != nil {
		return err
	}
	h.portAllocator = &portAllocator{start: start, end: end, next: start}
	h.tcp = tcp
	return nil
}

// clientConn is one authenticated control connection.
type clientConn struct {
	id         string
	clientID   string
	maxTunnels int
	mux        *yamux.Session
	ctrl       net.Conn
	dec        *json.Decoder
	limiter    *rate.Limiter
	log        *slog.Logger

	sendMu sync.Mutex
	enc    *json.Encoder
}

func (c *clientConn) send(msg *protocol.ControlMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	_ = c.ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	return nil
}

func (c *clientConn) sendError(requestID, code, message string) {
	if err := c.send(protocol.NewErrorMessage(requestID, code, message)); err != nil {
		c.log.Debug("Failed to send error message", "error", err)
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	mux, err := yamux.Server(transport.NewConn(ws), transport.MuxConfig())
	if err != nil {
		h.log.Warn("Failed to create yamux session", "error", err)
		ws.Close()
		return
	}
	defer mux.Close()

	timer := time.AfterFunc(controlAcceptTimeout, func() { mux.Close() })
	ctrl, err := mux.AcceptStream()
	timer.Stop()
	if err != nil {
		h.log.Debug("No control stream opened", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer ctrl.Close()

	c := &clientConn{
		id:   uuid.NewString(),
		mux:  mux,
		ctrl: ctrl,
		dec:  json.NewDecoder(ctrl),
		enc:  json.NewEncoder(ctrl),
	}
	c.log = h.log.With("conn", c.id[:8], "remote_addr", r.RemoteAddr)

	if !h.authenticate(c) {
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(h.opts.RequestsPerSecond), h.opts.RequestBurst)
	c.log = c.log.With("client_id", c.clientID)
	c.log.Info("Client authenticated")

	h.track(c)
	metrics.BrokerClients.Inc()
	defer func() {
		metrics.BrokerClients.Dec()
		h.untrack(c)
		h.cleanupClient(c)
	}()

	h.handleClient(c)
}

func (h *Handler) authenticate(c *clientConn) bool {
	_ = c.ctrl.SetReadDeadline(time.Now().Add(authTimeout))

	var msg protocol.ControlMessage
	if err := c.dec.Decode(&msg); err != nil {
		c.log.Debug("Failed to read auth message", "error", err)
		return false
	}

	if msg.Type != protocol.MsgTypeAuth {
		c.sendError(msg.RequestID, protocol.CodeInvalidRequest, "Expected auth message")
		return false
	}

	var req protocol.AuthRequest
	if err := msg.DecodePayload(&req); err != nil {
		c.sendError(msg.RequestID, protocol.CodeInvalidRequest, "Token is required")
		return false
	}

	clientID, maxTunnels, err := h.verify(c, req.Token)
	if err != nil {
		c.log.Warn("Authentication failed", "error", err)
		resp, _ := protocol.NewControlMessage(protocol.MsgTypeAuthResponse, msg.RequestID, protocol.AuthResponse{
			Success: false,
			Message: "Invalid token",
		})
		_ = c.send(resp)
		return false
	}

	resp, err := protocol.NewControlMessage(protocol.MsgTypeAuthResponse, msg.RequestID, protocol.AuthResponse{
		Success:  true,
		ClientID: clientID,
	})
	if err == nil {
		err = c.send(resp)
	}
	if err != nil {
		c.log.Warn("Failed to send auth response", "error", err)
		return false
	}

	_ = c.ctrl.SetReadDeadline(time.Time{})
	c.clientID = clientID
	c.maxTunnels = maxTunnels
	return true
}

// verify resolves a token to a client id and its tunnel limit. Without a
// token, and only when authentication is optional, the connection gets an
// anonymous identity of its own.
func (h *Handler) verify(c *clientConn, token string) (string, int, error) {
	if token == "" {
		if h.opts.AuthRequired {
			return "", 0, errInvalidToken
		}
		return "anonymous-" + c.id[:8], h.opts.MaxTunnelsPerClient, nil
	}

	clientID, secret, err := auth.SplitToken(token)
	if err != nil {
		return "", 0, err
	}
	client, err := h.repo.GetClientByID(clientID)
	if err != nil {
		return "", 0, fmt.Errorf("looking up client: %w", err)
	}
	if client == nil || !h.auth.VerifyToken(secret, client.TokenHash) {
		return "", 0, errInvalidToken
	}

	maxTunnels := client.MaxTunnels
	if maxTunnels <= 0 {
		maxTunnels = h.opts.MaxTunnelsPerClient
	}
	return client.ID, maxTunnels, nil
}

func (h *Handler) handleClient(c *clientConn) {
	for {
		_ = c.ctrl.SetReadDeadline(time.Now().Add(controlIdleTimeout))

		var msg protocol.ControlMessage
		if err := c.dec.Decode(&msg); err != nil {
			c.log.Info("Client disconnected", "error", err)
			return
		}

		switch msg.Type {
		case protocol.MsgTypeTunnelReq:
			h.handleTunnelRequest(c, &msg)
		case protocol.MsgTypeTunnelClose:
			h.handleTunnelClose(c, &msg)
		case protocol.MsgTypeHeartbeat:
			h.handleHeartbeat(c, &msg)
		case protocol.MsgTypeStreamReset:
			h.handleStreamReset(c, &msg)
		default:
			c.log.Warn("Unknown message type", "type", msg.Type)
			c.sendError(msg.RequestID, protocol.CodeInvalidRequest, fmt.Sprintf("Unknown message type %q", msg.Type))
		}
	}
}

func (h *Handler) handleHeartbeat(c *clientConn, msg *protocol.ControlMessage) {
	resp, err := protocol.NewControlMessage(protocol.MsgTypeHeartbeatAck, msg.RequestID, protocol.HeartbeatAck{
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := c.send(resp); err != nil {
		c.log.Debug("Failed to acknowledge heartbeat", "error", err)
	}
}

func (h *Handler) handleStreamReset(c *clientConn, msg *protocol.ControlMessage) {
	var reset protocol.StreamReset
	if err := msg.DecodePayload(&reset); err != nil {
		c.log.Warn("Invalid stream_reset message", "error", err)
		return
	}
	metrics.BrokerStreamResets.WithLabelValues(reset.Code).Inc()
	c.log.Info("Client reset stream",
		"tunnel_id", reset.TunnelID,
		"conn_id", reset.ConnID,
		"code", reset.Code,
		"message", reset.Message,
	)
}

func (h *Handler) track(c *clientConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *clientConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (h *Handler) conn(id string) *clientConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

// Shutdown drops every control connection. Their tunnels are cleaned up as
// the connections unwind.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mux.Close()
	}
}

func (h *Handler) cleanupClient(c *clientConn) {
	for _, tunnel := range h.registry.GetByOwner(c.id) {
		h.closeTunnel(tunnel.ID, "client disconnected")
		c.log.Info("Cleaned up tunnel", "tunnel_id", tunnel.ID, "public_url", tunnel.PublicURL)
	}
}
