package control

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/essajiwa/hooklab/internal/database"
	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/internal/server/registry"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// subdomainPattern accepts a single DNS label.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

const randomSubdomainAttempts = 5

func (h *Handler) handleTunnelRequest(c *clientConn, msg *protocol.ControlMessage) {
	var req protocol.TunnelRequest
	if err := msg.DecodePayload(&req); err != nil {
		h.reject(c, msg.RequestID, protocol.CodeInvalidRequest, "Malformed tunnel request")
		return
	}

	if !c.limiter.Allow() {
		h.reject(c, msg.RequestID, protocol.CodeRateLimited, "Too many tunnel requests")
		return
	}

	if req.LocalPort < 1 || req.LocalPort > 65535 {
		h.reject(c, msg.RequestID, protocol.CodeInvalidRequest, fmt.Sprintf("Invalid local port %d", req.LocalPort))
		return
	}

	proto := strings.ToLower(req.Protocol)
	if proto == "" {
		proto = protocol.ProtocolHTTP
	}
	if proto != protocol.ProtocolHTTP && proto != protocol.ProtocolTCP {
		h.reject(c, msg.RequestID, protocol.CodeInvalidRequest, fmt.Sprintf("Unsupported protocol %q", req.Protocol))
		return
	}

	if c.maxTunnels > 0 && h.registry.CountByClient(c.clientID) >= c.maxTunnels {
		h.reject(c, msg.RequestID, protocol.CodeTunnelLimit, fmt.Sprintf("Tunnel limit of %d reached", c.maxTunnels))
		return
	}

	tunnel := &registry.TunnelInfo{
		ID:        uuid.NewString(),
		ClientID:  c.clientID,
		Owner:     c.id,
		Protocol:  proto,
		LocalPort: req.LocalPort,
		Mux:       c.mux,
	}

	var code, reason string
	switch proto {
	case protocol.ProtocolHTTP:
		code, reason = h.registerHTTP(tunnel, strings.ToLower(req.Subdomain))
	case protocol.ProtocolTCP:
		code, reason = h.registerTCP(tunnel)
	}
	if code != "" {
		h.reject(c, msg.RequestID, code, reason)
		return
	}

	err := h.repo.CreateTunnel(&database.Tunnel{
		ID:         tunnel.ID,
		ClientID:   tunnel.ClientID,
		Subdomain:  tunnel.Subdomain,
		Protocol:   tunnel.Protocol,
		LocalPort:  tunnel.LocalPort,
		PublicPort: tunnel.PublicPort,
		PublicURL:  tunnel.PublicURL,
	})
	if err != nil {
		c.log.Error("Failed to create tunnel in database", "error", err)
		h.registry.Unregister(tunnel.ID)
		h.reject(c, msg.RequestID, protocol.CodeInternalError, "Failed to create tunnel")
		return
	}
	metrics.BrokerTunnels.Inc()

	resp, err := protocol.NewControlMessage(protocol.MsgTypeTunnelResp, msg.RequestID, protocol.TunnelResponse{
		TunnelID:   tunnel.ID,
		PublicURL:  tunnel.PublicURL,
		PublicPort: tunnel.PublicPort,
		Status:     database.StatusActive,
	})
	if err == nil {
		err = c.send(resp)
	}
	if err != nil {
		c.log.Warn("Failed to send tunnel response", "error", err)
		h.closeTunnel(tunnel.ID, "response not delivered")
		return
	}

	metrics.BrokerRegistrations.WithLabelValues("ok").Inc()
	c.log.Info("Tunnel created",
		"tunnel_id", tunnel.ID,
		"protocol", tunnel.Protocol,
		"public_url", tunnel.PublicURL,
		"local_port", tunnel.LocalPort,
	)
}

// registerHTTP assigns the subdomain and registers the tunnel. It returns an
// error code and message on failure.
func (h *Handler) registerHTTP(tunnel *registry.TunnelInfo, subdomain string) (string, string) {
	if subdomain != "" {
		if !subdomainPattern.MatchString(subdomain) {
			return protocol.CodeInvalidRequest, fmt.Sprintf("Invalid subdomain %q", subdomain)
		}
		tunnel.Subdomain = subdomain
		tunnel.PublicURL = h.httpURL(subdomain)
		if err := h.registry.Register(tunnel); err != nil {
			if errors.Is(err, registry.ErrSubdomainTaken) {
				return protocol.CodeSubdomainTaken, fmt.Sprintf("Subdomain %s is already in use", subdomain)
			}
			return protocol.CodeInternalError, err.Error()
		}
		return "", ""
	}

	for i := 0; i < randomSubdomainAttempts; i++ {
		tunnel.Subdomain = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		tunnel.PublicURL = h.httpURL(tunnel.Subdomain)
		err := h.registry.Register(tunnel)
		if err == nil {
			return "", ""
		}
		if !errors.Is(err, registry.ErrSubdomainTaken) {
			return protocol.CodeInternalError, err.Error()
		}
	}
	return protocol.CodeInternalError, "Could not assign a subdomain"
}

// registerTCP assigns a public port, opens its listener and registers the tunnel.
func (h *Handler) registerTCP(tunnel *registry.TunnelInfo) (string, string) {
	if h.portAllocator == nil || h.tcp == nil {
		return protocol.CodePortAllocationFailed, "TCP tunneling not enabled"
	}

	var lastErr error
	for i := 0; i < min(3, h.portAllocator.size()); i++ {
		port, err := h.portAllocator.allocate(h.registry)
		if err != nil {
			return protocol.CodePortAllocationFailed, err.Error()
		}

		tunnel.PublicPort = port
		tunnel.PublicURL = fmt.Sprintf("tcp://%s:%d", h.opts.Domain, port)
		if err := h.tcp.Listen(tunnel); err != nil {
			lastErr = err
			continue
		}

		if err := h.registry.Register(tunnel); err != nil {
			tunnel.Listener.Close()
			lastErr = err
			continue
		}
		return "", ""
	}
	return protocol.CodePortAllocationFailed, lastErr.Error()
}

func (h *Handler) httpURL(subdomain string) string {
	host := subdomain + "." + h.opts.Domain
	port := h.opts.PublicPort
	if port == 0 || (h.opts.PublicScheme == "https" && port == 443) || (h.opts.PublicScheme == "http" && port == 80) {
		return h.opts.PublicScheme + "://" + host
	}
	return h.opts.PublicScheme + "://" + host + ":" + strconv.Itoa(port)
}

func (h *Handler) reject(c *clientConn, requestID, code, message string) {
	metrics.BrokerRegistrations.WithLabelValues(code).Inc()
	c.log.Info("Tunnel request rejected", "code", code, "message", message)
	c.sendError(requestID, code, message)
}

func (h *Handler) handleTunnelClose(c *clientConn, msg *protocol.ControlMessage) {
	var req protocol.TunnelClose
	if err := msg.DecodePayload(&req); err != nil {
		c.sendError(msg.RequestID, protocol.CodeInvalidRequest, "Malformed tunnel close")
		return
	}

	tunnel, ok := h.registry.GetByID(req.TunnelID)
	if !ok || tunnel.Owner != c.id {
		c.sendError(msg.RequestID, protocol.CodeInvalidRequest, fmt.Sprintf("Unknown tunnel %s", req.TunnelID))
		return
	}

	h.closeTunnel(tunnel.ID, "closed by client")
	c.log.Info("Tunnel closed by client", "tunnel_id", tunnel.ID)

	ack, err := protocol.NewControlMessage(protocol.MsgTypeTunnelCloseAck, msg.RequestID, protocol.TunnelClose{
		TunnelID: tunnel.ID,
	})
	if err != nil {
		return
	}
	if err := c.send(ack); err != nil {
		c.log.Debug("Failed to acknowledge tunnel close", "error", err)
	}
}

// Revoke tears a tunnel down on the broker side and notifies the owning
// client with a tunnel_closed message.
func (h *Handler) Revoke(tunnelID, reason string) error {
	tunnel, ok := h.closeTunnel(tunnelID, "revoked: "+reason)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, tunnelID)
	}

	c := h.conn(tunnel.Owner)
	if c == nil {
		return nil
	}
	c.log.Info("Tunnel revoked", "tunnel_id", tunnelID, "reason", reason)

	msg, err := protocol.NewControlMessage(protocol.MsgTypeTunnelClosed, uuid.NewString(), protocol.TunnelClosed{
		TunnelID: tunnelID,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	return c.send(msg)
}

// closeTunnel unregisters a tunnel and marks it closed in the database.
func (h *Handler) closeTunnel(tunnelID, reason string) (*registry.TunnelInfo, bool) {
	tunnel, ok := h.registry.Unregister(tunnelID)
	if !ok {
		return nil, false
	}
	metrics.BrokerTunnels.Dec()

	if err := h.repo.CloseTunnel(tunnelID, reason); err != nil {
		h.log.Warn("Failed to close tunnel in database", "tunnel_id", tunnelID, "error", err)
	}
	return tunnel, true
}
