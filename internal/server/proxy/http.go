// Package proxy carries public traffic into tunnels: HTTP requests routed by
// subdomain and raw TCP connections accepted on a tunnel's public port.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/essajiwa/hooklab/internal/database"
	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/internal/server/registry"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// ConnectionLogger records relayed connections.
type ConnectionLogger interface {
	LogConnection(entry *database.ConnectionLog) error
}

type HTTPProxy struct {
	registry *registry.Registry
	domain   string
	logs     ConnectionLogger
	log      *slog.Logger
}

// NewHTTPProxy returns a proxy for tunnels under domain. logs may be nil.
func NewHTTPProxy(reg *registry.Registry, domain string, logs ConnectionLogger, log *slog.Logger) *HTTPProxy {
	return &HTTPProxy{
		registry: reg,
		domain:   domain,
		logs:     logs,
		log:      log.With("component", "http_proxy"),
	}
}

func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	subdomain := p.extractSubdomain(r.Host)
	if subdomain == "" {
		http.Error(w, "Invalid subdomain", http.StatusBadRequest)
		return
	}

	tunnel, exists := p.registry.GetBySubdomain(subdomain)
	if !exists || tunnel.Protocol != protocol.ProtocolHTTP {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		p.log.Debug("Tunnel not found", "subdomain", subdomain)
		return
	}

	metrics.BrokerProxied.WithLabelValues(protocol.ProtocolHTTP).Inc()
	log := p.log.With("tunnel_id", tunnel.ID, "subdomain", subdomain)

	stream, connID, err := p.registry.OpenStream(tunnel, r.RemoteAddr)
	if err != nil {
		http.Error(w, "Failed to connect to tunnel", http.StatusBadGateway)
		log.Warn("Failed to open stream", "error", err)
		return
	}
	defer stream.Close()

	entry := &database.ConnectionLog{
		TunnelID:      tunnel.ID,
		ConnID:        connID,
		ClientIP:      r.RemoteAddr,
		RequestMethod: r.Method,
		RequestPath:   r.URL.Path,
	}
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		p.record(entry)
	}()

	if err := forwardedRequest(r).Write(stream); err != nil {
		entry.ResponseStatus = http.StatusBadGateway
		http.Error(w, "Failed to forward request", http.StatusBadGateway)
		log.Warn("Failed to write request to stream", "conn_id", connID, "error", err)
		return
	}
	if r.ContentLength > 0 {
		entry.BytesReceived = r.ContentLength
	}

	// A stream closed before any response means the client could not reach
	// its local service.
	resp, err := http.ReadResponse(bufio.NewReader(stream), r)
	if err != nil {
		entry.ResponseStatus = http.StatusBadGateway
		http.Error(w, "Local service unavailable", http.StatusBadGateway)
		log.Warn("No response from tunnel", "conn_id", connID, "error", err)
		return
	}
	defer resp.Body.Close()

	entry.ResponseStatus = resp.StatusCode
	entry.BytesSent = p.copyResponse(w, resp)

	log.Info("Request relayed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"bytes", entry.BytesSent,
		"duration", time.Since(start),
	)
}

// forwardedRequest prepares r for relaying over a single-use stream.
func forwardedRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.Close = true

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	out.Header.Set("X-Forwarded-For", clientIP)
	out.Header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	return out
}

func (p *HTTPProxy) copyResponse(w http.ResponseWriter, resp *http.Response) int64 {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	if isStreamingResponse(resp) && canFlush {
		return p.copyStreamingResponse(w, resp.Body, flusher)
	}

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		p.log.Debug("Copying response body", "error", err)
	}
	return written
}

func isStreamingResponse(resp *http.Response) bool {
	return resp.Header.Get("Content-Type") == "text/event-stream" ||
		resp.ContentLength < 0 ||
		resp.Header.Get("X-Accel-Buffering") == "no"
}

func (p *HTTPProxy) copyStreamingResponse(w http.ResponseWriter, body io.Reader, flusher http.Flusher) int64 {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			nw, ew := w.Write(buf[:n])
			written += int64(nw)
			if ew != nil {
				p.log.Debug("Writing streaming response", "error", ew)
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug("Reading streaming response", "error", err)
			}
			break
		}
	}
	return written
}

func (p *HTTPProxy) record(entry *database.ConnectionLog) {
	if p.logs == nil {
		return
	}
	if err := p.logs.LogConnection(entry); err != nil {
		p.log.Warn("Failed to record connection", "error", err)
	}
}

// extractSubdomain returns the single label in front of the broker domain,
// or "" when host is not a tunnel host.
func (p *HTTPProxy) extractSubdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	subdomain, ok := strings.CutSuffix(host, "."+strings.ToLower(p.domain))
	if !ok || subdomain == "" || strings.Contains(subdomain, ".") {
		return ""
	}
	return subdomain
}

func (p *HTTPProxy) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","tunnels":%d}`, p.registry.Count())
}
