// Package admin serves the broker management endpoints: Prometheus metrics,
// health, and the tunnel listing and revocation API.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/essajiwa/hooklab/internal/server/registry"
)

// Revoker tears tunnels down on behalf of the operator.
type Revoker interface {
	Revoke(tunnelID, reason string) error
}

// Tunnel is the JSON view of an active tunnel.
type Tunnel struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Subdomain  string    `json:"subdomain,omitempty"`
	Protocol   string    `json:"protocol"`
	PublicURL  string    `json:"public_url"`
	PublicPort int       `json:"public_port,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewHandler returns the management mux.
func NewHandler(reg *registry.Registry, revoker Revoker, log *slog.Logger) http.Handler {
	log = log.With("component", "admin")

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "healthy",
			"tunnels": reg.Count(),
		})
	})

	mux.HandleFunc("GET /api/tunnels", func(w http.ResponseWriter, r *http.Request) {
		active := reg.List()
		tunnels := make([]Tunnel, 0, len(active))
		for _, t := range active {
			tunnels = append(tunnels, Tunnel{
				ID:         t.ID,
				ClientID:   t.ClientID,
				Subdomain:  t.Subdomain,
				Protocol:   t.Protocol,
				PublicURL:  t.PublicURL,
				PublicPort: t.PublicPort,
				CreatedAt:  t.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, tunnels)
	})

	mux.HandleFunc("DELETE /api/tunnels/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "revoked by operator"
		}

		err := revoker.Revoke(id, reason)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "tunnel not found"})
			return
		case err != nil:
			// the tunnel is gone either way; only the notification failed
			log.Warn("Failed to notify client of revocation", "tunnel_id", id, "error", err)
		}
		log.Info("Tunnel revoked", "tunnel_id", id, "reason", reason)
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
