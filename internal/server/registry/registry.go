// Package registry provides the in-memory tunnel registry of the hooklab broker.
//
// This package tracks active tunnels, the control connection that owns each of
// them, and the multiplexed session used to reach the client. It provides
// thread-safe operations for registering, unregistering, and looking up tunnels.
//
// Usage:
//
//	reg := NewRegistry()
//
//	// Register a tunnel
//	err := reg.Register(tunnelInfo)
//
//	// Get tunnel by subdomain
//	tunnel, exists := reg.GetBySubdomain("myapp")
//
//	// Open a data stream for a new public connection
//	stream, err := reg.OpenStream(tunnel, "203.0.113.7:51234")
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/essajiwa/hooklab/pkg/protocol"
)

var (
	ErrSubdomainTaken = errors.New("subdomain is already in use")
	ErrPortTaken      = errors.New("public port is already in use")
	ErrNotFound       = errors.New("tunnel not found")
)

// Registry manages active tunnels and their connections.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*TunnelInfo
	bySubdomain map[string]*TunnelInfo
	byPort      map[int]*TunnelInfo
	byOwner     map[string]map[string]*TunnelInfo // control connection id -> tunnel id -> tunnel
}

// TunnelInfo contains information about an active tunnel.
type TunnelInfo struct {
	ID         string         // Unique tunnel identifier
	ClientID   string         // ID of the authenticated client
	Owner      string         // ID of the control connection that requested it
	Subdomain  string         // Subdomain for HTTP tunnels
	Protocol   string         // http or tcp
	LocalPort  int            // Client-side port traffic is forwarded to
	PublicURL  string         // Public URL for the tunnel
	PublicPort int            // Public port for TCP tunnels
	Mux        *yamux.Session // Session used to open data streams to the client
	Listener   net.Listener   // Public listener of a TCP tunnel
	CreatedAt  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*TunnelInfo),
		bySubdomain: make(map[string]*TunnelInfo),
		byPort:      make(map[int]*TunnelInfo),
		byOwner:     make(map[string]map[string]*TunnelInfo),
	}
}

// Register registers a new tunnel in the registry.
//
// Parameters:
//   - tunnel: The tunnel information to register
//
// Returns:
//   - error: ErrSubdomainTaken or ErrPortTaken if the endpoint is in use
func (r *Registry) Register(tunnel *TunnelInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[tunnel.ID]; exists {
		return fmt.Errorf("tunnel %s is already registered", tunnel.ID)
	}
	if tunnel.Subdomain != "" {
		if _, exists := r.bySubdomain[tunnel.Subdomain]; exists {
			return fmt.Errorf("%w: %s", ErrSubdomainTaken, tunnel.Subdomain)
		}
	}
	if tunnel.PublicPort != 0 {
		if _, exists := r.byPort[tunnel.PublicPort]; exists {
			return fmt.Errorf("%w: %d", ErrPortTaken, tunnel.PublicPort)
		}
	}
	if tunnel.CreatedAt.IsZero() {
		tunnel.CreatedAt = time.Now()
	}

	r.byID[tunnel.ID] = tunnel
	if tunnel.Subdomain != "" {
		r.bySubdomain[tunnel.Subdomain] = tunnel
	}
	if tunnel.PublicPort != 0 {
		r.byPort[tunnel.PublicPort] = tunnel
	}
	owned := r.byOwner[tunnel.Owner]
	if owned == nil {
		owned = make(map[string]*TunnelInfo)
		r.byOwner[tunnel.Owner] = owned
	}
	owned[tunnel.ID] = tunnel

	return nil
}

// Unregister removes a tunnel and closes its public listener, if any. It
// returns the removed tunnel, or false if no tunnel had that id.
func (r *Registry) Unregister(id string) (*TunnelInfo, bool) {
	r.mu.Lock()
	tunnel, exists := r.byID[id]
	if exists {
		delete(r.byID, id)
		if tunnel.Subdomain != "" {
			delete(r.bySubdomain, tunnel.Subdomain)
		}
		if tunnel.PublicPort != 0 {
			delete(r.byPort, tunnel.PublicPort)
		}
		if owned := r.byOwner[tunnel.Owner]; owned != nil {
			delete(owned, id)
			if len(owned) == 0 {
				delete(r.byOwner, tunnel.Owner)
			}
		}
	}
	r.mu.Unlock()

	if exists && tunnel.Listener != nil {
		tunnel.Listener.Close()
	}
	return tunnel, exists
}

func (r *Registry) GetByID(id string) (*TunnelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tunnel, exists := r.byID[id]
	return tunnel, exists
}

// GetBySubdomain retrieves a tunnel by its subdomain.
func (r *Registry) GetBySubdomain(subdomain string) (*TunnelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tunnel, exists := r.bySubdomain[subdomain]
	return tunnel, exists
}

func (r *Registry) GetByPort(port int) (*TunnelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tunnel, exists := r.byPort[port]
	return tunnel, exists
}

// GetByOwner returns the tunnels requested over one control connection.
func (r *Registry) GetByOwner(owner string) []*TunnelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tunnels := make([]*TunnelInfo, 0, len(r.byOwner[owner]))
	for _, t := range r.byOwner[owner] {
		tunnels = append(tunnels, t)
	}
	return tunnels
}

// CountByClient returns the number of tunnels held by a client across all of
// its control connections.
func (r *Registry) CountByClient(clientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.byID {
		if t.ClientID == clientID {
			n++
		}
	}
	return n
}

// List returns every active tunnel, oldest first.
func (r *Registry) List() []*TunnelInfo {
	r.mu.RLock()
	tunnels := make([]*TunnelInfo, 0, len(r.byID))
	for _, t := range r.byID {
		tunnels = append(tunnels, t)
	}
	r.mu.RUnlock()

	sort.Slice(tunnels, func(i, j int) bool {
		return tunnels[i].CreatedAt.Before(tunnels[j].CreatedAt)
	})
	return tunnels
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// OpenStream opens a data stream to the client owning the tunnel and writes
// the stream header announcing a new public connection. The returned
// connection id identifies the stream in logs and stream resets.
func (r *Registry) OpenStream(tunnel *TunnelInfo, remoteAddr string) (net.Conn, string, error) {
	if tunnel.Mux == nil {
		return nil, "", fmt.Errorf("mux session not established for tunnel: %s", tunnel.ID)
	}

	stream, err := tunnel.Mux.Open()
	if err != nil {
		return nil, "", fmt.Errorf("failed to open stream: %w", err)
	}

	connID := uuid.NewString()
	err = protocol.WriteStreamHeader(stream, protocol.StreamHeader{
		TunnelID:   tunnel.ID,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
	})
	if err != nil {
		stream.Close()
		return nil, "", fmt.Errorf("failed to write stream header: %w", err)
	}

	return stream, connID, nil
}
