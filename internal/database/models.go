// Package database provides data models and database operations for the hooklab broker.
//
// This package defines the database schema and models for clients, tunnels,
// and connection logs. It uses SQLite as the storage backend.
//
// Models:
//   - Client: A client allowed to open tunnels, identified by its token
//   - Tunnel: A tunnel assigned to a client, active or closed
//   - ConnectionLog: One public connection relayed through a tunnel
//
// Usage:
//
//	repo, err := NewRepository("hooklab.db")
//	if err != nil {
//	    return err
//	}
//
//	client, err := repo.GetClientByID(clientID)
package database

import (
	"time"
)

// Tunnel statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Client represents a client that can create tunnels.
type Client struct {
	ID         string    `db:"id"`          // Unique client identifier, the token prefix
	Name       string    `db:"name"`        // Human-readable client name
	TokenHash  string    `db:"token_hash"`  // bcrypt hash of the token secret
	MaxTunnels int       `db:"max_tunnels"` // Maximum tunnels allowed
	CreatedAt  time.Time `db:"created_at"`  // Creation timestamp
	UpdatedAt  time.Time `db:"updated_at"`  // Last update timestamp
	Status     string    `db:"status"`      // Client status (active, disabled)
}

// Tunnel represents a tunnel created by a client.
type Tunnel struct {
	ID          string     `db:"id"`           // Unique tunnel identifier
	ClientID    string     `db:"client_id"`    // ID of the owning client
	Subdomain   string     `db:"subdomain"`    // Subdomain for HTTP tunnels
	Protocol    string     `db:"protocol"`     // http or tcp
	LocalPort   int        `db:"local_port"`   // Client-side port traffic is forwarded to
	PublicPort  int        `db:"public_port"`  // Broker port for TCP tunnels
	PublicURL   string     `db:"public_url"`   // Public URL for accessing the tunnel
	CreatedAt   time.Time  `db:"created_at"`   // Creation timestamp
	ClosedAt    *time.Time `db:"closed_at"`    // Timestamp of tunnel closure
	Status      string     `db:"status"`       // active or closed
	CloseReason string     `db:"close_reason"` // Why the tunnel was closed
}

// ConnectionLog represents one public connection relayed through a tunnel.
type ConnectionLog struct {
	ID             int64     `db:"id"`              // Unique log entry identifier
	TunnelID       string    `db:"tunnel_id"`       // ID of the tunnel
	ConnID         string    `db:"conn_id"`         // Stream connection identifier
	ClientIP       string    `db:"client_ip"`       // Public peer address
	RequestMethod  string    `db:"request_method"`  // HTTP method, empty for TCP
	RequestPath    string    `db:"request_path"`    // Request path, empty for TCP
	ResponseStatus int       `db:"response_status"` // HTTP status code, zero for TCP
	BytesSent      int64     `db:"bytes_sent"`      // Bytes sent to the public peer
	BytesReceived  int64     `db:"bytes_received"`  // Bytes received from the public peer
	DurationMs     int64     `db:"duration_ms"`     // Connection duration in milliseconds
	CreatedAt      time.Time `db:"created_at"`      // Timestamp of the connection
}
