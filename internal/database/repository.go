package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Repository provides database operations for hooklab broker data.
type Repository struct {
	db *sql.DB // SQLite database connection
}

// NewRepository creates a new Repository instance with the specified database path.
//
// It opens the database, verifies connectivity, and runs migrations if needed.
//
// Parameters:
//   - dbPath: Path to the SQLite database file
//
// Returns:
//   - *Repository: Repository instance
//   - error: Error if database cannot be opened or migrated
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=off")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection keeps busy errors away.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		max_tunnels INTEGER DEFAULT 5,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		status TEXT DEFAULT 'active'
	);

	CREATE TABLE IF NOT EXISTS tunnels (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		subdomain TEXT,
		protocol TEXT NOT NULL,
		local_port INTEGER NOT NULL,
		public_port INTEGER,
		public_url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		closed_at TIMESTAMP,
		status TEXT DEFAULT 'active',
		close_reason TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_subdomain ON tunnels(subdomain) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_tunnels_client_id ON tunnels(client_id);
	CREATE INDEX IF NOT EXISTS idx_tunnels_status ON tunnels(status);

	CREATE TABLE IF NOT EXISTS connection_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_id TEXT NOT NULL,
		conn_id TEXT,
		client_ip TEXT,
		request_method TEXT,
		request_path TEXT,
		response_status INTEGER,
		bytes_sent INTEGER,
		bytes_received INTEGER,
		duration_ms INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_connection_logs_tunnel_id ON connection_logs(tunnel_id);
	CREATE INDEX IF NOT EXISTS idx_connection_logs_created_at ON connection_logs(created_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// GetClientByID retrieves an active client by its identifier.
//
// Parameters:
//   - id: The client identifier, the part of a token before the dot
//
// Returns:
//   - *Client: The client if found and active
//   - error: Database error if any
//   - nil, nil: If the client is unknown or disabled (not an error)
func (r *Repository) GetClientByID(id string) (*Client, error) {
	var client Client
	err := r.db.QueryRow(`
		SELECT id, name, token_hash, max_tunnels, created_at, updated_at, status
		FROM clients WHERE id = ? AND status = 'active'
	`, id).Scan(
		&client.ID, &client.Name, &client.TokenHash, &client.MaxTunnels,
		&client.CreatedAt, &client.UpdatedAt, &client.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

// CreateClient creates a new client in the database.
func (r *Repository) CreateClient(client *Client) error {
	if client.Status == "" {
		client.Status = StatusActive
	}
	_, err := r.db.Exec(`
		INSERT INTO clients (id, name, token_hash, max_tunnels, status)
		VALUES (?, ?, ?, ?, ?)
	`, client.ID, client.Name, client.TokenHash, client.MaxTunnels, client.Status)
	return err
}

func (r *Repository) CreateTunnel(tunnel *Tunnel) error {
	if tunnel.Status == "" {
		tunnel.Status = StatusActive
	}
	_, err := r.db.Exec(`
		INSERT INTO tunnels (id, client_id, subdomain, protocol, local_port, public_port, public_url, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tunnel.ID, tunnel.ClientID, nullString(tunnel.Subdomain), tunnel.Protocol, tunnel.LocalPort,
		tunnel.PublicPort, tunnel.PublicURL, tunnel.Status)
	return err
}

const tunnelColumns = `id, client_id, subdomain, protocol, local_port, public_port, public_url,
	created_at, closed_at, status, close_reason`

func (r *Repository) GetTunnel(id string) (*Tunnel, error) {
	row := r.db.QueryRow(`SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	tunnel, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tunnel, err
}

func (r *Repository) GetTunnelBySubdomain(subdomain string) (*Tunnel, error) {
	row := r.db.QueryRow(`SELECT `+tunnelColumns+` FROM tunnels WHERE subdomain = ? AND status = 'active'`, subdomain)
	tunnel, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tunnel, err
}

// CloseTunnel marks a tunnel closed. Closing an already closed tunnel is a no-op.
func (r *Repository) CloseTunnel(tunnelID, reason string) error {
	_, err := r.db.Exec(`
		UPDATE tunnels SET status = 'closed', closed_at = ?, close_reason = ?
		WHERE id = ? AND status = 'active'
	`, time.Now(), reason, tunnelID)
	return err
}

// CloseStaleTunnels closes every tunnel still marked active. The broker calls
// it at startup since no tunnel survives a restart.
func (r *Repository) CloseStaleTunnels() (int64, error) {
	res, err := r.db.Exec(`
		UPDATE tunnels SET status = 'closed', closed_at = ?, close_reason = 'broker restart'
		WHERE status = 'active'
	`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) GetActiveTunnelsByClient(clientID string) ([]*Tunnel, error) {
	rows, err := r.db.Query(`SELECT `+tunnelColumns+` FROM tunnels WHERE client_id = ? AND status = 'active'`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tunnels []*Tunnel
	for rows.Next() {
		tunnel, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, tunnel)
	}
	return tunnels, rows.Err()
}

// LogConnection records one relayed public connection.
func (r *Repository) LogConnection(entry *ConnectionLog) error {
	res, err := r.db.Exec(`
		INSERT INTO connection_logs (tunnel_id, conn_id, client_ip, request_method, request_path,
			response_status, bytes_sent, bytes_received, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.TunnelID, entry.ConnID, entry.ClientIP, nullString(entry.RequestMethod), nullString(entry.RequestPath),
		entry.ResponseStatus, entry.BytesSent, entry.BytesReceived, entry.DurationMs)
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// GetConnectionLogs returns the most recent connection logs of a tunnel, newest first.
func (r *Repository) GetConnectionLogs(tunnelID string, limit int) ([]*ConnectionLog, error) {
	rows, err := r.db.Query(`
		SELECT id, tunnel_id, conn_id, client_ip, request_method, request_path, response_status,
			bytes_sent, bytes_received, duration_ms, created_at
		FROM connection_logs WHERE tunnel_id = ? ORDER BY id DESC LIMIT ?
	`, tunnelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ConnectionLog
	for rows.Next() {
		var entry ConnectionLog
		var connID, clientIP, method, path sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.TunnelID, &connID, &clientIP, &method, &path, &entry.ResponseStatus,
			&entry.BytesSent, &entry.BytesReceived, &entry.DurationMs, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.ConnID = connID.String
		entry.ClientIP = clientIP.String
		entry.RequestMethod = method.String
		entry.RequestPath = path.String
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row scanner) (*Tunnel, error) {
	var tunnel Tunnel
	var subdomain, publicURL, closeReason sql.NullString
	var publicPort sql.NullInt64
	var closedAt sql.NullTime
	if err := row.Scan(
		&tunnel.ID, &tunnel.ClientID, &subdomain, &tunnel.Protocol,
		&tunnel.LocalPort, &publicPort, &publicURL,
		&tunnel.CreatedAt, &closedAt, &tunnel.Status, &closeReason,
	); err != nil {
		return nil, err
	}
	tunnel.Subdomain = subdomain.String
	tunnel.PublicURL = publicURL.String
	tunnel.PublicPort = int(publicPort.Int64)
	tunnel.CloseReason = closeReason.String
	if closedAt.Valid {
		tunnel.ClosedAt = &closedAt.Time
	}
	return &tunnel, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
