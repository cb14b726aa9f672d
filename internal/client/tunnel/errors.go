package tunnel

import (
	"errors"
	"fmt"

	"github.com/essajiwa/hooklab/internal/client/forward"
)

var (
	// ErrChannelClosed is returned for work attempted on, or interrupted by,
	// a control channel that is no longer connected.
	ErrChannelClosed = errors.New("control channel closed")
	// ErrHeartbeatTimeout is the loss reason when the broker stops
	// acknowledging heartbeats.
	ErrHeartbeatTimeout = errors.New("broker stopped acknowledging heartbeats")
	// ErrTunnelRevoked is the close reason of a session the broker tore down.
	ErrTunnelRevoked = errors.New("tunnel revoked by broker")
)

// ConnectionError means the broker could not be reached or the handshake did
// not finish in time. Err is the last failure observed.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to broker %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the broker rejected the credentials. It is never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "broker rejected credentials"
	}
	return "broker rejected credentials: " + e.Message
}

// SessionError means a tunnel could not be opened: the port is invalid, the
// channel is not connected, or the broker refused the request.
type SessionError struct {
	Port   int
	Code   string
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("tunnel for local port %d: %s", e.Port, e.Reason)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }

// ConnectRefusedError reports a relayed connection the local service refused.
type ConnectRefusedError = forward.ConnectRefusedError
