// Package protocol defines the communication protocol between the hooklab client and a broker.
//
// A client opens one websocket connection to the broker and runs a yamux session over it.
// The first stream opened by the client is the control stream: it carries JSON control
// messages, one per line. Every other stream is opened by the broker and carries exactly one
// relayed public connection, prefixed with a StreamHeader.
//
// Message Types:
//   - auth / auth_response: client authentication
//   - tunnel_request / tunnel_response: create a tunnel for a local port
//   - tunnel_close / tunnel_close_ack: client-initiated teardown
//   - tunnel_closed: broker-initiated revocation
//   - heartbeat / heartbeat_ack: keep-alive
//   - stream_reset: the client could not reach its local service for a relayed connection
//   - error: request failure
//
// Usage:
//
//	msg, err := NewControlMessage(MsgTypeTunnelReq, uuid.New().String(), TunnelRequest{
//	    LocalPort: 3000,
//	    Protocol:  ProtocolHTTP,
//	})
//	if err != nil {
//	    return err
//	}
//	enc.Encode(msg)
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of a protocol message.
type MessageType string

const (
	// MsgTypeAuth is the message type for client authentication.
	MsgTypeAuth MessageType = "auth"
	// MsgTypeAuthResponse is the message type for broker authentication response.
	MsgTypeAuthResponse MessageType = "auth_response"
	// MsgTypeTunnelReq is the message type for tunnel creation request.
	MsgTypeTunnelReq MessageType = "tunnel_request"
	// MsgTypeTunnelResp is the message type for tunnel creation response.
	MsgTypeTunnelResp MessageType = "tunnel_response"
	// MsgTypeTunnelClose asks the broker to tear a tunnel down.
	MsgTypeTunnelClose MessageType = "tunnel_close"
	// MsgTypeTunnelCloseAck acknowledges MsgTypeTunnelClose.
	MsgTypeTunnelCloseAck MessageType = "tunnel_close_ack"
	// MsgTypeTunnelClosed notifies the client that the broker revoked a tunnel.
	MsgTypeTunnelClosed MessageType = "tunnel_closed"
	// MsgTypeHeartbeat is the message type for keep-alive messages.
	MsgTypeHeartbeat    MessageType = "heartbeat"
	MsgTypeHeartbeatAck MessageType = "heartbeat_ack"
	MsgTypeStreamReset  MessageType = "stream_reset"
	MsgTypeError        MessageType = "error"
)

// Tunnel protocols understood by the broker.
const (
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
)

// Error codes carried in ErrorPayload.Code and StreamReset.Code.
const (
	CodeAuthFailed           = "AUTH_FAILED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeSubdomainTaken       = "SUBDOMAIN_TAKEN"
	CodePortAllocationFailed = "PORT_ALLOCATION_FAILED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeTunnelLimit          = "TUNNEL_LIMIT"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeConnectRefused       = "CONNECT_REFUSED"
)

// ControlMessage represents a protocol message sent between broker and client.
type ControlMessage struct {
	Type      MessageType     `json:"type"`              // Message type (auth, tunnel_request, etc.)
	RequestID string          `json:"request_id"`        // Correlates a response with its request
	Payload   json.RawMessage `json:"payload,omitempty"` // Message payload data
	Timestamp int64           `json:"timestamp"`         // Unix timestamp
}

// TunnelRequest contains tunnel configuration parameters.
type TunnelRequest struct {
	Subdomain string `json:"subdomain,omitempty"` // Desired subdomain, assigned by the broker when empty
	Protocol  string `json:"protocol"`            // ProtocolHTTP or ProtocolTCP
	LocalPort int    `json:"local_port"`          // Local port traffic is forwarded to
}

type TunnelResponse struct {
	TunnelID   string `json:"tunnel_id"`  // Unique tunnel identifier
	PublicURL  string `json:"public_url"` // Public URL for accessing the tunnel
	PublicPort int    `json:"public_port,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

type TunnelClose struct {
	TunnelID string `json:"tunnel_id"`
}

type TunnelClosed struct {
	TunnelID string `json:"tunnel_id"`
	Reason   string `json:"reason,omitempty"`
}

type AuthRequest struct {
	Token string `json:"token"` // Authentication token
}

type AuthResponse struct {
	Success  bool   `json:"success"`             // Whether authentication succeeded
	ClientID string `json:"client_id,omitempty"` // Client identifier
	Message  string `json:"message,omitempty"`   // Response message
}

type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// StreamReset reports that a relayed connection could not be delivered locally.
type StreamReset struct {
	TunnelID string `json:"tunnel_id"`
	ConnID   string `json:"conn_id"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`    // Error code
	Message string `json:"message"` // Error message
}

func (e ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewControlMessage creates a new ControlMessage with the specified parameters.
//
// Parameters:
//   - msgType: The type of message (e.g., MsgTypeAuth, MsgTypeTunnelReq)
//   - requestID: Unique identifier for this request
//   - payload: Message payload, encoded as JSON; nil leaves the payload empty
//
// Returns:
//   - *ControlMessage: A new protocol message with current timestamp
//   - error: Error if the payload cannot be encoded
func NewControlMessage(msgType MessageType, requestID string, payload any) (*ControlMessage, error) {
	msg := &ControlMessage{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewErrorMessage creates an error message with the specified error code and message.
func NewErrorMessage(requestID, code, message string) *ControlMessage {
	// ErrorPayload always encodes.
	msg, _ := NewControlMessage(MsgTypeError, requestID, ErrorPayload{
		Code:    code,
		Message: message,
	})
	return msg
}

// DecodePayload decodes the message payload into v.
func (m *ControlMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
