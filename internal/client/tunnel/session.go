package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/essajiwa/hooklab/internal/client/forward"
	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// SessionState is the lifecycle state of a Session. Closed is terminal.
type SessionState int32

const (
	Pending SessionState = iota
	Active
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// SessionOptions configures a tunnel request.
type SessionOptions struct {
	// Subdomain asks the broker for a specific public name. Empty lets the
	// broker choose.
	Subdomain string
	// Protocol is protocol.ProtocolHTTP (default) or protocol.ProtocolTCP.
	Protocol string
	// LocalHost is the host relayed connections are dialed on. Defaults to localhost.
	LocalHost   string
	DialTimeout time.Duration
}

// Session is one forwarding mapping from a public endpoint to a local port.
type Session struct {
	ch  *Channel
	log *slog.Logger
	fwd *forward.Forwarder

	id         string
	localPort  int
	protocol   string
	publicURL  string
	publicPort int
	createdAt  time.Time

	state atomic.Int32

	// ctx scopes the forwarding tasks of this session only
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Open requests a tunnel for localPort over ch and blocks until the broker
// assigns a public endpoint, the broker refuses, or the handshake timeout
// elapses. Every failure is a *SessionError; an invalid port or a channel that
// is not connected fails without contacting the broker.
func Open(ctx context.Context, ch *Channel, localPort int, opts SessionOptions) (*Session, error) {
	if localPort < MinPort || localPort > MaxPort {
		return nil, &SessionError{Port: localPort, Reason: fmt.Sprintf("local port out of range %d-%d", MinPort, MaxPort)}
	}
	if ch == nil || ch.State() != Connected {
		return nil, &SessionError{Port: localPort, Reason: "control channel not connected", Err: ErrChannelClosed}
	}

	proto := opts.Protocol
	if proto == "" {
		proto = protocol.ProtocolHTTP
	}
	if proto != protocol.ProtocolHTTP && proto != protocol.ProtocolTCP {
		return nil, &SessionError{Port: localPort, Reason: fmt.Sprintf("unsupported protocol %q", proto)}
	}

	msg, err := protocol.NewControlMessage(protocol.MsgTypeTunnelReq, uuid.New().String(), protocol.TunnelRequest{
		Subdomain: opts.Subdomain,
		Protocol:  proto,
		LocalPort: localPort,
	})
	if err != nil {
		return nil, &SessionError{Port: localPort, Reason: "building tunnel request", Err: err}
	}

	s := newSession(ch, localPort, proto, opts)

	reqCtx, cancel := context.WithTimeout(ctx, ch.opts.HandshakeTimeout)
	defer cancel()

	resp, err := ch.openTunnel(reqCtx, msg, s)
	if err != nil {
		s.closeLocal(err)
		return nil, &SessionError{Port: localPort, Reason: "tunnel request failed", Err: err}
	}

	switch resp.Type {
	case protocol.MsgTypeError:
		s.closeLocal(nil)
		var payload protocol.ErrorPayload
		if err := resp.DecodePayload(&payload); err != nil {
			return nil, &SessionError{Port: localPort, Reason: "invalid broker error", Err: err}
		}
		return nil, &SessionError{Port: localPort, Code: payload.Code, Reason: payload.Message}
	case protocol.MsgTypeTunnelResp:
	default:
		s.closeLocal(nil)
		return nil, &SessionError{Port: localPort, Reason: fmt.Sprintf("unexpected %s response", resp.Type)}
	}

	if _, err := decodeGrant(resp); err != nil {
		s.closeLocal(nil)
		return nil, &SessionError{Port: localPort, Reason: "invalid tunnel response", Err: err}
	}

	// the channel may have been lost since the grant attached s
	if !s.state.CompareAndSwap(int32(Pending), int32(Active)) {
		return nil, &SessionError{Port: localPort, Reason: "control channel lost before tunnel became active", Err: s.Err()}
	}
	metrics.ActiveSessions.Inc()
	s.log.Info("Tunnel active", "public_url", s.publicURL, "public_port", s.publicPort)

	return s, nil
}

var errNoEndpoint = errors.New("broker assigned no endpoint")

// decodeGrant reads a tunnel_response and checks that it names a tunnel and
// an endpoint.
func decodeGrant(msg *protocol.ControlMessage) (protocol.TunnelResponse, error) {
	var tr protocol.TunnelResponse
	if err := msg.DecodePayload(&tr); err != nil {
		return tr, err
	}
	if tr.TunnelID == "" || (tr.PublicURL == "" && tr.PublicPort == 0) {
		return tr, errNoEndpoint
	}
	return tr, nil
}

func newSession(ch *Channel, localPort int, proto string, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	log := ch.log.With("local_port", localPort)

	s := &Session{
		ch:        ch,
		log:       log,
		localPort: localPort,
		protocol:  proto,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		fwd: &forward.Forwarder{
			Host:        opts.LocalHost,
			Port:        localPort,
			DialTimeout: opts.DialTimeout,
			Logger:      log,
		},
	}
	s.state.Store(int32(Pending))
	return s
}

// ID is the broker-assigned tunnel identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) LocalPort() int { return s.localPort }

func (s *Session) Protocol() string { return s.protocol }

// PublicURL is the endpoint assigned by the broker.
func (s *Session) PublicURL() string { return s.publicURL }

// PublicPort is the broker port assigned to TCP tunnels, zero otherwise.
func (s *Session) PublicPort() int { return s.publicPort }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed: nil after Close, an error wrapping
// ErrChannelClosed or ErrTunnelRevoked otherwise.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears the tunnel down. The local side is always released: forwarding
// tasks of this session are cancelled and the session leaves its channel. The
// broker is then asked to drop the tunnel; when it cannot be reached a warning
// is logged. Close is idempotent and always returns nil.
func (s *Session) Close() error {
	if !s.closeLocal(nil) {
		return nil
	}

	if s.ch.State() != Connected {
		s.log.Warn("Broker unreachable, tunnel closed locally only")
		return nil
	}

	msg, err := protocol.NewControlMessage(protocol.MsgTypeTunnelClose, uuid.New().String(), protocol.TunnelClose{
		TunnelID: s.id,
	})
	if err != nil {
		s.log.Warn("Building tunnel_close", "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.ch.opts.CloseTimeout)
	defer cancel()

	resp, err := s.ch.request(ctx, msg)
	switch {
	case err != nil:
		s.log.Warn("Broker did not acknowledge tunnel close, tunnel closed locally only", "error", err)
	case resp.Type == protocol.MsgTypeError:
		var payload protocol.ErrorPayload
		_ = resp.DecodePayload(&payload)
		s.log.Warn("Broker rejected tunnel close", "code", payload.Code, "message", payload.Message)
	default:
		s.log.Info("Tunnel closed")
	}
	return nil
}

// closeLocal moves the session to Closed and releases its local resources.
// It reports whether this call performed the transition.
func (s *Session) closeLocal(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		if SessionState(s.state.Swap(int32(Closed))) == Active {
			metrics.ActiveSessions.Dec()
		}
		s.err = reason
		s.cancel()
		s.ch.detach(s)
		close(s.done)
	})
	return closed
}

// serve relays one broker stream to the local service. A refused local dial
// is reported to the broker as a stream reset; the session stays active.
func (s *Session) serve(stream net.Conn, h protocol.StreamHeader) {
	defer stream.Close()

	log := s.log.With("conn_id", h.ConnID, "remote_addr", h.RemoteAddr)
	if s.ctx.Err() != nil {
		return
	}

	err := s.fwd.Forward(s.ctx, stream)

	var refused *ConnectRefusedError
	switch {
	case errors.As(err, &refused):
		log.Warn("Local service refused connection", "error", err)
		s.reset(h, protocol.CodeConnectRefused, err.Error())
	case err != nil:
		log.Warn("Relaying connection", "error", err)
	default:
		log.Debug("Connection relayed")
	}
}

func (s *Session) reset(h protocol.StreamHeader, code, message string) {
	msg, err := protocol.NewControlMessage(protocol.MsgTypeStreamReset, uuid.New().String(), protocol.StreamReset{
		TunnelID: s.id,
		ConnID:   h.ConnID,
		Code:     code,
		Message:  message,
	})
	if err != nil {
		return
	}
	if err := s.ch.send(msg); err != nil {
		s.log.Debug("Sending stream reset", "error", err)
	}
}
