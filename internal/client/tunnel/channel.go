// Package tunnel implements the client side of a hooklab broker connection:
// the control channel and the tunnel sessions multiplexed over it.
//
// A Channel is one authenticated websocket connection to a broker carrying a
// yamux session. The first stream is the control stream; every stream the
// broker opens afterwards is one relayed public connection for a Session.
//
// Usage:
//
//	ch, err := tunnel.Connect(ctx, "wss://broker.example-broker.io", tunnel.Options{Token: token})
//	if err != nil {
//	    return err
//	}
//	defer ch.Disconnect()
//
//	s, err := tunnel.Open(ctx, ch, 3000, tunnel.SessionOptions{})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(s.PublicURL())
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/internal/transport"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// State is the connection state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	writeTimeout        = 10 * time.Second
	streamHeaderTimeout = 10 * time.Second
)

// Channel is the single control connection to a broker. It is shared by all
// sessions opened on it and closes all of them when it is lost.
type Channel struct {
	addr string
	opts Options
	log  *slog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64
	clientID     string

	mux  *yamux.Session
	ctrl net.Conn
	dec  *json.Decoder

	sendMu sync.Mutex
	enc    *json.Encoder

	mu       sync.Mutex
	pending  map[string]*call
	sessions map[string]*Session
	// opening counts tunnel requests awaiting an answer.
	opening int
	// changed is closed and replaced whenever sessions or opening change.
	changed chan struct{}

	// heartbeatID is the request id of the unacknowledged heartbeat, if any.
	heartbeatID atomic.Value

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Connect dials the broker at addr (a ws:// or wss:// URL), authenticates and
// starts the channel's read, accept and keepalive loops.
//
// Transient failures are retried following opts.Backoff. The whole handshake,
// retries included, is bounded by opts.HandshakeTimeout. Rejected credentials
// fail immediately with *AuthError; anything else that exhausts the retries or
// the timeout fails with *ConnectionError.
func Connect(ctx context.Context, addr string, opts Options) (*Channel, error) {
	opts = opts.withDefaults()

	c := &Channel{
		addr:     addr,
		opts:     opts,
		log:      opts.Logger.With("broker", addr),
		pending:  map[string]*call{},
		sessions: map[string]*Session{},
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.heartbeatID.Store("")
	c.setState(Connecting)

	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	var (
		attempts int
		lastErr  error
	)
	err := wait.ExponentialBackoffWithContext(ctx, opts.Backoff, func(ctx context.Context) (bool, error) {
		attempts++
		err := c.dial(ctx)
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues("ok").Inc()
			return true, nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			metrics.ConnectAttempts.WithLabelValues("unauthorized").Inc()
			return false, err
		}

		metrics.ConnectAttempts.WithLabelValues("error").Inc()
		lastErr = err
		c.log.Debug("Error while attempting to connect", "attempt", attempts, "error", err)
		return false, nil
	})
	if err != nil {
		c.setState(Disconnected)

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}

		// backoff exhausted or deadline exceeded: report the last dial failure
		if lastErr == nil || !(wait.Interrupted(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			lastErr = err
		}
		return nil, &ConnectionError{Addr: addr, Attempts: attempts, Err: lastErr}
	}

	c.touch()
	c.setState(Connected)
	c.log.Info("Connected to broker", "client_id", c.clientID, "attempts", attempts)

	c.wg.Add(3)
	go c.readLoop()
	go c.acceptLoop()
	go c.keepalive()

	return c, nil
}

// dial performs one connection attempt: websocket, yamux, control stream, auth.
func (c *Channel) dial(ctx context.Context) (err error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.addr, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Message: resp.Status}
		}
		return fmt.Errorf("dialing broker: %w", err)
	}

	mux, err := yamux.Client(transport.NewConn(ws), transport.MuxConfig())
	if err != nil {
		ws.Close()
		return fmt.Errorf("creating yamux session: %w", err)
	}
	defer func() {
		if err != nil {
			mux.Close()
		}
	}()

	// unblock the handshake read when the attempt is abandoned
	stop := context.AfterFunc(ctx, func() { mux.Close() })
	defer stop()

	ctrl, err := mux.OpenStream()
	if err != nil {
		return fmt.Errorf("opening control stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ctrl.SetDeadline(deadline)
	}

	enc := json.NewEncoder(ctrl)
	dec := json.NewDecoder(ctrl)

	auth, err := protocol.NewControlMessage(protocol.MsgTypeAuth, uuid.New().String(), protocol.AuthRequest{
		Token: c.opts.Token,
	})
	if err != nil {
		return err
	}
	if err := enc.Encode(auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var msg protocol.ControlMessage
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	switch msg.Type {
	case protocol.MsgTypeAuthResponse:
		var authResp protocol.AuthResponse
		if err := msg.DecodePayload(&authResp); err != nil {
			return err
		}
		if !authResp.Success {
			return &AuthError{Message: authResp.Message}
		}
		c.clientID = authResp.ClientID
	case protocol.MsgTypeError:
		var payload protocol.ErrorPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return err
		}
		if payload.Code == protocol.CodeAuthFailed {
			return &AuthError{Message: payload.Message}
		}
		return fmt.Errorf("broker refused connection: %w", payload)
	default:
		return fmt.Errorf("unexpected %s message during handshake", msg.Type)
	}

	_ = ctrl.SetDeadline(time.Time{})

	if !stop() {
		return fmt.Errorf("handshake abandoned: %w", ctx.Err())
	}

	c.mux = mux
	c.ctrl = ctrl
	c.enc = enc
	c.dec = dec
	return nil
}

// Addr is the broker URL the channel was connected to.
func (c *Channel) Addr() string { return c.addr }

// ClientID is the identifier the broker assigned on authentication.
func (c *Channel) ClientID() string { return c.clientID }

func (c *Channel) State() State { return State(c.state.Load()) }

// LastActivity is the time the last message was received from the broker.
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed once the channel is disconnected.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel was lost, or nil when it was disconnected on
// request or is still connected.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Sessions returns the sessions currently attached to the channel.
func (c *Channel) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Disconnect closes every session, telling the broker where possible, then
// closes the connection. It is idempotent.
func (c *Channel) Disconnect() error {
	for _, s := range c.Sessions() {
		_ = s.Close()
	}

	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
	metrics.ChannelState.Set(float64(s))
}

func (c *Channel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// shutdown moves the channel to Disconnected, closing every session and
// failing every pending request. reason is nil for a requested disconnect.
func (c *Channel) shutdown(reason error) {
	c.stopOnce.Do(func() {
		if reason != nil {
			c.log.Warn("Control channel lost", "error", reason)
		} else {
			c.log.Info("Disconnecting from broker")
		}

		c.err = reason
		c.setState(Disconnected)

		c.mu.Lock()
		sessions := c.sessions
		c.sessions = map[string]*Session{}
		for id, pc := range c.pending {
			close(pc.resp)
			delete(c.pending, id)
		}
		c.opening = 0
		c.notifyLocked()
		c.mu.Unlock()

		sessionErr := ErrChannelClosed
		if reason != nil {
			sessionErr = fmt.Errorf("%w: %w", ErrChannelClosed, reason)
		}
		for _, s := range sessions {
			s.closeLocal(sessionErr)
		}

		if c.mux != nil {
			_ = c.mux.Close()
		}
		close(c.done)
	})
}

// send writes msg on the control stream. Writers are serialised.
func (c *Channel) send(msg *protocol.ControlMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.State() != Connected {
		return ErrChannelClosed
	}

	_ = c.ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	return nil
}

// call is a request waiting for the broker message with its request id.
type call struct {
	resp chan *protocol.ControlMessage
	// session is set for tunnel requests and attached when the tunnel is granted.
	session *Session
}

// request sends msg and waits for the broker message carrying the same
// request id.
func (c *Channel) request(ctx context.Context, msg *protocol.ControlMessage) (*protocol.ControlMessage, error) {
	return c.roundTrip(ctx, msg, nil)
}

// openTunnel sends a tunnel request for s. If the broker grants it, s is
// attached under its tunnel id before the response is returned, so streams
// the broker opens right after granting find it.
func (c *Channel) openTunnel(ctx context.Context, msg *protocol.ControlMessage, s *Session) (*protocol.ControlMessage, error) {
	return c.roundTrip(ctx, msg, s)
}

func (c *Channel) roundTrip(ctx context.Context, msg *protocol.ControlMessage, s *Session) (*protocol.ControlMessage, error) {
	pc := &call{resp: make(chan *protocol.ControlMessage, 1), session: s}

	c.mu.Lock()
	if c.State() != Connected {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[msg.RequestID] = pc
	if s != nil {
		c.opening++
	}
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.forget(msg.RequestID)
		return nil, err
	}

	select {
	case resp, ok := <-pc.resp:
		return c.answer(resp, ok)
	case <-ctx.Done():
		if c.forget(msg.RequestID) {
			return nil, ctx.Err()
		}
		// answered while timing out
		resp, ok := <-pc.resp
		return c.answer(resp, ok)
	}
}

func (c *Channel) answer(resp *protocol.ControlMessage, ok bool) (*protocol.ControlMessage, error) {
	if !ok {
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return nil, ErrChannelClosed
	}
	return resp, nil
}

// forget abandons a request. It reports false when the request was already
// answered or failed.
func (c *Channel) forget(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.takeLocked(requestID)
	return ok
}

func (c *Channel) takeLocked(requestID string) (*call, bool) {
	pc, ok := c.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(c.pending, requestID)
	if pc.session != nil {
		c.opening--
		c.notifyLocked()
	}
	return pc, true
}

func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		var msg protocol.ControlMessage
		if err := c.dec.Decode(&msg); err != nil {
			c.shutdown(fmt.Errorf("reading control stream: %w", err))
			return
		}

		c.touch()
		c.dispatch(&msg)
	}
}

func (c *Channel) dispatch(msg *protocol.ControlMessage) {
	switch msg.Type {
	case protocol.MsgTypeHeartbeatAck:
		// acks for earlier heartbeats do not count
		c.heartbeatID.CompareAndSwap(msg.RequestID, "")
		return
	case protocol.MsgTypeTunnelClosed:
		var notice protocol.TunnelClosed
		if err := msg.DecodePayload(&notice); err != nil {
			c.log.Warn("Invalid tunnel_closed message", "error", err)
			return
		}
		if s := c.session(notice.TunnelID); s != nil {
			s.log.Warn("Tunnel revoked by broker", "reason", notice.Reason)
			s.closeLocal(fmt.Errorf("%w: %s", ErrTunnelRevoked, notice.Reason))
		}
		return
	}

	c.mu.Lock()
	pc, ok := c.takeLocked(msg.RequestID)
	if ok && pc.session != nil && msg.Type == protocol.MsgTypeTunnelResp {
		c.grantLocked(pc.session, msg)
	}
	c.mu.Unlock()

	if !ok {
		if msg.Type == protocol.MsgTypeTunnelResp {
			c.release(msg)
			return
		}
		c.log.Debug("Dropping unsolicited message", "type", msg.Type, "request_id", msg.RequestID)
		return
	}
	pc.resp <- msg
}

// grantLocked attaches s under the tunnel id the broker assigned. Invalid
// grants leave s detached for Open to reject.
func (c *Channel) grantLocked(s *Session, msg *protocol.ControlMessage) {
	tr, err := decodeGrant(msg)
	if err != nil {
		return
	}

	s.id = tr.TunnelID
	s.publicURL = tr.PublicURL
	s.publicPort = tr.PublicPort
	s.log = s.log.With("tunnel_id", s.id)
	s.fwd.Logger = s.log

	c.sessions[s.id] = s
	c.notifyLocked()
}

// release tells the broker to drop a tunnel granted after its request was
// abandoned.
func (c *Channel) release(msg *protocol.ControlMessage) {
	tr, err := decodeGrant(msg)
	if err != nil {
		c.log.Debug("Dropping unsolicited tunnel response", "request_id", msg.RequestID, "error", err)
		return
	}

	c.log.Info("Releasing tunnel granted after its request was abandoned", "tunnel_id", tr.TunnelID)
	closeMsg, err := protocol.NewControlMessage(protocol.MsgTypeTunnelClose, uuid.New().String(), protocol.TunnelClose{
		TunnelID: tr.TunnelID,
	})
	if err == nil {
		err = c.send(closeMsg)
	}
	if err != nil {
		c.log.Warn("Releasing abandoned tunnel", "tunnel_id", tr.TunnelID, "error", err)
	}
}

// acceptLoop receives the streams the broker opens for inbound public
// connections and routes each to its session.
func (c *Channel) acceptLoop() {
	defer c.wg.Done()

	for {
		stream, err := c.mux.AcceptStream()
		if err != nil {
			c.shutdown(fmt.Errorf("accepting streams: %w", err))
			return
		}

		go c.handleStream(stream)
	}
}

func (c *Channel) handleStream(stream net.Conn) {
	_ = stream.SetReadDeadline(time.Now().Add(streamHeaderTimeout))
	header, err := protocol.ReadStreamHeader(stream)
	if err != nil {
		c.log.Warn("Dropping stream", "error", err)
		stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	s := c.awaitSession(header.TunnelID, streamHeaderTimeout)
	if s == nil {
		c.log.Debug("Dropping stream for unknown tunnel", "tunnel_id", header.TunnelID, "conn_id", header.ConnID)
		stream.Close()
		return
	}

	s.serve(stream, header)
}

func (c *Channel) session(tunnelID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[tunnelID]
}

// awaitSession looks up the session for tunnelID. While tunnel requests are
// in flight the grant may still be unread on the control stream, so it waits
// for them to settle, up to timeout.
func (c *Channel) awaitSession(tunnelID string, timeout time.Duration) *Session {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		s, opening, changed := c.sessions[tunnelID], c.opening, c.changed
		c.mu.Unlock()

		if s != nil || opening == 0 {
			return s
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-c.done:
			return nil
		}
	}
}

func (c *Channel) detach(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
}
