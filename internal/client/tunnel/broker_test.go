package tunnel

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/essajiwa/hooklab/internal/logging"
	"github.com/essajiwa/hooklab/internal/transport"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

const testToken = "client-1.secret"

// fakeBroker speaks the broker side of the control protocol with knobs for
// the failure modes under test.
type fakeBroker struct {
	t   *testing.T
	srv *httptest.Server
	URL string

	ackHeartbeats atomic.Bool
	ackCloses     atomic.Bool
	// rejectCode, when set, makes every tunnel request fail with that code.
	rejectCode atomic.Value
	// silent makes the broker ignore tunnel requests.
	silent atomic.Bool
	// grantDelay holds tunnel responses back for that many nanoseconds.
	grantDelay atomic.Int64
	// streamOnGrant opens a stream carrying "ping" right after each grant and
	// hands it over on early.
	streamOnGrant atomic.Bool
	// staleAcks acknowledges each heartbeat with the previous heartbeat's id.
	staleAcks atomic.Bool

	dials atomic.Int32

	mu       sync.Mutex
	conns    []*fakeConn
	tunnels  map[string]*fakeConn
	requests []protocol.TunnelRequest

	closes chan string
	resets chan protocol.StreamReset
	early  chan net.Conn
}

type fakeConn struct {
	mux  *yamux.Session
	ctrl net.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

func (c *fakeConn) send(t *testing.T, typ protocol.MessageType, requestID string, payload any) {
	msg, err := protocol.NewControlMessage(typ, requestID, payload)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.enc.Encode(msg)
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	b := &fakeBroker{
		t:       t,
		tunnels: map[string]*fakeConn{},
		closes:  make(chan string, 16),
		resets:  make(chan protocol.StreamReset, 16),
		early:   make(chan net.Conn, 16),
	}
	b.ackHeartbeats.Store(true)
	b.ackCloses.Store(true)
	b.rejectCode.Store("")

	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.dials.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.serve(ws)
	}))
	b.URL = "ws" + strings.TrimPrefix(b.srv.URL, "http")

	t.Cleanup(func() {
		b.dropAll()
		b.srv.Close()
	})
	return b
}

func (b *fakeBroker) serve(ws *websocket.Conn) {
	mux, err := yamux.Server(transport.NewConn(ws), transport.MuxConfig())
	if err != nil {
		return
	}
	defer mux.Close()

	ctrl, err := mux.AcceptStream()
	if err != nil {
		return
	}

	c := &fakeConn{mux: mux, ctrl: ctrl, enc: json.NewEncoder(ctrl)}
	dec := json.NewDecoder(ctrl)

	var msg protocol.ControlMessage
	if err := dec.Decode(&msg); err != nil {
		return
	}
	var auth protocol.AuthRequest
	_ = msg.DecodePayload(&auth)
	if auth.Token != testToken {
		c.send(b.t, protocol.MsgTypeAuthResponse, msg.RequestID, protocol.AuthResponse{Success: false, Message: "Invalid token"})
		return
	}
	c.send(b.t, protocol.MsgTypeAuthResponse, msg.RequestID, protocol.AuthResponse{Success: true, ClientID: "client-1"})

	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	var lastHeartbeat string
	for {
		var msg protocol.ControlMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}

		switch msg.Type {
		case protocol.MsgTypeHeartbeat:
			ackID := msg.RequestID
			if b.staleAcks.Load() {
				ackID, lastHeartbeat = lastHeartbeat, msg.RequestID
				if ackID == "" {
					continue
				}
			}
			if b.ackHeartbeats.Load() {
				c.send(b.t, protocol.MsgTypeHeartbeatAck, ackID, protocol.HeartbeatAck{Timestamp: time.Now().Unix()})
			}
		case protocol.MsgTypeTunnelReq:
			var req protocol.TunnelRequest
			_ = msg.DecodePayload(&req)
			b.mu.Lock()
			b.requests = append(b.requests, req)
			b.mu.Unlock()

			if b.silent.Load() {
				continue
			}
			if code := b.rejectCode.Load().(string); code != "" {
				c.send(b.t, protocol.MsgTypeError, msg.RequestID, protocol.ErrorPayload{Code: code, Message: "rejected"})
				continue
			}

			id := uuid.NewString()
			b.mu.Lock()
			b.tunnels[id] = c
			b.mu.Unlock()

			time.Sleep(time.Duration(b.grantDelay.Load()))
			c.send(b.t, protocol.MsgTypeTunnelResp, msg.RequestID, protocol.TunnelResponse{
				TunnelID:  id,
				PublicURL: "https://" + strings.ReplaceAll(id, "-", "")[:8] + ".example-broker.io",
				Status:    "active",
			})
			if b.streamOnGrant.Load() {
				b.ping(c, id)
			}
		case protocol.MsgTypeTunnelClose:
			var req protocol.TunnelClose
			_ = msg.DecodePayload(&req)
			b.closes <- req.TunnelID
			if b.ackCloses.Load() {
				c.send(b.t, protocol.MsgTypeTunnelCloseAck, msg.RequestID, req)
			}
		case protocol.MsgTypeStreamReset:
			var reset protocol.StreamReset
			_ = msg.DecodePayload(&reset)
			b.resets <- reset
		}
	}
}

// openStream announces a new public connection for tunnelID.
func (b *fakeBroker) openStream(tunnelID string) net.Conn {
	b.t.Helper()

	b.mu.Lock()
	c := b.tunnels[tunnelID]
	b.mu.Unlock()
	require.NotNil(b.t, c, "unknown tunnel %s", tunnelID)

	stream, err := c.mux.OpenStream()
	require.NoError(b.t, err)
	require.NoError(b.t, protocol.WriteStreamHeader(stream, protocol.StreamHeader{
		TunnelID:   tunnelID,
		ConnID:     uuid.NewString(),
		RemoteAddr: "203.0.113.7:40000",
	}))
	b.t.Cleanup(func() { stream.Close() })
	return stream
}

// ping opens a stream for tunnelID and writes "ping" without waiting for the
// client to have read its grant.
func (b *fakeBroker) ping(c *fakeConn, tunnelID string) {
	stream, err := c.mux.OpenStream()
	if err != nil {
		return
	}
	err = protocol.WriteStreamHeader(stream, protocol.StreamHeader{
		TunnelID:   tunnelID,
		ConnID:     uuid.NewString(),
		RemoteAddr: "203.0.113.7:40000",
	})
	if err == nil {
		_, err = stream.Write([]byte("ping"))
	}
	if err != nil {
		stream.Close()
		return
	}
	b.early <- stream
}

// granted reports whether the broker assigned tunnelID.
func (b *fakeBroker) granted(tunnelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tunnels[tunnelID]
	return ok
}

func (b *fakeBroker) revoke(tunnelID, reason string) {
	b.mu.Lock()
	c := b.tunnels[tunnelID]
	b.mu.Unlock()
	require.NotNil(b.t, c)

	c.send(b.t, protocol.MsgTypeTunnelClosed, uuid.NewString(), protocol.TunnelClosed{TunnelID: tunnelID, Reason: reason})
}

func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	conns := b.conns
	b.mu.Unlock()
	for _, c := range conns {
		c.mux.Close()
	}
}

func (b *fakeBroker) tunnelRequests() []protocol.TunnelRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.TunnelRequest(nil), b.requests...)
}

func testOptions() Options {
	return Options{
		Token:             testToken,
		Backoff:           wait.Backoff{Steps: 3, Duration: 10 * time.Millisecond, Factor: 2},
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Minute,
		CloseTimeout:      500 * time.Millisecond,
		Logger:            logging.Discard(),
	}
}

func echoServer(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
