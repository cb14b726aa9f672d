package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

func connect(t *testing.T, b *fakeBroker, opts Options) *Channel {
	t.Helper()

	ch, err := Connect(context.Background(), b.URL, opts)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Disconnect() })
	return ch
}

func TestConnect(t *testing.T) {
	b := newFakeBroker(t)

	ch := connect(t, b, testOptions())
	assert.Equal(t, Connected, ch.State())
	assert.Equal(t, "client-1", ch.ClientID())
	assert.Equal(t, b.URL, ch.Addr())
	assert.WithinDuration(t, time.Now(), ch.LastActivity(), 5*time.Second)
	assert.NoError(t, ch.Err())
	assert.Empty(t, ch.Sessions())
}

func TestConnectRejectedToken(t *testing.T) {
	b := newFakeBroker(t)

	opts := testOptions()
	opts.Token = "client-1.wrong"

	_, err := Connect(context.Background(), b.URL, opts)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Error(), "Invalid token")
	assert.EqualValues(t, 1, b.dials.Load(), "credentials are not retried")
}

func TestConnectUnauthorizedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), testOptions())

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestConnectUnreachable(t *testing.T) {
	addr := fmt.Sprintf("ws://127.0.0.1:%d", freePort(t))

	_, err := Connect(context.Background(), addr, testOptions())

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, addr, connErr.Addr)
	assert.Error(t, connErr.Err)
}

func TestConnectHandshakeTimeout(t *testing.T) {
	// accepts TCP but never answers the websocket upgrade
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	opts := testOptions()
	opts.HandshakeTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), opts)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDisconnect(t *testing.T) {
	b := newFakeBroker(t)
	ch := connect(t, b, testOptions())

	first, err := Open(context.Background(), ch, 3000, SessionOptions{})
	require.NoError(t, err)
	second, err := Open(context.Background(), ch, 3001, SessionOptions{})
	require.NoError(t, err)
	require.Len(t, ch.Sessions(), 2)

	require.NoError(t, ch.Disconnect())
	assert.Equal(t, Disconnected, ch.State())
	assert.NoError(t, ch.Err(), "requested disconnects carry no error")
	assert.Empty(t, ch.Sessions())

	for _, s := range []*Session{first, second} {
		assert.Equal(t, Closed, s.State())
		assert.NoError(t, s.Err())
	}

	// both tunnels were released on the broker
	closed := map[string]bool{}
	for range 2 {
		select {
		case id := <-b.closes:
			closed[id] = true
		case <-time.After(time.Second):
			t.Fatal("broker did not receive tunnel_close")
		}
	}
	assert.True(t, closed[first.ID()])
	assert.True(t, closed[second.ID()])

	assert.NoError(t, ch.Disconnect())

	_, err = Open(context.Background(), ch, 3000, SessionOptions{})
	var sessionErr *SessionError
	require.ErrorAs(t, err, &sessionErr)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestHeartbeatLoss(t *testing.T) {
	b := newFakeBroker(t)
	b.ackHeartbeats.Store(false)

	opts := testOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	ch := connect(t, b, opts)

	s, err := Open(context.Background(), ch, 3000, SessionOptions{})
	require.NoError(t, err)

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel survived unacknowledged heartbeats")
	}

	assert.Equal(t, Disconnected, ch.State())
	assert.ErrorIs(t, ch.Err(), ErrHeartbeatTimeout)

	<-s.Done()
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Err(), ErrChannelClosed)
	assert.ErrorIs(t, s.Err(), ErrHeartbeatTimeout)
}

func TestHeartbeatStaleAcks(t *testing.T) {
	b := newFakeBroker(t)
	b.staleAcks.Store(true)

	opts := testOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	ch := connect(t, b, opts)

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("acks for earlier heartbeats kept the channel alive")
	}
	assert.ErrorIs(t, ch.Err(), ErrHeartbeatTimeout)
}

func TestHeartbeatAcknowledged(t *testing.T) {
	b := newFakeBroker(t)

	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	ch := connect(t, b, opts)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, Connected, ch.State())
	assert.WithinDuration(t, time.Now(), ch.LastActivity(), 100*time.Millisecond)
}

func TestBrokerGone(t *testing.T) {
	b := newFakeBroker(t)
	ch := connect(t, b, testOptions())

	s, err := Open(context.Background(), ch, 3000, SessionOptions{})
	require.NoError(t, err)

	b.dropAll()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived its channel")
	}
	assert.ErrorIs(t, s.Err(), ErrChannelClosed)
	assert.Error(t, ch.Err())
	assert.False(t, errors.Is(s.Err(), ErrTunnelRevoked))

	// closing after the channel is gone is a local no-op
	assert.NoError(t, s.Close())
}

func TestDefaultBackoff(t *testing.T) {
	assert.Equal(t, DefaultBackoff, Options{}.withDefaults().Backoff)
	assert.Equal(t, 5, DefaultBackoff.Steps)

	backoff := DefaultBackoff
	var delays []time.Duration
	for range 4 {
		delays = append(delays, backoff.Step())
	}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, wait.Backoff{Steps: 5, Duration: 500 * time.Millisecond, Factor: 2}, DefaultBackoff)
}
