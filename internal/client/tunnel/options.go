package tunnel

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	MinPort = 1
	MaxPort = 65535
)

var (
	// DefaultBackoff retries transient connect failures: 500ms, 1s, 2s, 4s
	// between five attempts.
	DefaultBackoff = wait.Backoff{
		Steps:    5,
		Duration: 500 * time.Millisecond,
		Factor:   2.0,
	}

	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultCloseTimeout      = 2 * time.Second
)

// maxMissedHeartbeats consecutive unacknowledged heartbeats mark the channel lost.
const maxMissedHeartbeats = 2

// Options configures a Channel. Zero values take the package defaults.
type Options struct {
	// Token authenticates the client with the broker.
	Token string

	// Dialer dials the broker websocket. Defaults to a dialer honouring
	// proxy environment variables.
	Dialer *websocket.Dialer

	// Backoff controls connect retries on transient failures.
	Backoff wait.Backoff

	// HandshakeTimeout bounds Connect across all attempts, and each tunnel request.
	HandshakeTimeout time.Duration

	HeartbeatInterval time.Duration

	// CloseTimeout bounds how long Session.Close waits for the broker to
	// acknowledge a teardown.
	CloseTimeout time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	if o.Backoff.Steps == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
