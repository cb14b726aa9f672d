// Package config holds the hooklab client configuration. Values come from
// flags, then HOOKLAB_* environment variables, then a .env file that never
// overrides the real environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/essajiwa/hooklab/internal/logging"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// EnvPrefix prefixes the environment variable of every flag.
const EnvPrefix = "HOOKLAB"

const defaultEnvFile = ".env"

type Config struct {
	Level     logging.Level `ff:" short=l | long=log        | default=info      | usage: 'debug, info, warn or error'                            "`
	BrokerURL string        `ff:" short=b | long=broker     |                     usage: 'broker control URL, ws:// or wss:// (required)'        "`
	Token     string        `ff:" short=t | long=token      |                     usage: authentication token issued by the broker              "`
	Subdomain string        `ff:" short=s | long=subdomain  |                     usage: 'requested subdomain, assigned by the broker when empty'"`
	Protocol  string        `ff:" short=p | long=protocol   | default=http      | usage: 'tunnel protocol, http or tcp'                          "`
	LocalHost string        `ff:"           long=local-host | default=localhost | usage: host the local service listens on                      "`
	Insecure  bool          `ff:"           long=insecure   |                     usage: skip verification of the broker TLS certificate         "`

	HandshakeTimeout  time.Duration `ff:" long=handshake-timeout  | default=10s | usage: bound on connecting and on each tunnel request "`
	HeartbeatInterval time.Duration `ff:" long=heartbeat-interval | default=20s | usage: period between heartbeats                       "`
	CloseTimeout      time.Duration `ff:" long=close-timeout      | default=2s  | usage: how long to wait for the broker on teardown     "`

	EnvFile        string `ff:" long=env-file        | default='.env'                 | usage: .env file to load settings from and suggest updates for "`
	CallbackVar    string `ff:" long=callback-var    | default=WEBHOOK_CALLBACK_URL   | usage: variable name in the suggested .env line               "`
	CallbackPath   string `ff:" long=callback-path   | default='/callback'            | usage: path appended to the public URL in the suggestion      "`
	MetricsAddress string `ff:" long=metrics-address |                                  usage: serve Prometheus metrics on this address when set      "`
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the configuration and normalises the broker URL to a
// websocket scheme.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker URL is required (--broker or %s_BROKER)", EnvPrefix)
	}

	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("broker URL must use ws:// or wss://, got %q", c.BrokerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("broker URL %q has no host", c.BrokerURL)
	}
	c.BrokerURL = u.String()

	c.Protocol = strings.ToLower(c.Protocol)
	if c.Protocol != protocol.ProtocolHTTP && c.Protocol != protocol.ProtocolTCP {
		return fmt.Errorf("protocol must be http or tcp, got %q", c.Protocol)
	}

	if c.HandshakeTimeout <= 0 || c.HeartbeatInterval <= 0 || c.CloseTimeout <= 0 {
		return errors.New("timeouts and the heartbeat interval must be positive")
	}

	if !envName.MatchString(c.CallbackVar) {
		return fmt.Errorf("invalid callback variable name %q", c.CallbackVar)
	}

	return nil
}

// ParsePort parses the local port argument. Range checks are left to the
// tunnel request.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: must be a number", s)
	}
	return port, nil
}

// EnvFileFromArgs finds the env file to load before flags are parsed: the
// --env-file flag, then HOOKLAB_ENV_FILE, then .env. explicit reports whether
// the file was asked for rather than defaulted.
func EnvFileFromArgs(args []string, getenv func(string) string) (path string, explicit bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "env-file" {
			continue
		}
		if hasValue {
			return value, true
		}
		if i+1 < len(args) {
			return args[i+1], true
		}
	}
	if v := getenv(EnvPrefix + "_ENV_FILE"); v != "" {
		return v, true
	}
	return defaultEnvFile, false
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing default file is not an error.
func LoadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// CallbackURL joins the public URL and the callback path.
func (c *Config) CallbackURL(publicURL string) string {
	path := strings.TrimPrefix(c.CallbackPath, "/")
	if path == "" {
		return publicURL
	}
	return strings.TrimSuffix(publicURL, "/") + "/" + path
}

// Suggestion renders the lines printed once a tunnel is active: the public
// URL and, for HTTP tunnels, the .env line to paste.
func (c *Config) Suggestion(publicURL string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Public URL: %s\n", publicURL)
	if c.Protocol != protocol.ProtocolHTTP {
		return b.String(), nil
	}

	line, err := godotenv.Marshal(map[string]string{c.CallbackVar: c.CallbackURL(publicURL)})
	if err != nil {
		return "", fmt.Errorf("formatting .env line: %w", err)
	}

	target := "Update .env with:"
	if c.EnvFile != "" && c.EnvFile != defaultEnvFile {
		target = fmt.Sprintf("Update %s with:", c.EnvFile)
	}
	fmt.Fprintf(&b, "%s\n%s\n", target, line)
	return b.String(), nil
}
