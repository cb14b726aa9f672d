package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		BrokerURL:         "wss://broker.example-broker.io",
		Protocol:          "http",
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		CloseTimeout:      2 * time.Second,
		EnvFile:           ".env",
		CallbackVar:       "WEBHOOK_CALLBACK_URL",
		CallbackPath:      "/callback",
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg.BrokerURL = "https://broker.example-broker.io/control"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wss://broker.example-broker.io/control", cfg.BrokerURL)

	for name, mutate := range map[string]func(*Config){
		"missing broker":   func(c *Config) { c.BrokerURL = "" },
		"bad scheme":       func(c *Config) { c.BrokerURL = "ftp://broker" },
		"no host":          func(c *Config) { c.BrokerURL = "ws://" },
		"bad protocol":     func(c *Config) { c.Protocol = "udp" },
		"zero timeout":     func(c *Config) { c.CloseTimeout = 0 },
		"bad callback var": func(c *Config) { c.CallbackVar = "1NOPE" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParsePort(t *testing.T) {
	port, err := ParsePort("3000")
	require.NoError(t, err)
	assert.Equal(t, 3000, port)

	// out of range values are rejected when the tunnel is requested
	port, err = ParsePort("70000")
	require.NoError(t, err)
	assert.Equal(t, 70000, port)

	_, err = ParsePort("http")
	assert.Error(t, err)
}

func TestSuggestion(t *testing.T) {
	cfg := validConfig()

	out, err := cfg.Suggestion("https://abc123.example-broker.io")
	require.NoError(t, err)
	assert.Equal(t, "Public URL: https://abc123.example-broker.io\n"+
		"Update .env with:\n"+
		"WEBHOOK_CALLBACK_URL=\"https://abc123.example-broker.io/callback\"\n", out)

	cfg.CallbackVar = "MPESA_CALLBACK_URL"
	cfg.CallbackPath = ""
	cfg.EnvFile = "deploy/.env.local"
	out, err = cfg.Suggestion("https://abc123.example-broker.io/")
	require.NoError(t, err)
	assert.Equal(t, "Public URL: https://abc123.example-broker.io/\n"+
		"Update deploy/.env.local with:\n"+
		"MPESA_CALLBACK_URL=\"https://abc123.example-broker.io/\"\n", out)

	cfg.Protocol = "tcp"
	out, err = cfg.Suggestion("tcp://example-broker.io:30001")
	require.NoError(t, err)
	assert.Equal(t, "Public URL: tcp://example-broker.io:30001\n", out)
}

func TestEnvFileFromArgs(t *testing.T) {
	noenv := func(string) string { return "" }

	path, explicit := EnvFileFromArgs([]string{"--broker", "ws://x", "3000"}, noenv)
	assert.Equal(t, ".env", path)
	assert.False(t, explicit)

	path, explicit = EnvFileFromArgs([]string{"--env-file", "a.env", "3000"}, noenv)
	assert.Equal(t, "a.env", path)
	assert.True(t, explicit)

	path, _ = EnvFileFromArgs([]string{"-env-file=b.env"}, noenv)
	assert.Equal(t, "b.env", path)

	path, explicit = EnvFileFromArgs(nil, func(k string) string {
		if k == "HOOKLAB_ENV_FILE" {
			return "c.env"
		}
		return ""
	})
	assert.Equal(t, "c.env", path)
	assert.True(t, explicit)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("HOOKLAB_TEST_TOKEN=from-file\nHOOKLAB_TEST_BROKER=ws://file\n"), 0o600))

	t.Setenv("HOOKLAB_TEST_BROKER", "ws://env")
	t.Cleanup(func() { os.Unsetenv("HOOKLAB_TEST_TOKEN") })

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("HOOKLAB_TEST_TOKEN"))
	assert.Equal(t, "ws://env", os.Getenv("HOOKLAB_TEST_BROKER"), "real environment wins")

	missing := filepath.Join(dir, "missing.env")
	assert.NoError(t, LoadEnvFile(missing, false))
	assert.Error(t, LoadEnvFile(missing, true))
}
