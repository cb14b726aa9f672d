package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/essajiwa/hooklab/internal/logging"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	TLS      TLSConfig      `yaml:"tls"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tunnels  TunnelsConfig  `yaml:"tunnels"`
}

type ServerConfig struct {
	Domain         string `yaml:"domain"`
	ControlPort    int    `yaml:"control_port"`
	HTTPPort       int    `yaml:"http_port"`
	HTTPSPort      int    `yaml:"https_port"`
	ManagementPort int    `yaml:"management_port"`
	PublicScheme   string `yaml:"public_scheme"` // Scheme used in assigned public URLs
	PublicPort     int    `yaml:"public_port"`   // Appended to public URLs when not the scheme default
}

type TLSConfig struct {
	Mode     string `yaml:"mode"`      // "manual" or "disabled"
	CertPath string `yaml:"cert_path"` // For manual mode
	KeyPath  string `yaml:"key_path"`  // For manual mode
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type AuthConfig struct {
	Required bool `yaml:"required"`
}

type LoggingConfig struct {
	Level logging.Level `yaml:"level"`
}

type TunnelsConfig struct {
	TCPPortRange        string  `yaml:"tcp_port_range"`
	MaxTunnelsPerClient int     `yaml:"max_tunnels_per_client"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	RequestBurst        int     `yaml:"request_burst"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Server.Domain == "" {
		return fmt.Errorf("server.domain is required")
	}
	if c.Server.ControlPort == 0 {
		c.Server.ControlPort = 4443
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 80
	}
	if c.Server.HTTPSPort == 0 {
		c.Server.HTTPSPort = 443
	}
	if c.Server.ManagementPort == 0 {
		c.Server.ManagementPort = 9090
	}
	if c.Server.PublicScheme == "" {
		c.Server.PublicScheme = "https"
	}
	c.Server.PublicScheme = strings.ToLower(c.Server.PublicScheme)
	if c.Server.PublicScheme != "http" && c.Server.PublicScheme != "https" {
		return fmt.Errorf("server.public_scheme must be http or https")
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type != "sqlite" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}
	if c.Database.Path == "" {
		c.Database.Path = "./hooklab.db"
	}
	if c.Tunnels.MaxTunnelsPerClient == 0 {
		c.Tunnels.MaxTunnelsPerClient = 5
	}
	if c.Tunnels.RequestsPerSecond == 0 {
		c.Tunnels.RequestsPerSecond = 2
	}
	if c.Tunnels.RequestBurst == 0 {
		c.Tunnels.RequestBurst = 5
	}
	if c.TLS.Mode == "" {
		c.TLS.Mode = "disabled"
	}
	switch c.TLS.Mode {
	case "disabled":
	case "manual":
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("tls.cert_path and tls.key_path are required for manual TLS mode")
		}
	default:
		return fmt.Errorf("unsupported tls.mode %q", c.TLS.Mode)
	}
	return nil
}
