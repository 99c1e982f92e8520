package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

type ServerConfig struct {
	// URL is the admin URL of the server to query.
	URL string `json:"url"`

	// Timeout is the maximum duration of a status request.
	Timeout time.Duration `json:"timeout"`
}

func (c *ServerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url: unsupported scheme: %s", u.Scheme)
	}
	if c.Timeout == 0 {
		return fmt.Errorf("missing timeout")
	}
	return nil
}

type Config struct {
	Server ServerConfig `json:"server"`
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Server.URL,
		"server.url",
		"http://localhost:8002",
		`
Swarm server URL. This URL should point to the server admin port.

Such as to inspect the cluster membership known by node 10.26.104.56, use
'--server.url http://10.26.104.56:8002'.`,
	)
	fs.DurationVar(
		&c.Server.Timeout,
		"server.timeout",
		time.Second*15,
		`
Maximum duration to wait for the server to respond.`,
	)
}
