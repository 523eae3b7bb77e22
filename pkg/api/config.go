package api

import "time"

// Config configures the status HTTP server.
type Config struct {
	// Port is the HTTP port. Default: 9090
	Port int

	// ReadTimeout bounds reading a request. Default: 10s
	ReadTimeout time.Duration

	// WriteTimeout bounds writing a response. /check walks every chain, so
	// this also bounds a check. Default: 60s
	WriteTimeout time.Duration

	// IdleTimeout bounds keep-alive connections. Default: 60s
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}
