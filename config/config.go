package config

import (
	"os"
	"strconv"
)

// Config holds the session server configuration.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	MaxConnections  int    `json:"max_connections"`
	PingInterval    int    `json:"ping_interval_seconds"`
	WriteTimeout    int    `json:"write_timeout_seconds"`
	ReadBufferSize  int    `json:"read_buffer_size"`
	WriteBufferSize int    `json:"write_buffer_size"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		MaxConnections:  1000,
		PingInterval:    30,
		WriteTimeout:    10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// FromEnv loads configuration from environment variables, falling back
// to defaults for any missing values.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if addr := os.Getenv("COLLAB_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if v := os.Getenv("COLLAB_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("COLLAB_PING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PingInterval = n
		}
	}
	return cfg
}
