// Package config loads the gateway configuration in three explicit layers:
// compiled defaults, an optional yaml file, then FABLE_* environment
// overrides. Every field records which layer supplied its value.
package config

import (
	"fmt"
	"time"

	"fable/internal/observability"
	"fable/internal/transcode"
)

// ValueSource identifies which layer supplied a field's value.
type ValueSource string

const (
	SourceDefault     ValueSource = "default"
	SourceFile        ValueSource = "file"
	SourceEnvironment ValueSource = "environment"
)

// Environments the gateway distinguishes. Development relaxes CORS.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the complete gateway configuration.
type Config struct {
	Environment   string               `yaml:"environment"`
	Server        ServerConfig         `yaml:"server"`
	Runtime       RuntimeConfig        `yaml:"runtime"`
	Stream        StreamConfig         `yaml:"stream"`
	Observability observability.Config `yaml:"observability"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host                   string   `yaml:"host"`
	Port                   int      `yaml:"port"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// ShutdownTimeout returns the graceful-shutdown window.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// RuntimeConfig locates the upstream story runtime.
type RuntimeConfig struct {
	BaseURL               string `yaml:"base_url"`
	APIKey                string `yaml:"api_key"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// ConnectTimeout returns the upstream connect/header deadline.
func (r RuntimeConfig) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutSeconds) * time.Second
}

// StreamConfig tunes the frame streaming path.
type StreamConfig struct {
	DefaultProtocol  string `yaml:"default_protocol"` // frames or legacy
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	HistoryLimit     int    `yaml:"history_limit"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
}

// HeartbeatInterval returns the SSE keepalive cadence.
func (s StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// Metadata records per-field provenance for config debugging.
type Metadata struct {
	sources  map[string]ValueSource
	filePath string
	loadedAt time.Time
}

// Source returns the layer that supplied a field, defaulting to "default".
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// FilePath returns the config file that was merged, if any.
func (m Metadata) FilePath() string { return m.filePath }

// LoadedAt returns when the config was assembled.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Runtime.BaseURL == "" {
		return fmt.Errorf("runtime.base_url is required")
	}
	if !transcode.ValidProtocol(c.Stream.DefaultProtocol) {
		return fmt.Errorf("stream.default_protocol %q unknown", c.Stream.DefaultProtocol)
	}
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("environment %q unknown", c.Environment)
	}
	return nil
}
