package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fable/internal/observability"
	"fable/internal/transcode"
)

// Option customizes a Load call, mainly to inject lookups in tests.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	homeDir   func() (string, error)
	filePath  string
}

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = fn }
}

// WithFileReader replaces os.ReadFile.
func WithFileReader(fn func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = fn }
}

// WithHomeDir replaces os.UserHomeDir.
func WithHomeDir(fn func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = fn }
}

// WithFile pins the config file path instead of probing the defaults.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.filePath = path }
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8400,
			ShutdownTimeoutSeconds: 15,
		},
		Runtime: RuntimeConfig{
			BaseURL:               "http://localhost:8501",
			ConnectTimeoutSeconds: 10,
		},
		Stream: StreamConfig{
			DefaultProtocol:  transcode.ProtocolFrames,
			HeartbeatSeconds: 30,
			HistoryLimit:     1000,
			SubscriberBuffer: 256,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Load assembles the configuration: defaults, then the yaml file (explicit
// path, ./fable.yaml, or ~/.fable/config.yaml — first hit wins), then FABLE_*
// environment overrides. The metadata records which layer set each field.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)

	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, meta, nil
}

func candidatePaths(options loadOptions) []string {
	if options.filePath != "" {
		return []string{options.filePath}
	}
	paths := []string{"fable.yaml"}
	if home, err := options.homeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".fable", "config.yaml"))
	}
	return paths
}

func applyFile(cfg *Config, meta *Metadata, options loadOptions) error {
	var data []byte
	for _, path := range candidatePaths(options) {
		raw, err := options.readFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read config %s: %w", path, err)
		}
		data = raw
		meta.filePath = path
		break
	}
	if data == nil {
		return nil
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", meta.filePath, err)
	}

	setString := func(field string, dst *string, v string) {
		if v != "" {
			*dst = v
			meta.sources[field] = SourceFile
		}
	}
	setInt := func(field string, dst *int, v int) {
		if v > 0 {
			*dst = v
			meta.sources[field] = SourceFile
		}
	}

	setString("environment", &cfg.Environment, file.Environment)
	setString("server.host", &cfg.Server.Host, file.Server.Host)
	setInt("server.port", &cfg.Server.Port, file.Server.Port)
	if len(file.Server.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = file.Server.AllowedOrigins
		meta.sources["server.allowed_origins"] = SourceFile
	}
	setInt("server.shutdown_timeout_seconds", &cfg.Server.ShutdownTimeoutSeconds, file.Server.ShutdownTimeoutSeconds)
	setString("runtime.base_url", &cfg.Runtime.BaseURL, file.Runtime.BaseURL)
	setString("runtime.api_key", &cfg.Runtime.APIKey, file.Runtime.APIKey)
	setInt("runtime.connect_timeout_seconds", &cfg.Runtime.ConnectTimeoutSeconds, file.Runtime.ConnectTimeoutSeconds)
	setString("stream.default_protocol", &cfg.Stream.DefaultProtocol, file.Stream.DefaultProtocol)
	setInt("stream.heartbeat_seconds", &cfg.Stream.HeartbeatSeconds, file.Stream.HeartbeatSeconds)
	setInt("stream.history_limit", &cfg.Stream.HistoryLimit, file.Stream.HistoryLimit)
	setInt("stream.subscriber_buffer", &cfg.Stream.SubscriberBuffer, file.Stream.SubscriberBuffer)

	setString("observability.logging.level", &cfg.Observability.Logging.Level, file.Observability.Logging.Level)
	setString("observability.logging.file", &cfg.Observability.Logging.File, file.Observability.Logging.File)

	// metrics.enabled defaults to true, so its presence in the file has to be
	// detected separately from its value
	var shadow struct {
		Observability struct {
			Metrics struct {
				Enabled *bool `yaml:"enabled"`
			} `yaml:"metrics"`
		} `yaml:"observability"`
	}
	if err := yaml.Unmarshal(data, &shadow); err == nil && shadow.Observability.Metrics.Enabled != nil {
		cfg.Observability.Metrics.Enabled = *shadow.Observability.Metrics.Enabled
		meta.sources["observability.metrics.enabled"] = SourceFile
	}
	setInt("observability.metrics.prometheus_port", &cfg.Observability.Metrics.PrometheusPort, file.Observability.Metrics.PrometheusPort)
	if file.Observability.Tracing.Enabled {
		cfg.Observability.Tracing = mergeTracing(cfg.Observability.Tracing, file.Observability.Tracing)
		meta.sources["observability.tracing"] = SourceFile
	}
	return nil
}

func mergeTracing(base, file observability.TracingConfig) observability.TracingConfig {
	merged := base
	merged.Enabled = true
	if file.Exporter != "" {
		merged.Exporter = file.Exporter
	}
	if file.OTLPEndpoint != "" {
		merged.OTLPEndpoint = file.OTLPEndpoint
	}
	if file.ZipkinEndpoint != "" {
		merged.ZipkinEndpoint = file.ZipkinEndpoint
	}
	if file.JaegerEndpoint != "" {
		merged.JaegerEndpoint = file.JaegerEndpoint
	}
	if file.SampleRate > 0 && file.SampleRate <= 1.0 {
		merged.SampleRate = file.SampleRate
	}
	if file.ServiceName != "" {
		merged.ServiceName = file.ServiceName
	}
	if file.ServiceVersion != "" {
		merged.ServiceVersion = file.ServiceVersion
	}
	return merged
}

// envBinding maps one FABLE_* variable onto a config field.
type envBinding struct {
	name  string
	field string
	apply func(cfg *Config, value string) bool
}

var envBindings = []envBinding{
	{"FABLE_ENVIRONMENT", "environment", func(c *Config, v string) bool {
		c.Environment = strings.ToLower(strings.TrimSpace(v))
		return true
	}},
	{"FABLE_HOST", "server.host", func(c *Config, v string) bool {
		c.Server.Host = v
		return true
	}},
	{"FABLE_PORT", "server.port", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Server.Port, v)
	}},
	{"FABLE_ALLOWED_ORIGINS", "server.allowed_origins", func(c *Config, v string) bool {
		c.Server.AllowedOrigins = splitOrigins(v)
		return true
	}},
	{"FABLE_SHUTDOWN_TIMEOUT_SECONDS", "server.shutdown_timeout_seconds", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Server.ShutdownTimeoutSeconds, v)
	}},
	{"FABLE_RUNTIME_BASE_URL", "runtime.base_url", func(c *Config, v string) bool {
		c.Runtime.BaseURL = v
		return true
	}},
	{"FABLE_RUNTIME_API_KEY", "runtime.api_key", func(c *Config, v string) bool {
		c.Runtime.APIKey = v
		return true
	}},
	{"FABLE_RUNTIME_CONNECT_TIMEOUT_SECONDS", "runtime.connect_timeout_seconds", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Runtime.ConnectTimeoutSeconds, v)
	}},
	{"FABLE_STREAM_PROTOCOL", "stream.default_protocol", func(c *Config, v string) bool {
		c.Stream.DefaultProtocol = strings.ToLower(strings.TrimSpace(v))
		return true
	}},
	{"FABLE_STREAM_HEARTBEAT_SECONDS", "stream.heartbeat_seconds", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Stream.HeartbeatSeconds, v)
	}},
	{"FABLE_STREAM_HISTORY_LIMIT", "stream.history_limit", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Stream.HistoryLimit, v)
	}},
	{"FABLE_STREAM_SUBSCRIBER_BUFFER", "stream.subscriber_buffer", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Stream.SubscriberBuffer, v)
	}},
	{"FABLE_LOG_LEVEL", "observability.logging.level", func(c *Config, v string) bool {
		c.Observability.Logging.Level = strings.ToLower(strings.TrimSpace(v))
		return true
	}},
	{"FABLE_LOG_FILE", "observability.logging.file", func(c *Config, v string) bool {
		c.Observability.Logging.File = v
		return true
	}},
	{"FABLE_METRICS_PORT", "observability.metrics.prometheus_port", func(c *Config, v string) bool {
		return setIntFromEnv(&c.Observability.Metrics.PrometheusPort, v)
	}},
}

func applyEnv(cfg *Config, meta *Metadata, lookup func(string) (string, bool)) {
	for _, binding := range envBindings {
		value, ok := lookup(binding.name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if binding.apply(cfg, value) {
			meta.sources[binding.field] = SourceEnvironment
		}
	}
}

func setIntFromEnv(dst *int, value string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return false
	}
	*dst = n
	return true
}

func splitOrigins(value string) []string {
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
