// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FlowConfig sizes producers and their loops.
type FlowConfig struct {
	DefaultSink   SinkKind `yaml:"defaultSink"`
	QueueCapacity int      `yaml:"queueCapacity"`
	MaxAsyncTasks int      `yaml:"maxAsyncTasks"`
}

// ChildConfig describes a child program bridged in as a producer.
type ChildConfig struct {
	Name string   `yaml:"name"`
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`
	Dir  string   `yaml:"dir"`
}

// BridgeConfig controls threaded and process bridges.
type BridgeConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	JoinTimeout  time.Duration `yaml:"joinTimeout"`
	Codec        string        `yaml:"codec"`
	Children     []ChildConfig `yaml:"children"`
}

// RelayConfig configures the websocket relay's HTTP surface.
type RelayConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"wsPath"`
	MetricsPath     string        `yaml:"metricsPath"`
	ReadLimitBytes  int64         `yaml:"readLimitBytes"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// Upstream, when set, is another relay this one forwards everything to.
	Upstream         string        `yaml:"upstream"`
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the unified application configuration sourced from YAML.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Flow        FlowConfig      `yaml:"flow"`
	Bridge      BridgeConfig    `yaml:"bridge"`
	Relay       RelayConfig     `yaml:"relay"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Log         LogConfig       `yaml:"log"`
}

// Default returns a valid development configuration.
func Default() Config {
	cfg := Config{Environment: EnvDev}
	if err := cfg.normalise(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(ctx context.Context, path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(ctx, path)
}

// Load reads and validates a Config from the provided YAML file.
func Load(ctx context.Context, configPath string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates YAML config bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Flow.DefaultSink = normalizeSinkKind(c.Flow.DefaultSink)
	if c.Flow.DefaultSink == "" {
		c.Flow.DefaultSink = SinkQueue
	}
	if c.Flow.MaxAsyncTasks == 0 {
		c.Flow.MaxAsyncTasks = 64
	}

	if c.Bridge.PollInterval <= 0 {
		c.Bridge.PollInterval = time.Second
	}
	if c.Bridge.JoinTimeout <= 0 {
		c.Bridge.JoinTimeout = time.Second
	}
	c.Bridge.Codec = strings.ToLower(strings.TrimSpace(c.Bridge.Codec))
	if c.Bridge.Codec == "" {
		c.Bridge.Codec = "json"
	}
	seen := make(map[string]struct{}, len(c.Bridge.Children))
	for i := range c.Bridge.Children {
		child := &c.Bridge.Children[i]
		child.Name = strings.TrimSpace(child.Name)
		child.Path = strings.TrimSpace(child.Path)
		if child.Name == "" {
			child.Name = strings.TrimSuffix(filepath.Base(child.Path), filepath.Ext(child.Path))
		}
		if _, ok := seen[child.Name]; ok {
			return fmt.Errorf("duplicate child name %q", child.Name)
		}
		seen[child.Name] = struct{}{}
	}

	c.Relay.Addr = strings.TrimSpace(c.Relay.Addr)
	if c.Relay.Addr == "" {
		c.Relay.Addr = ":8080"
	}
	c.Relay.WSPath = normalisePath(c.Relay.WSPath, "/ws")
	c.Relay.MetricsPath = normalisePath(c.Relay.MetricsPath, "/metrics")
	if c.Relay.ReadLimitBytes == 0 {
		c.Relay.ReadLimitBytes = 1 << 20
	}
	if c.Relay.ShutdownTimeout <= 0 {
		c.Relay.ShutdownTimeout = 5 * time.Second
	}
	c.Relay.Upstream = strings.TrimSpace(c.Relay.Upstream)
	if c.Relay.RetryMaxInterval <= 0 {
		c.Relay.RetryMaxInterval = 30 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "rtcbot"
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

func normalisePath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Flow.DefaultSink {
	case SinkQueue, SinkMostRecent:
	default:
		return fmt.Errorf("flow defaultSink must be one of queue, mostRecent")
	}
	if c.Flow.QueueCapacity < 0 {
		return fmt.Errorf("flow queueCapacity must be >= 0")
	}
	if c.Flow.MaxAsyncTasks < 0 {
		return fmt.Errorf("flow maxAsyncTasks must be >= 0")
	}

	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge pollInterval must be >0")
	}
	if c.Bridge.JoinTimeout <= 0 {
		return fmt.Errorf("bridge joinTimeout must be >0")
	}
	switch c.Bridge.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("bridge codec must be one of json, msgpack")
	}
	for _, child := range c.Bridge.Children {
		if child.Path == "" {
			return fmt.Errorf("bridge child %q path required", child.Name)
		}
	}

	if c.Relay.Addr == "" {
		return fmt.Errorf("relay addr required")
	}
	if c.Relay.WSPath == c.Relay.MetricsPath {
		return fmt.Errorf("relay wsPath and metricsPath must differ")
	}
	if c.Relay.ReadLimitBytes < 0 {
		return fmt.Errorf("relay readLimitBytes must be >= 0")
	}
	if c.Relay.Upstream != "" {
		u, err := url.Parse(c.Relay.Upstream)
		if err != nil {
			return fmt.Errorf("relay upstream: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("relay upstream must be a ws:// or wss:// url")
		}
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
