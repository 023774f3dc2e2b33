package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Sky Grid gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Routes    []RouteConfig   `yaml:"routes"`
	Health    HealthConfig    `yaml:"health"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the gateway HTTP listener settings.
type ServerConfig struct {
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	Timeouts ServerTimeoutConfig `yaml:"timeouts"`
}

// ServerTimeoutConfig contains HTTP timeout settings in seconds.
type ServerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// DiscoveryConfig contains service discovery settings.
//
// Instances can come from an etcd catalog, from a static list in this file,
// or both. The registry polls the configured sources on PollInterval.
type DiscoveryConfig struct {
	Etcd         EtcdConfig       `yaml:"etcd"`
	Static       []StaticInstance `yaml:"static"`
	PollInterval int              `yaml:"poll_interval"`
	DrainGrace   int              `yaml:"drain_grace"`
}

// EtcdConfig contains etcd catalog connection settings.
type EtcdConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Endpoints   []string `yaml:"endpoints"`
	Namespace   string   `yaml:"namespace"`
	DialTimeout int      `yaml:"dial_timeout"`
}

// StaticInstance declares a backend instance directly in configuration.
type StaticInstance struct {
	Service        string   `yaml:"service"`
	ID             string   `yaml:"id"`
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	HealthCheckURL string   `yaml:"health_check_url"`
	Tags           []string `yaml:"tags"`
}

// RouteConfig maps a path prefix to a logical backend service.
type RouteConfig struct {
	Prefix      string `yaml:"prefix"`
	Service     string `yaml:"service"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

// HealthConfig contains active health probing settings.
type HealthConfig struct {
	Interval         int `yaml:"interval"`
	Timeout          int `yaml:"timeout"`
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
}

// ProxyConfig contains request forwarding settings.
type ProxyConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	UpstreamTimeout int `yaml:"upstream_timeout"`
	// RetryBufferLimit is the largest request body (bytes) buffered so an
	// idempotent request can be replayed on retry. Larger bodies are
	// streamed and never retried once sending has begun.
	RetryBufferLimit int64 `yaml:"retry_buffer_limit"`
}

// RateLimitConfig contains per-client admission control settings.
type RateLimitConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Rate    float64                `yaml:"rate"`
	Burst   int                    `yaml:"burst"`
	IdleTTL int                    `yaml:"idle_ttl"`
	Classes []RateLimitClassConfig `yaml:"classes"`
}

// RateLimitClassConfig overrides the default rate and burst for requests
// under a path prefix. Unmatched paths use the defaults.
type RateLimitClassConfig struct {
	Prefix string  `yaml:"prefix"`
	Rate   float64 `yaml:"rate"`
	Burst  int     `yaml:"burst"`
}

// SecurityConfig contains token validation settings.
//
// The gateway does not enforce authorization policy; the JWT secret is used
// only to extract a stable subject for rate-limit keying.
type SecurityConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// InfluxDBConfig contains optional metrics export settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from the given YAML file.
//
// Defaults are applied first, then the file, then environment variable
// overrides, and finally the result is validated.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: ServerTimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
		},
		Discovery: DiscoveryConfig{
			Etcd: EtcdConfig{
				Namespace:   "/skygrid/services",
				DialTimeout: 5,
			},
			PollInterval: 10,
			DrainGrace:   30,
		},
		Health: HealthConfig{
			Interval:         10,
			Timeout:          2,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		Proxy: ProxyConfig{
			MaxRetries:       2,
			UpstreamTimeout:  15,
			RetryBufferLimit: 1 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    50,
			Burst:   100,
			IdleTTL: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GATEWAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	// Discovery
	if v := os.Getenv("GATEWAY_ETCD_ENDPOINTS"); v != "" {
		cfg.Discovery.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("GATEWAY_ETCD_NAMESPACE"); v != "" {
		cfg.Discovery.Etcd.Namespace = v
	}

	// Security - JWT secret (set via environment in production)
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("GATEWAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(c.Routes) == 0 {
		errs = append(errs, "at least one route is required")
	}
	for i, r := range c.Routes {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			errs = append(errs, fmt.Sprintf("routes[%d].prefix must start with /", i))
		}
		if r.Service == "" {
			errs = append(errs, fmt.Sprintf("routes[%d].service is required", i))
		}
	}

	if c.Discovery.Etcd.Enabled && len(c.Discovery.Etcd.Endpoints) == 0 {
		errs = append(errs, "discovery.etcd.endpoints is required when etcd is enabled")
	}
	if c.Discovery.PollInterval < 1 {
		errs = append(errs, "discovery.poll_interval must be at least 1 second")
	}

	if c.Health.FailureThreshold < 1 {
		errs = append(errs, "health.failure_threshold must be at least 1")
	}
	if c.Health.SuccessThreshold < 1 {
		errs = append(errs, "health.success_threshold must be at least 1")
	}
	if c.Health.Interval < 1 {
		errs = append(errs, "health.interval must be at least 1 second")
	}

	if c.Proxy.MaxRetries < 0 {
		errs = append(errs, "proxy.max_retries must not be negative")
	}
	if c.Proxy.UpstreamTimeout < 1 {
		errs = append(errs, "proxy.upstream_timeout must be at least 1 second")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			errs = append(errs, "rate_limit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, "rate_limit.burst must be at least 1")
		}
		for i, cls := range c.RateLimit.Classes {
			if !strings.HasPrefix(cls.Prefix, "/") {
				errs = append(errs, fmt.Sprintf("rate_limit.classes[%d].prefix must start with /", i))
			}
			if cls.Rate <= 0 {
				errs = append(errs, fmt.Sprintf("rate_limit.classes[%d].rate must be positive", i))
			}
			if cls.Burst < 1 {
				errs = append(errs, fmt.Sprintf("rate_limit.classes[%d].burst must be at least 1", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the server read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the server write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the server idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Idle) * time.Second
}

// GetPollInterval returns the discovery poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Discovery.PollInterval) * time.Second
}

// GetDrainGrace returns the drain grace period as a Duration.
func (c *Config) GetDrainGrace() time.Duration {
	return time.Duration(c.Discovery.DrainGrace) * time.Second
}

// GetProbeInterval returns the health probe interval as a Duration.
func (c *Config) GetProbeInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// GetProbeTimeout returns the health probe timeout as a Duration.
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Health.Timeout) * time.Second
}

// GetUpstreamTimeout returns the per-request upstream timeout as a Duration.
func (c *Config) GetUpstreamTimeout() time.Duration {
	return time.Duration(c.Proxy.UpstreamTimeout) * time.Second
}

// GetRateLimitIdleTTL returns the rate-limit bucket idle TTL as a Duration.
func (c *Config) GetRateLimitIdleTTL() time.Duration {
	return time.Duration(c.RateLimit.IdleTTL) * time.Second
}
