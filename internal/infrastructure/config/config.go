package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	Gateway   GatewayConfig   `koanf:"gateway"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Health    HealthConfig    `koanf:"health"`
	Discovery DiscoveryConfig `koanf:"discovery"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled      bool          `koanf:"enabled"`
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// GatewayConfig holds execution defaults shared by all provider registries.
type GatewayConfig struct {
	DefaultTimeout    time.Duration `koanf:"default_timeout"`
	DefaultMaxRetries int           `koanf:"default_max_retries"`
	BackoffBaseDelay  time.Duration `koanf:"backoff_base_delay"`
	Strategy          string        `koanf:"strategy"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
	MonitoringWindow time.Duration `koanf:"monitoring_window"`
}

type HealthConfig struct {
	Interval       time.Duration `koanf:"interval"`
	Timeout        time.Duration `koanf:"timeout"`
	AlertThreshold int           `koanf:"alert_threshold"`
	HistorySize    int           `koanf:"history_size"`
}

type DiscoveryConfig struct {
	Enabled      bool          `koanf:"enabled"`
	AutoRegister bool          `koanf:"auto_register"`
	Endpoint     string        `koanf:"endpoint"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// Load builds configuration from defaults, an optional YAML file, and
// GATEWAY_-prefixed environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Gateway: GatewayConfig{
			DefaultTimeout:    10 * time.Second,
			DefaultMaxRetries: 3,
			BackoffBaseDelay:  100 * time.Millisecond,
			Strategy:          "adaptive",
			CacheTTL:          5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MonitoringWindow: 60 * time.Second,
		},
		Health: HealthConfig{
			Interval:       30 * time.Second,
			Timeout:        5 * time.Second,
			AlertThreshold: 3,
			HistorySize:    100,
		},
		Discovery: DiscoveryConfig{
			PollInterval: time.Hour,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional; a missing file is not an error.
	if path == "" {
		path = "configs/gateway.yaml"
	}
	_ = k.Load(file.Provider(path), yaml.Parser())

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "GATEWAY_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
