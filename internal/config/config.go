// Package config loads the service configuration: YAML file over defaults,
// environment variables over both for deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPConfig holds the listener knobs.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds cache connectivity. An empty Addr disables redis and
// the local tier serves alone.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds preferences persistence. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// CacheConfig holds TTLs and the local tier bound.
type CacheConfig struct {
	SlateTTL        time.Duration `yaml:"slate_ttl"`
	ProfileTTL      time.Duration `yaml:"profile_ttl"`
	LocalMaxEntries int           `yaml:"local_max_entries"`
}

// StreamConfig holds the live-update hub knobs.
type StreamConfig struct {
	QueueSize     int `yaml:"queue_size"`
	MsgsPerSecond int `yaml:"msgs_per_second"`
}

// FanoutConfig holds the fan-out worker knobs.
type FanoutConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// UpstreamConfig points at the collaborating services.
type UpstreamConfig struct {
	NoteServiceURL  string        `yaml:"note_service_url"`
	GraphServiceURL string        `yaml:"graph_service_url"`
	OverdriveURL    string        `yaml:"overdrive_url"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Cache    CacheConfig    `yaml:"cache"`
	Stream   StreamConfig   `yaml:"stream"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Upstream UpstreamConfig `yaml:"upstream"`
	RateRPM  int            `yaml:"rate_rpm"`
	// AuthToken is only read from the environment, never from the file.
	AuthToken string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Cache: CacheConfig{
			SlateTTL:        5 * time.Minute,
			ProfileTTL:      time.Hour,
			LocalMaxEntries: 10000,
		},
		Stream: StreamConfig{
			QueueSize:     256,
			MsgsPerSecond: 5,
		},
		Fanout: FanoutConfig{
			QueueSize:   1024,
			MaxAttempts: 3,
			BaseBackoff: 100 * time.Millisecond,
		},
		Upstream: UpstreamConfig{
			Timeout: 3 * time.Second,
		},
		RateRPM: 600,
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv maps deployment environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TIMELINE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("NOTE_SERVICE_URL"); v != "" {
		cfg.Upstream.NoteServiceURL = v
	}
	if v := os.Getenv("GRAPH_SERVICE_URL"); v != "" {
		cfg.Upstream.GraphServiceURL = v
	}
	if v := os.Getenv("OVERDRIVE_URL"); v != "" {
		cfg.Upstream.OverdriveURL = v
	}
	cfg.AuthToken = os.Getenv("TIMELINE_AUTH_TOKEN")
}
