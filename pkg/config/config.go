package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all the configuration for the gateway.
// It is built once at start and passed by value; nothing mutates it afterwards.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type UpstreamConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`
	Mock           bool    `mapstructure:"mock"`
}

// Timeout is the per-request upstream deadline.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds * float64(time.Second))
}

type GatewayConfig struct {
	APIKey        string `mapstructure:"api_key"`
	DefaultPolicy string `mapstructure:"default_policy"`
	// EstimateStreamTokens fills usage for streamed traces from a local
	// tokenizer count of the prompt.
	EstimateStreamTokens bool `mapstructure:"estimate_stream_tokens"`
}

type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Flat environment names kept for deployments that predate the nested keys.
var legacyEnv = map[string]string{
	"upstream.base_url":        "COGNOS_UPSTREAM_BASE_URL",
	"upstream.api_key":         "COGNOS_UPSTREAM_API_KEY",
	"upstream.timeout_seconds": "COGNOS_REQUEST_TIMEOUT_SECONDS",
	"upstream.mock":            "COGNOS_MOCK_UPSTREAM",
	"gateway.api_key":          "COGNOS_GATEWAY_API_KEY",
	"gateway.default_policy":   "COGNOS_DEFAULT_POLICY",
	"storage.path":             "COGNOS_TRACE_DB",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout_seconds", 120)
	v.SetDefault("upstream.mock", false)
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.default_policy", "default_v1")
	v.SetDefault("gateway.estimate_stream_tokens", false)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.path", "data/traces.sqlite3")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests_per_second", 10.0)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads ./configs/config.yaml when present, then the environment.
func Load() (Config, error) {
	return LoadFrom("./configs")
}

// LoadFrom is Load with an explicit config directory. A missing file is not
// an error; every key has a default.
func LoadFrom(dir string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("COGNOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	// The mock toggle also accepts yes/no, which viper's bool decoding does not.
	v.Set("upstream.mock", truthy(v.GetString("upstream.mock")))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case BackendRedis:
		if !c.Redis.Enabled {
			return errors.New("storage.backend=redis requires redis.enabled")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be positive, got %g", c.Upstream.TimeoutSeconds)
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an http(s) URL", c.Upstream.BaseURL)
	}
	if c.Gateway.DefaultPolicy == "" {
		return errors.New("gateway.default_policy must not be empty")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("ratelimit requires positive requests_per_second and burst")
	}
	return nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
