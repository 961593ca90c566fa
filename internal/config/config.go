// Package config loads and validates the sidecar configuration from an
// optional YAML file with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Headers   HeaderConfig    `yaml:"headers"`
	Token     TokenConfig     `yaml:"token"`
	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type GatewayConfig struct {
	AdminURL   string `yaml:"admin_url"`
	AdminToken string `yaml:"admin_token"`
}

// HeaderConfig names the consumer-identifying headers the upstream gateway
// injects after authenticating the caller.
type HeaderConfig struct {
	ConsumerID       string `yaml:"consumer_id"`
	ConsumerUsername string `yaml:"consumer_username"`
	Anonymous        string `yaml:"anonymous"`
}

type TokenConfig struct {
	Authority  string `yaml:"authority"`
	Audience   string `yaml:"audience"`
	Issuer     string `yaml:"issuer"`
	KeyClaim   string `yaml:"key_claim"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type CacheConfig struct {
	StaleToleranceMinutes int    `yaml:"stale_tolerance_minutes"`
	HAMode                bool   `yaml:"ha_mode"`
	RedisAddr             string `yaml:"redis_addr"`
	RedisPassword         string `yaml:"redis_password"`
	RedisDB               int    `yaml:"redis_db"`
}

type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Per-operation overrides keyed by operation name. Zero fields keep
	// the built-in default for that operation.
	Overrides map[string]PolicyOverride `yaml:"overrides"`
}

type PolicyOverride struct {
	TimeoutMs             int    `yaml:"timeout_ms"`
	ErrorThresholdPercent int    `yaml:"error_threshold_percent"`
	ResetTimeoutMs        int    `yaml:"reset_timeout_ms"`
	VolumeThreshold       int    `yaml:"volume_threshold"`
	Fallback              string `yaml:"fallback"`
}

type TelemetryConfig struct {
	CardinalityMaxUnique    int    `yaml:"cardinality_max_unique"`
	CardinalityHashBuckets  int    `yaml:"cardinality_hash_buckets"`
	CardinalityResetMinutes int    `yaml:"cardinality_reset_minutes"`
	VolumeResetMinutes      int    `yaml:"volume_reset_minutes"`
	OTLPEndpoint            string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when neither file nor environment
// provides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			MaxBodyBytes: 10 << 20,
		},
		Headers: HeaderConfig{
			ConsumerID:       "x-consumer-id",
			ConsumerUsername: "x-consumer-username",
			Anonymous:        "x-anonymous-consumer",
		},
		Token: TokenConfig{
			KeyClaim:   "key",
			TTLMinutes: 15,
		},
		Cache: CacheConfig{
			StaleToleranceMinutes: 60,
		},
		Breaker: BreakerConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			CardinalityMaxUnique:    100,
			CardinalityHashBuckets:  50,
			CardinalityResetMinutes: 15,
			VolumeResetMinutes:      15,
		},
	}
}

// ShutdownTimeout bounds the drain of in-flight requests at termination.
const ShutdownTimeout = 30 * time.Second

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setInt64(&c.Server.MaxBodyBytes, "MAX_BODY_BYTES")

	setStr(&c.Gateway.AdminURL, "KONG_ADMIN_URL")
	setStr(&c.Gateway.AdminToken, "KONG_ADMIN_TOKEN")

	setStr(&c.Headers.ConsumerID, "CONSUMER_ID_HEADER")
	setStr(&c.Headers.ConsumerUsername, "CONSUMER_USERNAME_HEADER")
	setStr(&c.Headers.Anonymous, "ANONYMOUS_CONSUMER_HEADER")

	setStr(&c.Token.Authority, "JWT_AUTHORITY")
	setStr(&c.Token.Audience, "JWT_AUDIENCE")
	setStr(&c.Token.Issuer, "JWT_ISSUER")
	setStr(&c.Token.KeyClaim, "JWT_KEY_CLAIM")
	setInt(&c.Token.TTLMinutes, "JWT_TTL_MINUTES")

	setInt(&c.Cache.StaleToleranceMinutes, "STALE_TOLERANCE_MINUTES")
	setBool(&c.Cache.HAMode, "HA_MODE")
	setStr(&c.Cache.RedisAddr, "REDIS_ADDR")
	setStr(&c.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.Cache.RedisDB, "REDIS_DB")

	setBool(&c.Breaker.Enabled, "CIRCUIT_BREAKER_ENABLED")

	setInt(&c.Telemetry.CardinalityMaxUnique, "CARDINALITY_MAX_UNIQUE")
	setInt(&c.Telemetry.CardinalityHashBuckets, "CARDINALITY_HASH_BUCKETS")
	setInt(&c.Telemetry.CardinalityResetMinutes, "CARDINALITY_RESET_MINUTES")
	setInt(&c.Telemetry.VolumeResetMinutes, "VOLUME_RESET_MINUTES")
	setStr(&c.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
}

// Validate enforces the startup invariants. A failure here must abort the
// process before it accepts requests.
func (c *Config) Validate() error {
	if c.Gateway.AdminURL == "" {
		return fmt.Errorf("config: gateway admin URL is required (KONG_ADMIN_URL)")
	}
	if !strings.HasPrefix(c.Gateway.AdminURL, "http://") && !strings.HasPrefix(c.Gateway.AdminURL, "https://") {
		return fmt.Errorf("config: gateway admin URL %q must be http(s)", c.Gateway.AdminURL)
	}
	if c.Token.Issuer == "" {
		return fmt.Errorf("config: token issuer is required (JWT_ISSUER)")
	}
	if c.Token.Audience == "" {
		return fmt.Errorf("config: token audience is required (JWT_AUDIENCE)")
	}
	if c.Token.TTLMinutes <= 0 {
		return fmt.Errorf("config: token TTL must be positive, got %d", c.Token.TTLMinutes)
	}
	if c.Cache.StaleToleranceMinutes <= 0 {
		return fmt.Errorf("config: stale tolerance must be positive, got %d", c.Cache.StaleToleranceMinutes)
	}
	if c.Cache.HAMode && c.Cache.RedisAddr == "" {
		return fmt.Errorf("config: HA mode requires a redis address (REDIS_ADDR)")
	}
	if c.Telemetry.CardinalityMaxUnique <= 0 || c.Telemetry.CardinalityHashBuckets <= 0 {
		return fmt.Errorf("config: cardinality limits must be positive")
	}
	for op, ov := range c.Breaker.Overrides {
		switch ov.Fallback {
		case "", "deny", "cache", "graceful_degradation":
		default:
			return fmt.Errorf("config: unknown fallback strategy %q for operation %s", ov.Fallback, op)
		}
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
