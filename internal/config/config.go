// Package config resolves gateway configuration from the environment.
//
// Two settings are hard requirements: SIGNING_SECRET and GATEWAY_PRIVATE_KEY.
// A process missing either must exit with code 1. Policy enforcement cannot
// be disabled: FF_POLICY=off is a configuration error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// UpstreamMode selects how tool adapters execute.
type UpstreamMode string

const (
	ModeLive UpstreamMode = "live"
	ModeMock UpstreamMode = "mock"
)

// Exit codes used by cmd/gateway.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitStoreError  = 2
)

// Config is the resolved gateway configuration.
type Config struct {
	Port string

	// Token signing and encryption
	SigningSecret         string
	PreviousSigningSecret string // accepted during rotation, may be empty
	GatewayPrivateKeyPEM  string
	MaxTokenLifetime      time.Duration
	RotationThreshold     time.Duration

	UpstreamMode UpstreamMode

	// Feature flags. Policy enforcement is always on; there is no flag to
	// turn it off and attempting to is rejected by Validate.
	CacheEnabled    bool
	RetryEnabled    bool
	BreakersEnabled bool
	ChaosEnabled    bool

	// Pipeline tuning
	HTTPTimeout       time.Duration
	RatePerMinute     int
	ToolRatePerMinute int // 0 disables the per-(agent,tool) tier
	CacheCapacity     int
	CacheTTLs         map[string]time.Duration // "tool:action" -> TTL
	RetryMaxAttempts  int
	RetryBaseBackoff  time.Duration
	BreakerThreshold  int
	BreakerWindow     time.Duration
	BreakerOpenFor    time.Duration
	BreakerProbes     int
	IdempotencyTTL    time.Duration
	SSEMaxStreams     int
	SSEHeartbeat      time.Duration
	RunIdleTTL        time.Duration // idle runs and their streams are swept after this
	DefaultTimezone   string

	// Chaos injection (only consulted when ChaosEnabled)
	ChaosLatencyPct float64
	ChaosErrorPct   float64
	ChaosTimeoutPct float64
	ChaosLatency    time.Duration

	// Stores. Empty values select the in-memory fallbacks.
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from the environment. It does not validate;
// call Validate before wiring anything.
func Load() *Config {
	cfg := &Config{
		Port:                  envOr("PORT", "8080"),
		SigningSecret:         os.Getenv("SIGNING_SECRET"),
		PreviousSigningSecret: os.Getenv("SIGNING_SECRET_PREVIOUS"),
		GatewayPrivateKeyPEM:  os.Getenv("GATEWAY_PRIVATE_KEY"),
		MaxTokenLifetime:      envDuration("MAX_TOKEN_LIFETIME_MS", 24*time.Hour),
		RotationThreshold:     envDuration("TOKEN_ROTATION_THRESHOLD_MS", 10*time.Minute),
		UpstreamMode:          UpstreamMode(envOr("UPSTREAM_MODE", string(ModeMock))),
		CacheEnabled:          envFlag("FF_CACHE", true),
		RetryEnabled:          envFlag("FF_RETRY", true),
		BreakersEnabled:       envFlag("FF_BREAKERS", true),
		ChaosEnabled:          envFlag("FF_CHAOS", false),
		HTTPTimeout:           envDuration("HTTP_TIMEOUT_MS", 6*time.Second),
		RatePerMinute:         envInt("RATE_LIMIT_PER_MINUTE", 5),
		ToolRatePerMinute:     envInt("RATE_LIMIT_TOOL_PER_MINUTE", 0),
		CacheCapacity:         envInt("CACHE_CAPACITY", 1024),
		CacheTTLs:             loadCacheTTLs(),
		RetryMaxAttempts:      envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseBackoff:      envDuration("RETRY_BASE_BACKOFF_MS", 50*time.Millisecond),
		BreakerThreshold:      envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerWindow:         envDuration("BREAKER_WINDOW_MS", 60*time.Second),
		BreakerOpenFor:        envDuration("BREAKER_OPEN_MS", 30*time.Second),
		BreakerProbes:         envInt("BREAKER_HALF_OPEN_PROBES", 1),
		IdempotencyTTL:        envDuration("IDEMPOTENCY_TTL_MS", 24*time.Hour),
		SSEMaxStreams:         envInt("SSE_MAX_STREAMS", 64),
		SSEHeartbeat:          envDuration("SSE_HEARTBEAT_MS", 15*time.Second),
		RunIdleTTL:            envDuration("RUN_IDLE_TTL_MS", 30*time.Minute),
		DefaultTimezone:       envOr("DEFAULT_TIMEZONE", "UTC"),
		ChaosLatencyPct:       envFloat("CHAOS_LATENCY_PCT", 0),
		ChaosErrorPct:         envFloat("CHAOS_ERROR_PCT", 0),
		ChaosTimeoutPct:       envFloat("CHAOS_TIMEOUT_PCT", 0),
		ChaosLatency:          envDuration("CHAOS_LATENCY_MS", 500*time.Millisecond),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               envInt("REDIS_DB", 0),
	}
	return cfg
}

// Validate checks the hard requirements. Errors returned here map to exit
// code 1 in cmd/gateway.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return errors.New("SIGNING_SECRET is required")
	}
	if c.GatewayPrivateKeyPEM == "" {
		return errors.New("GATEWAY_PRIVATE_KEY is required")
	}
	if c.UpstreamMode != ModeLive && c.UpstreamMode != ModeMock {
		return fmt.Errorf("UPSTREAM_MODE must be live or mock, got %q", c.UpstreamMode)
	}
	// Policy enforcement is mandatory. The flag only exists so that an
	// explicit "off" fails loudly instead of silently allowing everything.
	if v, ok := os.LookupEnv("FF_POLICY"); ok && !parseFlag(v, true) {
		return errors.New("FF_POLICY=off is not permitted: policy enforcement is mandatory")
	}
	if c.IdempotencyTTL < 24*time.Hour {
		return fmt.Errorf("IDEMPOTENCY_TTL_MS must be at least 24h, got %s", c.IdempotencyTTL)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE invalid: %w", err)
	}
	return nil
}

// CacheTTL returns the TTL for a (tool, action) pair. Unlisted pairs get
// zero, which the cache treats as uncacheable.
func (c *Config) CacheTTL(tool, action string) time.Duration {
	return c.CacheTTLs[tool+":"+action]
}

// loadCacheTTLs seeds the default TTL table and applies
// CACHE_TTL_<TOOL>_<ACTION> (milliseconds) overrides from the environment.
func loadCacheTTLs() map[string]time.Duration {
	ttls := map[string]time.Duration{
		"serpapi:search":    60 * time.Second,
		"http_fetch:get":    60 * time.Second,
		"llm_chat:complete": 0,
		"gmail_send:send":   0,
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "CACHE_TTL_") {
			continue
		}
		ms, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		// CACHE_TTL_SERPAPI_SEARCH=30000 -> serpapi:search
		pair := strings.ToLower(strings.TrimPrefix(name, "CACHE_TTL_"))
		if i := strings.LastIndex(pair, "_"); i > 0 {
			ttls[pair[:i]+":"+pair[i+1:]] = time.Duration(ms) * time.Millisecond
		}
	}
	return ttls
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// envDuration reads an integer millisecond value.
func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envFlag(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return parseFlag(v, def)
}

func parseFlag(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	case "off", "false", "0", "no":
		return false
	}
	return def
}
