// Package config loads the relay's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream AI service WebSocket endpoint. The per-session path is
	// derived from this base as <UpstreamURL>/<sessionId>.
	UpstreamURL string

	// HMAC secret for verifying client JWTs. Empty disables auth, which is
	// only acceptable for local development.
	JWTSecret string

	// Messages buffered on the client leg while the upstream socket is
	// still connecting. Overflow closes the session.
	StartupQueueLimit int

	// Largest accepted client frame (binary audio or JSON control).
	MaxFrameBytes int64

	UpstreamHandshakeTimeout time.Duration
	WSWriteTimeout           time.Duration
	WSPingInterval           time.Duration

	// Registry entries older than this are reaped even if the close
	// handler never ran.
	SessionTTL        time.Duration
	SessionSweepEvery time.Duration

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("LINGZHI_RELAY_ADDR", ":8081"),
		UpstreamURL:              envOr("LINGZHI_UPSTREAM_WS_URL", ""),
		JWTSecret:                strings.TrimSpace(os.Getenv("LINGZHI_JWT_SECRET")),
		StartupQueueLimit:        envIntOr("LINGZHI_STARTUP_QUEUE_LIMIT", 256),
		MaxFrameBytes:            envInt64Or("LINGZHI_MAX_FRAME_BYTES", 1<<20), // 1 MiB
		UpstreamHandshakeTimeout: envDurationOr("LINGZHI_UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:           envDurationOr("LINGZHI_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:           envDurationOr("LINGZHI_WS_PING_INTERVAL", 20*time.Second),
		SessionTTL:               envDurationOr("LINGZHI_SESSION_TTL", 2*time.Hour),
		SessionSweepEvery:        envDurationOr("LINGZHI_SESSION_SWEEP_INTERVAL", time.Minute),
		ShutdownGracePeriod:      envDurationOr("LINGZHI_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("LINGZHI_UPSTREAM_WS_URL must be set")
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return Config{}, fmt.Errorf("LINGZHI_UPSTREAM_WS_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Config{}, fmt.Errorf("LINGZHI_UPSTREAM_WS_URL must use ws:// or wss://")
	}
	if cfg.StartupQueueLimit <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_STARTUP_QUEUE_LIMIT must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_WS_PING_INTERVAL must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_SESSION_TTL must be > 0")
	}
	if cfg.SessionSweepEvery <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_SESSION_SWEEP_INTERVAL must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("LINGZHI_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
