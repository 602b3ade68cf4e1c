package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the podgate control plane.
// All three binaries (gateway, worker, reaper) load the same struct;
// each uses the subset it needs.
type Config struct {
	Port    int    // Gateway ingress port
	OpsAddr string // Health + metrics listener (separate from ingress so the catch-all route is not shadowed)

	// State store (Redis)
	RedisAddr     string
	RedisPassword string

	// Message broker (NATS JetStream)
	NATSURL      string
	NATSUser     string
	NATSPassword string

	// Sandbox pods
	Namespace    string // Kubernetes namespace for session pods
	SandboxImage string // Container image for session pods
	SandboxPort  int    // Port the sandbox container listens on

	// Timing
	IdleTimeout   time.Duration // Reaper evicts sessions idle longer than this
	LongPollBound time.Duration // Gateway gives up waiting for "ready" after this
	PollInterval  time.Duration // Gateway re-reads session status at this interval
	ReapPeriod    time.Duration // Reaper tick period
	ProxyTimeout  time.Duration // End-to-end deadline for one proxied request
	WatchTimeout  time.Duration // Worker gives up waiting for a pod address after this
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    8080,
		OpsAddr: envOrDefault("PODGATE_OPS_ADDR", ":9090"),

		RedisAddr:     envOrDefault("PODGATE_REDIS_ADDR", "redis-master:6379"),
		RedisPassword: os.Getenv("PODGATE_REDIS_PASSWORD"),

		NATSURL:      envOrDefault("PODGATE_NATS_URL", "nats://localhost:4222"),
		NATSUser:     os.Getenv("PODGATE_NATS_USER"),
		NATSPassword: os.Getenv("PODGATE_NATS_PASSWORD"),

		Namespace:    envOrDefault("PODGATE_NAMESPACE", "default"),
		SandboxImage: envOrDefault("PODGATE_SANDBOX_IMAGE", "httpd:2.4-alpine"),
		SandboxPort:  envOrDefaultInt("PODGATE_SANDBOX_PORT", 80),

		IdleTimeout:   envOrDefaultDuration("PODGATE_IDLE_TIMEOUT", 600*time.Second),
		LongPollBound: envOrDefaultDuration("PODGATE_LONG_POLL_BOUND", 90*time.Second),
		PollInterval:  envOrDefaultDuration("PODGATE_POLL_INTERVAL", 500*time.Millisecond),
		ReapPeriod:    envOrDefaultDuration("PODGATE_REAP_PERIOD", 60*time.Second),
		ProxyTimeout:  envOrDefaultDuration("PODGATE_PROXY_TIMEOUT", 60*time.Second),
		WatchTimeout:  envOrDefaultDuration("PODGATE_WATCH_TIMEOUT", 60*time.Second),
	}

	if portStr := os.Getenv("PODGATE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PODGATE_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.SandboxPort < 1 || cfg.SandboxPort > 65535 {
		return nil, fmt.Errorf("invalid PODGATE_SANDBOX_PORT %d", cfg.SandboxPort)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are taken as seconds, matching deployment
		// manifests that predate duration-formatted values.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
