package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/insien/insien/pkg/types"
)

// Config holds all configuration for the insien orchestrator.
type Config struct {
	Port   int // HTTP control API port
	WSPort int // WebSocket RPC port (agent + client sessions)

	// Dependencies
	DatabaseURL string // PostgreSQL connection string
	RedisURL    string // Redis connection string
	NATSURL     string // optional; lifecycle events disabled when empty

	// Auth
	JWTSecret string // shared secret for user and agent JWTs

	// Containers
	AgentImage       string // image started for every sandbox
	OrchestratorHost string // host advertised in agent and port URLs
	StartupTimeout   time.Duration

	// Port exposure range (inclusive start, exclusive end)
	PortRangeStart int
	PortRangeEnd   int

	// Background cleanup
	CleanupInterval time.Duration

	// Global quota caps (per-user caps come from the tier table)
	MaxSandboxesPerKey int
	MaxSandboxesSystem int

	// Tier table with per-deployment cap overrides applied
	Tiers map[types.Tier]types.TierLimits
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   envOrDefaultInt("PORT", 8080),
		WSPort: envOrDefaultInt("WS_PORT", 8081),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		NATSURL:     os.Getenv("NATS_URL"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		AgentImage:       envOrDefault("AGENT_IMAGE", "insien/agent:latest"),
		OrchestratorHost: envOrDefault("ORCHESTRATOR_HOST", "localhost"),
		StartupTimeout:   time.Duration(envOrDefaultInt("CONTAINER_STARTUP_TIMEOUT", 60)) * time.Second,

		PortRangeStart: envOrDefaultInt("PORT_RANGE_START", 30000),
		PortRangeEnd:   envOrDefaultInt("PORT_RANGE_END", 40000),

		CleanupInterval: time.Duration(envOrDefaultInt("CLEANUP_INTERVAL_MINUTES", 15)) * time.Minute,

		MaxSandboxesPerKey: envOrDefaultInt("MAX_SANDBOXES_PER_KEY", 10),
		MaxSandboxesSystem: envOrDefaultInt("MAX_SANDBOXES_SYSTEM", 200),

		Tiers: types.Tiers(),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd <= cfg.PortRangeStart {
		return nil, fmt.Errorf("invalid port range %d..%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}

	// Per-tier sandbox cap overrides, e.g. FREE_MAX_SANDBOXES=4.
	for tier, envKey := range map[types.Tier]string{
		types.TierFree:       "FREE_MAX_SANDBOXES",
		types.TierPro:        "PRO_MAX_SANDBOXES",
		types.TierEnterprise: "ENTERPRISE_MAX_SANDBOXES",
	} {
		if v := os.Getenv(envKey); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid %s %q", envKey, v)
			}
			limits := cfg.Tiers[tier]
			limits.MaxSandboxes = n
			cfg.Tiers[tier] = limits
		}
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
