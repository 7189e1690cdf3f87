package config

import (
	"os"
	"testing"
	"time"

	"github.com/insien/insien/pkg/types"
)

// setRequired sets the vars without which Load refuses to start.
func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/insien")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.WSPort != 8081 {
		t.Errorf("expected ws port 8081, got %d", cfg.WSPort)
	}
	if cfg.PortRangeStart != 30000 || cfg.PortRangeEnd != 40000 {
		t.Errorf("expected port range 30000..40000, got %d..%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.StartupTimeout != 60*time.Second {
		t.Errorf("expected startup timeout 60s, got %v", cfg.StartupTimeout)
	}
	if cfg.CleanupInterval != 15*time.Minute {
		t.Errorf("expected cleanup interval 15m, got %v", cfg.CleanupInterval)
	}
	if cfg.AgentImage != "insien/agent:latest" {
		t.Errorf("expected default agent image, got %s", cfg.AgentImage)
	}
	if got := cfg.Tiers[types.TierFree].MaxSandboxes; got != 2 {
		t.Errorf("expected free tier cap 2, got %d", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9999")
	t.Setenv("WS_PORT", "9998")
	t.Setenv("AGENT_IMAGE", "insien/agent:v2")
	t.Setenv("PORT_RANGE_START", "20000")
	t.Setenv("PORT_RANGE_END", "20100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.WSPort != 9998 {
		t.Errorf("expected ws port 9998, got %d", cfg.WSPort)
	}
	if cfg.AgentImage != "insien/agent:v2" {
		t.Errorf("expected agent image insien/agent:v2, got %s", cfg.AgentImage)
	}
	if cfg.PortRangeStart != 20000 || cfg.PortRangeEnd != 20100 {
		t.Errorf("expected port range 20000..20100, got %d..%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	os.Unsetenv("JWT_SECRET")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing JWT_SECRET, got nil")
	}
}

func TestLoadInvalidPortRange(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT_RANGE_START", "40000")
	t.Setenv("PORT_RANGE_END", "30000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted port range, got nil")
	}
}

func TestLoadTierOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("FREE_MAX_SANDBOXES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if got := cfg.Tiers[types.TierFree].MaxSandboxes; got != 7 {
		t.Errorf("expected overridden free cap 7, got %d", got)
	}
	if got := cfg.Tiers[types.TierPro].MaxSandboxes; got != 5 {
		t.Errorf("expected pro cap untouched at 5, got %d", got)
	}
}

func TestLoadInvalidTierOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("FREE_MAX_SANDBOXES", "zero")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid tier override, got nil")
	}
}
