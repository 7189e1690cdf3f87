package docker

import (
	"slices"
	"testing"

	"github.com/insien/insien/pkg/types"
)

func testSpec() Spec {
	return Spec{
		SandboxID:       "sbx-1",
		Image:           "insien/agent:latest",
		Tier:            types.TierFree,
		Limits:          types.ResourceLimits{MemoryMB: 512, CPUShares: 512, StorageMB: 1024},
		AgentToken:      "tok",
		OrchestratorURL: "ws://localhost:8081",
	}
}

func TestComposeSpecEnv(t *testing.T) {
	cfg, _ := composeSpec(testSpec())

	want := []string{
		"ORCHESTRATOR_URL=ws://localhost:8081",
		"AGENT_TOKEN=tok",
		"SANDBOX_ID=sbx-1",
		"SANDBOX_TIER=free",
		"SANDBOX_MEMORY_MB=512",
		"SANDBOX_CPU_SHARES=512",
	}
	for _, kv := range want {
		if !slices.Contains(cfg.Env, kv) {
			t.Errorf("env missing %q, got %v", kv, cfg.Env)
		}
	}
	if cfg.WorkingDir != "/app" {
		t.Errorf("expected workdir /app, got %s", cfg.WorkingDir)
	}
}

func TestComposeSpecLabels(t *testing.T) {
	cfg, _ := composeSpec(testSpec())

	if cfg.Labels[LabelSandboxID] != "sbx-1" {
		t.Errorf("expected sandbox id label, got %v", cfg.Labels)
	}
	if cfg.Labels[LabelTier] != "free" {
		t.Errorf("expected tier label free, got %q", cfg.Labels[LabelTier])
	}
	if cfg.Labels[LabelCreated] == "" {
		t.Error("expected created-at label")
	}
}

func TestComposeSpecResources(t *testing.T) {
	_, host := composeSpec(testSpec())

	mem := int64(512 * 1024 * 1024)
	if host.Memory != mem {
		t.Errorf("expected memory %d, got %d", mem, host.Memory)
	}
	if host.MemorySwap != mem {
		t.Errorf("swap must equal memory (disabled), got %d", host.MemorySwap)
	}
	if host.MemoryReservation != mem/2 {
		t.Errorf("expected reservation %d, got %d", mem/2, host.MemoryReservation)
	}
	if host.CPUShares != 512 {
		t.Errorf("expected 512 cpu shares, got %d", host.CPUShares)
	}
	if host.CPUPeriod != 100_000 {
		t.Errorf("expected cpu period 100000, got %d", host.CPUPeriod)
	}
	// 512 shares = half a CPU worth of quota.
	if host.CPUQuota != 50_000 {
		t.Errorf("expected cpu quota 50000, got %d", host.CPUQuota)
	}
	if host.PidsLimit == nil || *host.PidsLimit != 256 {
		t.Errorf("expected pids limit 256, got %v", host.PidsLimit)
	}
}

func TestComposeSpecHardening(t *testing.T) {
	_, host := composeSpec(testSpec())

	if !slices.Contains(host.SecurityOpt, "no-new-privileges:true") {
		t.Errorf("expected no-new-privileges, got %v", host.SecurityOpt)
	}
	if host.Tmpfs["/tmp"] != "rw,exec,size=128m" {
		t.Errorf("unexpected /tmp tmpfs options: %q", host.Tmpfs["/tmp"])
	}
	if host.Tmpfs["/var/tmp"] != "rw,noexec,size=32m" {
		t.Errorf("unexpected /var/tmp tmpfs options: %q", host.Tmpfs["/var/tmp"])
	}
	if host.ShmSize != 64*1024*1024 {
		t.Errorf("expected 64MiB shm, got %d", host.ShmSize)
	}
	if len(host.DNS) != 2 || host.DNS[0] != "1.1.1.1" {
		t.Errorf("unexpected DNS servers: %v", host.DNS)
	}
	if host.RestartPolicy.Name != "no" {
		t.Errorf("sandboxes must not restart, got policy %q", host.RestartPolicy.Name)
	}

	var nofile, nproc bool
	for _, u := range host.Ulimits {
		switch u.Name {
		case "nofile":
			nofile = u.Soft == 4096 && u.Hard == 8192
		case "nproc":
			nproc = u.Soft == 256 && u.Hard == 512
		}
	}
	if !nofile || !nproc {
		t.Errorf("unexpected ulimits: %+v", host.Ulimits)
	}
}

func TestContainerAndVolumeNames(t *testing.T) {
	if got := ContainerName("abc"); got != "sandbox-abc" {
		t.Errorf("ContainerName: got %q", got)
	}
	if got := VolumeName("abc"); got != "sandbox-data-abc" {
		t.Errorf("VolumeName: got %q", got)
	}
}
