// Package sandbox orchestrates the full sandbox lifecycle: quota admission,
// container creation, port exposure, stats, teardown and one-shot code
// execution. It owns the consistency between the persistent row and the
// live record.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/google/uuid"

	"github.com/insien/insien/internal/auth"
	"github.com/insien/insien/internal/config"
	"github.com/insien/insien/internal/db"
	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/metrics"
	"github.com/insien/insien/internal/ports"
	"github.com/insien/insien/internal/quota"
	"github.com/insien/insien/internal/redis"
	"github.com/insien/insien/pkg/types"
)

// agentTokenTTL outlives the longest tier lifetime so an agent never holds
// an expired token while its sandbox is still valid.
const agentTokenTTL = 72 * time.Hour

// Runtime is the slice of the container manager the lifecycle drives.
type Runtime interface {
	CreateAndStart(ctx context.Context, spec docker.Spec, startupTimeout time.Duration) (string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	RemoveVolume(ctx context.Context, sandboxID string) error
	Inspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	Stats(ctx context.Context, containerID string) (*types.SandboxStats, error)
}

// Persistence is the authoritative-store slice used for lifecycle rows.
type Persistence interface {
	InsertSandbox(ctx context.Context, id, userID, credentialID uuid.UUID, metadata map[string]string) (*db.Sandbox, error)
	GetSandboxByID(ctx context.Context, id uuid.UUID) (*db.Sandbox, error)
	UpdateSandboxStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Fabric is the hub slice used for lifecycle teardown and execute RPCs.
type Fabric interface {
	HasAgent(sandboxID string) bool
	WaitForAgent(ctx context.Context, sandboxID string, timeout time.Duration) bool
	CloseAll(sandboxID string)
	Call(ctx context.Context, sandboxID, requestID string, raw []byte) ([]byte, error)
}

// EventSink receives lifecycle notifications. Implementations must not
// block; failures are theirs to log.
type EventSink interface {
	Created(live *types.SandboxLive)
	Destroyed(sandboxID, userID string, tier types.Tier)
	Expired(sandboxID, userID string, tier types.Tier)
}

// Deps wires a Manager. All fields are required.
type Deps struct {
	Config  *config.Config
	Runtime Runtime
	Store   Persistence
	Live    *redis.Store
	Quota   *quota.Manager
	Ports   *ports.Allocator
	Exposer *ports.Exposer
	Hub     Fabric
	Issuer  *auth.Issuer
	Events  EventSink
}

// Manager coordinates sandbox operations across the container runtime, both
// stores, the port allocator and the RPC hub.
type Manager struct {
	cfg     *config.Config
	runtime Runtime
	store   Persistence
	live    *redis.Store
	quota   *quota.Manager
	ports   *ports.Allocator
	exposer *ports.Exposer
	hub     Fabric
	issuer  *auth.Issuer
	events  EventSink

	mu       sync.Mutex
	exposing map[string]*sync.Mutex
}

func NewManager(d Deps) *Manager {
	return &Manager{
		cfg:      d.Config,
		runtime:  d.Runtime,
		store:    d.Store,
		live:     d.Live,
		quota:    d.Quota,
		ports:    d.Ports,
		exposer:  d.Exposer,
		hub:      d.Hub,
		issuer:   d.Issuer,
		events:   d.Events,
		exposing: make(map[string]*sync.Mutex),
	}
}

// Create provisions a sandbox for an API caller.
func (m *Manager) Create(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier) (*types.CreateSandboxResponse, error) {
	return m.create(ctx, userID, credentialID, tier, false)
}

func (m *Manager) create(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier, allowUnauthenticated bool) (*types.CreateSandboxResponse, error) {
	limits, ok := m.cfg.Tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if err := m.quota.Admit(ctx, userID, credentialID, tier); err != nil {
		return nil, err
	}

	id := uuid.New()
	sandboxID := id.String()
	token, err := m.issuer.IssueAgentToken(sandboxID, userID.String(), tier, agentTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint agent token: %w", err)
	}

	rl := types.ResourceLimits{
		MemoryMB:  limits.MemoryMB,
		CPUShares: limits.CPUShares,
		StorageMB: limits.StorageMB,
	}
	spec := docker.Spec{
		SandboxID:       sandboxID,
		Image:           m.cfg.AgentImage,
		Tier:            tier,
		Limits:          rl,
		AgentToken:      token,
		OrchestratorURL: m.wsBase(),
	}

	start := time.Now()
	containerID, err := m.runtime.CreateAndStart(ctx, spec, m.cfg.StartupTimeout)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(limits.Lifetime)
	metadata := map[string]string{"tier": string(tier), "image": m.cfg.AgentImage}
	if _, err := m.store.InsertSandbox(ctx, id, userID, credentialID, metadata); err != nil {
		m.scrapContainer(sandboxID, containerID)
		return nil, fmt.Errorf("persist sandbox: %w", err)
	}

	live := &types.SandboxLive{
		SandboxID:            sandboxID,
		UserID:               userID.String(),
		CredentialID:         credentialID.String(),
		ContainerID:          containerID,
		Tier:                 tier,
		Image:                m.cfg.AgentImage,
		CreatedAt:            now,
		ExpiresAt:            expiresAt,
		Limits:               rl,
		AllowUnauthenticated: allowUnauthenticated,
	}
	if err := m.live.PutLive(ctx, live, limits.Lifetime); err != nil {
		// The row exists but the live record does not: roll the row forward
		// to destroyed so the sandbox never reads as active.
		m.scrapContainer(sandboxID, containerID)
		if uerr := m.store.UpdateSandboxStatus(ctx, id, db.StatusDestroyed); uerr != nil {
			log.Printf("sandbox: marking %s destroyed after failed live write: %v", sandboxID, uerr)
		}
		return nil, fmt.Errorf("record live sandbox: %w", err)
	}

	metrics.SandboxesCreatedTotal.WithLabelValues(string(tier)).Inc()
	metrics.SandboxCreateDuration.WithLabelValues(string(tier)).Observe(time.Since(start).Seconds())
	m.events.Created(live)
	log.Printf("sandbox: created %s tier=%s expires=%s", sandboxID, tier, expiresAt.Format(time.RFC3339))

	return &types.CreateSandboxResponse{
		SandboxID:      sandboxID,
		AgentURL:       m.clientURL(sandboxID),
		Tier:           tier,
		ResourceLimits: rl,
		ExpiresAt:      expiresAt,
	}, nil
}

// scrapContainer tears down a container that never became a sandbox.
func (m *Manager) scrapContainer(sandboxID, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.runtime.Stop(ctx, containerID); err != nil {
		log.Printf("sandbox: stopping partial container for %s: %v", sandboxID, err)
	}
	if err := m.runtime.Remove(ctx, containerID); err != nil {
		log.Printf("sandbox: removing partial container for %s: %v", sandboxID, err)
	}
}

// Destroy tears down an active sandbox owned by userID. A second call for
// the same id reports ErrNotFound: the handle is spent.
func (m *Manager) Destroy(ctx context.Context, userID uuid.UUID, sandboxID string) error {
	row, err := m.loadOwned(ctx, userID, sandboxID)
	if err != nil {
		return err
	}
	if row.Status != db.StatusActive {
		return ErrNotFound
	}
	return m.teardown(ctx, row, db.StatusDestroyed)
}

// destroyByID is Destroy without the ownership gate, for internal cleanup.
// Gone or already-terminal sandboxes are not an error.
func (m *Manager) destroyByID(ctx context.Context, id uuid.UUID) error {
	row, err := m.store.GetSandboxByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load sandbox: %w", err)
	}
	if row.Status != db.StatusActive {
		return nil
	}
	return m.teardown(ctx, row, db.StatusDestroyed)
}

// Expire runs the teardown sequence for a sandbox whose lifetime elapsed,
// marking the row expired instead of destroyed. Used by the reaper.
func (m *Manager) Expire(ctx context.Context, row *db.Sandbox) error {
	if row.Status != db.StatusActive {
		return nil
	}
	return m.teardown(ctx, row, db.StatusExpired)
}

// teardown releases everything a sandbox holds. Steps before the status
// update tolerate already-gone resources so a retry can finish a partially
// failed earlier attempt; the status update itself is the only fatal step
// besides purging the live record.
func (m *Manager) teardown(ctx context.Context, row *db.Sandbox, status string) error {
	sandboxID := row.ID.String()

	containerRef := docker.ContainerName(sandboxID)
	tier := types.Tier("")
	live, err := m.live.GetLive(ctx, sandboxID)
	switch {
	case err == nil:
		containerRef = live.ContainerID
		tier = live.Tier
	case !errors.Is(err, redis.ErrNotFound):
		log.Printf("sandbox: reading live record for %s: %v", sandboxID, err)
	}

	m.hub.CloseAll(sandboxID)

	if err := m.runtime.Stop(ctx, containerRef); err != nil {
		log.Printf("sandbox: stopping container for %s: %v", sandboxID, err)
	}
	if err := m.runtime.Remove(ctx, containerRef); err != nil {
		log.Printf("sandbox: removing container for %s: %v", sandboxID, err)
	}
	if err := m.ports.ReleaseAll(ctx, sandboxID); err != nil {
		log.Printf("sandbox: releasing ports for %s: %v", sandboxID, err)
	}
	if err := m.runtime.RemoveVolume(ctx, sandboxID); err != nil {
		log.Printf("sandbox: removing volume for %s: %v", sandboxID, err)
	}

	// The live record goes before the status flips: a live key must never
	// point at a non-active row.
	if err := m.live.DeleteLive(ctx, sandboxID); err != nil {
		return fmt.Errorf("purge live record: %w", err)
	}
	if err := m.store.UpdateSandboxStatus(ctx, row.ID, status); err != nil {
		return fmt.Errorf("mark sandbox %s: %w", status, err)
	}

	m.mu.Lock()
	delete(m.exposing, sandboxID)
	m.mu.Unlock()

	switch status {
	case db.StatusExpired:
		metrics.SandboxesExpiredTotal.Inc()
		m.events.Expired(sandboxID, row.UserID.String(), tier)
	default:
		metrics.SandboxesDestroyedTotal.Inc()
		m.events.Destroyed(sandboxID, row.UserID.String(), tier)
	}
	log.Printf("sandbox: %s %s", status, sandboxID)
	return nil
}

// Status reports the persistent status alongside the observable runtime
// state. Works on terminal sandboxes too; their container reads as missing.
func (m *Manager) Status(ctx context.Context, userID uuid.UUID, sandboxID string) (*types.SandboxStatusResponse, error) {
	row, err := m.loadOwned(ctx, userID, sandboxID)
	if err != nil {
		return nil, err
	}

	resp := &types.SandboxStatusResponse{
		SandboxID: sandboxID,
		Status:    row.Status,
		CreatedAt: row.CreatedAt,
		Connected: m.hub.HasAgent(sandboxID),
	}

	containerRef := docker.ContainerName(sandboxID)
	if live, err := m.live.GetLive(ctx, sandboxID); err == nil {
		containerRef = live.ContainerID
	}
	info, err := m.runtime.Inspect(ctx, containerRef)
	switch {
	case err == nil && info.State != nil:
		resp.ContainerStatus = info.State.Status
	case docker.IsNotFound(err):
		resp.ContainerStatus = "missing"
	default:
		if err != nil {
			log.Printf("sandbox: inspecting container for %s: %v", sandboxID, err)
		}
		resp.ContainerStatus = "unknown"
	}
	return resp, nil
}

// Expose allocates (or reuses) a host port for containerPort and recreates
// the container with the binding added. Calls for one sandbox are
// serialized; concurrent exposes of different sandboxes proceed in
// parallel.
func (m *Manager) Expose(ctx context.Context, userID uuid.UUID, sandboxID string, containerPort int) (*types.ExposePortResponse, error) {
	row, err := m.loadOwned(ctx, userID, sandboxID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.StatusActive {
		return nil, ErrNotFound
	}
	live, err := m.live.GetLive(ctx, sandboxID)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read live record: %w", err)
	}
	ttl := time.Until(live.ExpiresAt)
	if ttl <= 0 {
		return nil, ErrNotFound
	}

	lock := m.exposeLock(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	res, err := m.exposer.Expose(ctx, sandboxID, live.ContainerID, containerPort, ttl)
	if err != nil {
		var failed *ports.ExposeFailedError
		if errors.As(err, &failed) {
			// Recreation was interrupted; the container state is undefined.
			log.Printf("sandbox: expose left %s in an undefined state, destroying: %v", sandboxID, err)
			dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if derr := m.teardown(dctx, row, db.StatusDestroyed); derr != nil {
				log.Printf("sandbox: destroying %s after failed expose: %v", sandboxID, derr)
			}
			cancel()
		}
		return nil, err
	}

	if !res.AgentReconnected {
		log.Printf("sandbox: agent for %s did not reconnect after recreation", sandboxID)
	}
	return &types.ExposePortResponse{
		HostPort:         res.HostPort,
		URL:              m.portURL(res.HostPort),
		AgentReconnected: res.AgentReconnected,
	}, nil
}

func (m *Manager) exposeLock(sandboxID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.exposing[sandboxID]
	if !ok {
		l = &sync.Mutex{}
		m.exposing[sandboxID] = l
	}
	return l
}

// ListPorts snapshots the exposed ports of an active sandbox.
func (m *Manager) ListPorts(ctx context.Context, userID uuid.UUID, sandboxID string) (*types.PortsResponse, error) {
	row, err := m.loadOwned(ctx, userID, sandboxID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.StatusActive {
		return nil, ErrNotFound
	}

	bindings, err := m.ports.Bindings(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	out := make([]types.PortMapping, 0, len(bindings))
	for containerPort, hostPort := range bindings {
		out = append(out, types.PortMapping{
			ContainerPort: containerPort,
			HostPort:      hostPort,
			URL:           m.portURL(hostPort),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerPort < out[j].ContainerPort })
	return &types.PortsResponse{Ports: out}, nil
}

// Stats samples current resource usage and grades it against the tier caps.
func (m *Manager) Stats(ctx context.Context, userID uuid.UUID, sandboxID string) (*types.StatsResponse, error) {
	row, err := m.loadOwned(ctx, userID, sandboxID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.StatusActive {
		return nil, ErrNotFound
	}
	live, err := m.live.GetLive(ctx, sandboxID)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read live record: %w", err)
	}

	stats, err := m.runtime.Stats(ctx, live.ContainerID)
	if err != nil {
		if docker.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read container stats: %w", err)
	}

	violations, recommendations := analyzeStats(*stats)
	return &types.StatsResponse{
		Stats:           *stats,
		ResourceLimits:  live.Limits,
		Violations:      violations,
		Recommendations: recommendations,
		Tier:            live.Tier,
	}, nil
}

// QuotaUsage reports the caller's admission headroom per scope.
func (m *Manager) QuotaUsage(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier) (*types.QuotaUsageResponse, error) {
	return m.quota.Usage(ctx, userID, credentialID, tier)
}

// loadOwned fetches the row and enforces ownership. Unknown and unparsable
// ids read as not found.
func (m *Manager) loadOwned(ctx context.Context, userID uuid.UUID, sandboxID string) (*db.Sandbox, error) {
	id, err := uuid.Parse(sandboxID)
	if err != nil {
		return nil, ErrNotFound
	}
	row, err := m.store.GetSandboxByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sandbox: %w", err)
	}
	if row.UserID != userID {
		return nil, ErrForbidden
	}
	return row, nil
}

// wsBase is the websocket origin agents and clients dial.
func (m *Manager) wsBase() string {
	return fmt.Sprintf("ws://%s:%d", m.cfg.OrchestratorHost, m.cfg.WSPort)
}

func (m *Manager) clientURL(sandboxID string) string {
	return fmt.Sprintf("%s/client/%s", m.wsBase(), sandboxID)
}

func (m *Manager) portURL(hostPort int) string {
	return fmt.Sprintf("http://%s:%d", m.cfg.OrchestratorHost, hostPort)
}
