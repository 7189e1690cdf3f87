package sandbox

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insien/insien/internal/auth"
	"github.com/insien/insien/internal/config"
	"github.com/insien/insien/internal/db"
	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/ports"
	"github.com/insien/insien/internal/quota"
	redisstore "github.com/insien/insien/internal/redis"
	"github.com/insien/insien/pkg/types"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*db.Sandbox
	insertErr error
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uuid.UUID]*db.Sandbox)}
}

func (s *fakeStore) InsertSandbox(_ context.Context, id, userID, credentialID uuid.UUID, metadata map[string]string) (*db.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	row := &db.Sandbox{
		ID: id, UserID: userID, CredentialID: credentialID,
		Status: db.StatusActive, Metadata: metadata, CreatedAt: time.Now().UTC(),
	}
	s.rows[id] = row
	cp := *row
	return &cp, nil
}

func (s *fakeStore) GetSandboxByID(_ context.Context, id uuid.UUID) (*db.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *fakeStore) UpdateSandboxStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	row, ok := s.rows[id]
	if !ok || row.Status != db.StatusActive {
		return db.ErrNotFound
	}
	row.Status = status
	now := time.Now()
	row.DestroyedAt = &now
	return nil
}

func (s *fakeStore) status(t *testing.T, id string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[uuid.MustParse(id)]
	if !ok {
		t.Fatalf("no row for %s", id)
	}
	return row.Status
}

func (s *fakeStore) countActive(match func(*db.Sandbox) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.Status == db.StatusActive && match(row) {
			n++
		}
	}
	return n
}

func (s *fakeStore) CountActiveSandboxesByUser(_ context.Context, userID uuid.UUID) (int, error) {
	return s.countActive(func(r *db.Sandbox) bool { return r.UserID == userID }), nil
}

func (s *fakeStore) CountActiveSandboxesByCredential(_ context.Context, credentialID uuid.UUID) (int, error) {
	return s.countActive(func(r *db.Sandbox) bool { return r.CredentialID == credentialID }), nil
}

func (s *fakeStore) CountActiveSandboxesGlobal(_ context.Context) (int, error) {
	return s.countActive(func(*db.Sandbox) bool { return true }), nil
}

type fakeRuntime struct {
	mu             sync.Mutex
	createdSpecs   []docker.Spec
	createErr      error
	stopped        []string
	removed        []string
	removedVolumes []string
	recreated      []string
	inspectState   string
	inspectErr     error
	waitErr        error
	stats          *types.SandboxStats
	statsErr       error
}

func (r *fakeRuntime) CreateAndStart(_ context.Context, spec docker.Spec, _ time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.createdSpecs = append(r.createdSpecs, spec)
	return "cid-" + spec.SandboxID, nil
}

func (r *fakeRuntime) Stop(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *fakeRuntime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) RemoveVolume(_ context.Context, sandboxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedVolumes = append(r.removedVolumes, sandboxID)
	return nil
}

func (r *fakeRuntime) Inspect(_ context.Context, id string) (dockertypes.ContainerJSON, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inspectErr != nil {
		return dockertypes.ContainerJSON{}, r.inspectErr
	}
	state := r.inspectState
	if state == "" {
		state = "running"
	}
	return dockertypes.ContainerJSON{
		ContainerJSONBase: &dockertypes.ContainerJSONBase{
			ID:         id,
			State:      &dockertypes.ContainerState{Status: state, Running: state == "running"},
			HostConfig: &container.HostConfig{},
		},
		Config: &container.Config{
			Image:  "insien/agent:test",
			Env:    []string{"SANDBOX_ID=x"},
			Labels: map[string]string{},
		},
	}, nil
}

func (r *fakeRuntime) Stats(_ context.Context, _ string) (*types.SandboxStats, error) {
	if r.statsErr != nil {
		return nil, r.statsErr
	}
	if r.stats != nil {
		return r.stats, nil
	}
	return &types.SandboxStats{}, nil
}

func (r *fakeRuntime) Create(_ context.Context, name string, _ *container.Config, _ *container.HostConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recreated = append(r.recreated, name)
	return "re-" + name, nil
}

func (r *fakeRuntime) Start(_ context.Context, _ string) error { return nil }

func (r *fakeRuntime) WaitRunning(_ context.Context, _ string, _ time.Duration) error {
	return r.waitErr
}

func (r *fakeRuntime) EnsureVolume(_ context.Context, sandboxID string) (string, error) {
	return docker.VolumeName(sandboxID), nil
}

type fabricCall struct {
	sandboxID string
	raw       []byte
}

type fakeFabric struct {
	mu         sync.Mutex
	hasAgent   bool
	waitResult bool
	closed     []string
	calls      []fabricCall
	handler    func(sandboxID string, raw []byte) ([]byte, error)
}

func (f *fakeFabric) HasAgent(string) bool { return f.hasAgent }

func (f *fakeFabric) WaitForAgent(context.Context, string, time.Duration) bool {
	return f.waitResult
}

func (f *fakeFabric) CloseAll(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sandboxID)
}

func (f *fakeFabric) Call(_ context.Context, sandboxID, _ string, raw []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fabricCall{sandboxID: sandboxID, raw: raw})
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return nil, errors.New("no agent handler installed")
	}
	return handler(sandboxID, raw)
}

type fakeSink struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	expired   []string
}

func (s *fakeSink) Created(live *types.SandboxLive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, live.SandboxID)
}

func (s *fakeSink) Destroyed(sandboxID, _ string, _ types.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, sandboxID)
}

func (s *fakeSink) Expired(sandboxID, _ string, _ types.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, sandboxID)
}

type testEnv struct {
	mgr     *Manager
	store   *fakeStore
	runtime *fakeRuntime
	fabric  *fakeFabric
	sink    *fakeSink
	live    *redisstore.Store
	cfg     *config.Config

	userID uuid.UUID
	credID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	live := redisstore.NewFromClient(rdb)

	cfg := &config.Config{
		Port:               8080,
		WSPort:             8081,
		AgentImage:         "insien/agent:test",
		OrchestratorHost:   "sandbox.test",
		StartupTimeout:     5 * time.Second,
		PortRangeStart:     30000,
		PortRangeEnd:       30010,
		MaxSandboxesPerKey: 10,
		MaxSandboxesSystem: 100,
		Tiers:              types.Tiers(),
	}

	store := newFakeStore()
	runtime := &fakeRuntime{}
	fabric := &fakeFabric{hasAgent: true, waitResult: true}
	sink := &fakeSink{}
	alloc := ports.NewAllocator(live, cfg.PortRangeStart, cfg.PortRangeEnd)
	exposer := ports.NewExposer(runtime, fabric, alloc, live, cfg.StartupTimeout)
	quotas := quota.NewManager(store, quota.Limits{
		PerCredential: cfg.MaxSandboxesPerKey,
		System:        cfg.MaxSandboxesSystem,
	}, cfg.Tiers)

	mgr := NewManager(Deps{
		Config:  cfg,
		Runtime: runtime,
		Store:   store,
		Live:    live,
		Quota:   quotas,
		Ports:   alloc,
		Exposer: exposer,
		Hub:     fabric,
		Issuer:  auth.NewIssuer("test-secret"),
		Events:  sink,
	})

	return &testEnv{
		mgr: mgr, store: store, runtime: runtime, fabric: fabric,
		sink: sink, live: live, cfg: cfg,
		userID: uuid.New(), credID: uuid.New(),
	}
}

func TestCreateProvisionsSandbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierPro)
	require.NoError(t, err)

	assert.Equal(t, types.TierPro, resp.Tier)
	assert.Equal(t, int64(2048), resp.ResourceLimits.MemoryMB)
	assert.Equal(t, "ws://sandbox.test:8081/client/"+resp.SandboxID, resp.AgentURL)
	assert.WithinDuration(t, time.Now().Add(12*time.Hour), resp.ExpiresAt, time.Minute)

	require.Len(t, env.runtime.createdSpecs, 1)
	spec := env.runtime.createdSpecs[0]
	assert.Equal(t, resp.SandboxID, spec.SandboxID)
	assert.Equal(t, "insien/agent:test", spec.Image)
	assert.Equal(t, "ws://sandbox.test:8081", spec.OrchestratorURL)
	assert.NotEmpty(t, spec.AgentToken)

	assert.Equal(t, db.StatusActive, env.store.status(t, resp.SandboxID))

	live, err := env.live.GetLive(ctx, resp.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, "cid-"+resp.SandboxID, live.ContainerID)
	assert.False(t, live.AllowUnauthenticated)
	assert.Equal(t, env.userID.String(), live.UserID)

	assert.Equal(t, []string{resp.SandboxID}, env.sink.created)
}

func TestCreateRejectsOverTierQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
		require.NoError(t, err)
	}

	_, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 2, exceeded.Limit)

	// Admission happens before any container work.
	assert.Len(t, env.runtime.createdSpecs, 2)
}

func TestCreateContainerFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.createErr = &docker.StartupError{ExitCode: 127, Status: "exited"}

	_, err := env.mgr.Create(context.Background(), env.userID, env.credID, types.TierFree)
	var startup *docker.StartupError
	require.ErrorAs(t, err, &startup)

	// Nothing persisted for a sandbox that never started.
	assert.Equal(t, 0, env.store.countActive(func(*db.Sandbox) bool { return true }))
}

func TestCreateScrapsContainerWhenPersistFails(t *testing.T) {
	env := newTestEnv(t)
	env.store.insertErr = errors.New("connection refused")

	_, err := env.mgr.Create(context.Background(), env.userID, env.credID, types.TierFree)
	require.Error(t, err)

	require.Len(t, env.runtime.createdSpecs, 1)
	cid := "cid-" + env.runtime.createdSpecs[0].SandboxID
	assert.Contains(t, env.runtime.stopped, cid)
	assert.Contains(t, env.runtime.removed, cid)
}

func TestDestroyReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)
	_, err = env.mgr.Expose(ctx, env.userID, resp.SandboxID, 3000)
	require.NoError(t, err)

	require.NoError(t, env.mgr.Destroy(ctx, env.userID, resp.SandboxID))

	assert.Contains(t, env.fabric.closed, resp.SandboxID)
	assert.NotEmpty(t, env.runtime.stopped)
	assert.Contains(t, env.runtime.removedVolumes, resp.SandboxID)
	assert.Equal(t, db.StatusDestroyed, env.store.status(t, resp.SandboxID))
	assert.Equal(t, []string{resp.SandboxID}, env.sink.destroyed)

	_, err = env.live.GetLive(ctx, resp.SandboxID)
	assert.ErrorIs(t, err, redisstore.ErrNotFound)

	bindings, err := env.mgr.ports.Bindings(ctx, resp.SandboxID)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestDestroyIsNotFoundOnSecondCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Destroy(ctx, env.userID, resp.SandboxID))

	assert.ErrorIs(t, env.mgr.Destroy(ctx, env.userID, resp.SandboxID), ErrNotFound)
}

func TestDestroyEnforcesOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	assert.ErrorIs(t, env.mgr.Destroy(ctx, uuid.New(), resp.SandboxID), ErrForbidden)
	assert.ErrorIs(t, env.mgr.Destroy(ctx, env.userID, uuid.New().String()), ErrNotFound)
	assert.ErrorIs(t, env.mgr.Destroy(ctx, env.userID, "not-a-uuid"), ErrNotFound)
}

func TestDestroyFatalOnStatusUpdateFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	env.store.updateErr = errors.New("pool closed")
	err = env.mgr.Destroy(ctx, env.userID, resp.SandboxID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark sandbox")
}

func TestStatusReportsRuntimeState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	st, err := env.mgr.Status(ctx, env.userID, resp.SandboxID)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "running", st.ContainerStatus)
	assert.Equal(t, db.StatusActive, st.Status)

	env.fabric.hasAgent = false
	env.runtime.inspectErr = errdefs.NotFound(errors.New("no such container"))
	st, err = env.mgr.Status(ctx, env.userID, resp.SandboxID)
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.Equal(t, "missing", st.ContainerStatus)
}

func TestExposeRecreatesAndReturnsStableMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	exposed, err := env.mgr.Expose(ctx, env.userID, resp.SandboxID, 8080)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, exposed.HostPort, 30000)
	assert.Less(t, exposed.HostPort, 30010)
	assert.Equal(t, "http://sandbox.test:"+strconv.Itoa(exposed.HostPort), exposed.URL)
	assert.True(t, exposed.AgentReconnected)
	assert.Contains(t, env.runtime.recreated, docker.ContainerName(resp.SandboxID))

	live, err := env.live.GetLive(ctx, resp.SandboxID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(live.ContainerID, "re-"), "live record should point at the replacement container")

	// Same port again: no second recreation, same mapping.
	again, err := env.mgr.Expose(ctx, env.userID, resp.SandboxID, 8080)
	require.NoError(t, err)
	assert.Equal(t, exposed.HostPort, again.HostPort)
	assert.Len(t, env.runtime.recreated, 1)
}

func TestExposeFailureDestroysSandbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	env.runtime.waitErr = errors.New("never came up")
	_, err = env.mgr.Expose(ctx, env.userID, resp.SandboxID, 8080)
	var failed *ports.ExposeFailedError
	require.ErrorAs(t, err, &failed)

	assert.Equal(t, db.StatusDestroyed, env.store.status(t, resp.SandboxID))
	_, err = env.live.GetLive(ctx, resp.SandboxID)
	assert.ErrorIs(t, err, redisstore.ErrNotFound)
}

func TestExposeWithoutLiveRecordIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)
	require.NoError(t, env.live.DeleteLive(ctx, resp.SandboxID))

	_, err = env.mgr.Expose(ctx, env.userID, resp.SandboxID, 8080)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPortsSortedWithURLs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)
	_, err = env.mgr.Expose(ctx, env.userID, resp.SandboxID, 9090)
	require.NoError(t, err)
	_, err = env.mgr.Expose(ctx, env.userID, resp.SandboxID, 3000)
	require.NoError(t, err)

	listed, err := env.mgr.ListPorts(ctx, env.userID, resp.SandboxID)
	require.NoError(t, err)
	require.Len(t, listed.Ports, 2)
	assert.Equal(t, 3000, listed.Ports[0].ContainerPort)
	assert.Equal(t, 9090, listed.Ports[1].ContainerPort)
	for _, p := range listed.Ports {
		assert.Equal(t, "http://sandbox.test:"+strconv.Itoa(p.HostPort), p.URL)
	}

	require.NoError(t, env.mgr.Destroy(ctx, env.userID, resp.SandboxID))
	_, err = env.mgr.ListPorts(ctx, env.userID, resp.SandboxID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsGradesUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	env.runtime.stats = &types.SandboxStats{
		MemoryUsageBytes: 500 << 20,
		MemoryLimitBytes: 512 << 20,
		MemoryPercent:    97.6,
		CPUPercent:       12.0,
	}
	st, err := env.mgr.Stats(ctx, env.userID, resp.SandboxID)
	require.NoError(t, err)
	require.Len(t, st.Violations, 1)
	assert.Equal(t, "memory", st.Violations[0].Resource)
	assert.Equal(t, "critical", st.Violations[0].Severity)
	assert.Contains(t, st.Recommendations, "memory usage is high, consider a tier with a larger memory limit")
	assert.Equal(t, types.TierFree, st.Tier)
	assert.Equal(t, int64(512), st.ResourceLimits.MemoryMB)
}

func TestQuotaUsageReportsHeadroom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)

	usage, err := env.mgr.QuotaUsage(ctx, env.userID, env.credID, types.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Usage["tier"].Active)
	assert.Equal(t, 2, usage.Usage["tier"].Limit)
	assert.Equal(t, types.TierFree, usage.Tier)
	assert.Equal(t, 2, usage.Limits.MaxSandboxes)
}

