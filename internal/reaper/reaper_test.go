package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insien/insien/internal/db"
	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/ports"
	redisstore "github.com/insien/insien/internal/redis"
	"github.com/insien/insien/pkg/types"
)

type fakeLister struct {
	rows []*db.Sandbox
	err  error
}

func (l *fakeLister) ListActiveSandboxes(context.Context) ([]*db.Sandbox, error) {
	return l.rows, l.err
}

type fakeExpirer struct {
	mu      sync.Mutex
	expired []uuid.UUID
	failFor map[uuid.UUID]error
}

func (e *fakeExpirer) Expire(_ context.Context, row *db.Sandbox) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failFor[row.ID]; err != nil {
		return err
	}
	e.expired = append(e.expired, row.ID)
	return nil
}

type fakeRuntime struct {
	mu             sync.Mutex
	containers     []dockertypes.Container
	listErr        error
	stopped        []string
	removed        []string
	removedVolumes []string
}

func (r *fakeRuntime) List(context.Context) ([]dockertypes.Container, error) {
	return r.containers, r.listErr
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

type testEnv struct {
	reaper  *Reaper
	lister  *fakeLister
	expirer *fakeExpirer
	runtime *fakeRuntime
	live    *redisstore.Store
	ports   *ports.Allocator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	live := redisstore.NewFromClient(rdb)

	lister := &fakeLister{}
	expirer := &fakeExpirer{failFor: map[uuid.UUID]error{}}
	runtime := &fakeRuntime{}
	alloc := ports.NewAllocator(live, 30000, 30010)

	r := New(Deps{
		Store:    lister,
		Expirer:  expirer,
		Runtime:  runtime,
		Live:     live,
		Ports:    alloc,
		Tiers:    types.Tiers(),
		Interval: time.Minute,
	})
	return &testEnv{reaper: r, lister: lister, expirer: expirer, runtime: runtime, live: live, ports: alloc}
}

func activeRow(tier string, age time.Duration) *db.Sandbox {
	return &db.Sandbox{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Status:    db.StatusActive,
		Metadata:  map[string]string{"tier": tier},
		CreatedAt: time.Now().Add(-age),
	}
}

func putLive(t *testing.T, store *redisstore.Store, sandboxID string) {
	t.Helper()
	err := store.PutLive(context.Background(), &types.SandboxLive{
		SandboxID:   sandboxID,
		ContainerID: "cid-" + sandboxID,
		Tier:        types.TierFree,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, time.Hour)
	require.NoError(t, err)
}

func TestSweepExpiredHonorsTierLifetime(t *testing.T) {
	env := newTestEnv(t)

	over := activeRow("free", 2*time.Hour)    // free lives 1h
	fresh := activeRow("free", 10*time.Minute)
	pro := activeRow("pro", 2*time.Hour) // pro lives 12h
	env.lister.rows = []*db.Sandbox{over, fresh, pro}

	env.reaper.Sweep(context.Background())

	assert.Equal(t, []uuid.UUID{over.ID}, env.expirer.expired)
}

func TestSweepExpiredDefaultsUnknownTierToShortestLifetime(t *testing.T) {
	env := newTestEnv(t)

	mystery := activeRow("platinum", 90*time.Minute)
	env.lister.rows = []*db.Sandbox{mystery}

	env.reaper.Sweep(context.Background())

	assert.Equal(t, []uuid.UUID{mystery.ID}, env.expirer.expired)
}

func TestSweepExpiredContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t)

	first := activeRow("free", 2*time.Hour)
	second := activeRow("free", 3*time.Hour)
	env.lister.rows = []*db.Sandbox{first, second}
	env.expirer.failFor[first.ID] = errors.New("store down")

	env.reaper.Sweep(context.Background())

	assert.Equal(t, []uuid.UUID{second.ID}, env.expirer.expired)
}

func TestSweepOrphanContainers(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().Add(-time.Hour).Unix()

	putLive(t, env.live, "sbx-live")
	env.runtime.containers = []dockertypes.Container{
		{ID: "c-live", Created: old, Labels: map[string]string{docker.LabelSandboxID: "sbx-live"}},
		{ID: "c-orphan", Created: old, Labels: map[string]string{docker.LabelSandboxID: "sbx-gone"}},
		{ID: "c-young", Created: time.Now().Unix(), Labels: map[string]string{docker.LabelSandboxID: "sbx-new"}},
		{ID: "c-foreign", Created: old, Labels: map[string]string{"com.example.app": "other"}},
	}

	env.reaper.Sweep(context.Background())

	assert.Equal(t, []string{"c-orphan"}, env.runtime.removed)
	assert.Equal(t, []string{"c-orphan"}, env.runtime.stopped)
	assert.Equal(t, []string{"sbx-gone"}, env.runtime.removedVolumes)
}

func TestSweepOrphanPorts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	putLive(t, env.live, "sbx-live")
	_, err := env.ports.Allocate(ctx, "sbx-live", 8080, time.Hour)
	require.NoError(t, err)
	_, err = env.ports.Allocate(ctx, "sbx-gone", 9090, time.Hour)
	require.NoError(t, err)

	env.reaper.Sweep(ctx)

	gone, err := env.ports.Bindings(ctx, "sbx-gone")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := env.ports.Bindings(ctx, "sbx-live")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.reaper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancellation")
	}
}
