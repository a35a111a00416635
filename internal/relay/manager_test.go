package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/relay"
	"github.com/devrev/pairdb/walrelay/internal/ring"
	"github.com/devrev/pairdb/walrelay/internal/util/workerpool"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

// fakeGC records the UpdateReplicaVClock/ForgetReplica calls a Manager makes
// on a relay.GCFeedback, standing in for *wal.WAL in these tests so
// internal/relay never has to import internal/wal.
type fakeGC struct {
	mu      sync.Mutex
	updated map[uint32]model.VClock
	forgot  map[uint32]bool
}

func newFakeGC() *fakeGC {
	return &fakeGC{updated: make(map[uint32]model.VClock), forgot: make(map[uint32]bool)}
}

func (g *fakeGC) UpdateReplicaVClock(replicaID uint32, vc model.VClock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated[replicaID] = vc.Clone()
}

func (g *fakeGC) ForgetReplica(replicaID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forgot[replicaID] = true
}

func (g *fakeGC) snapshotUpdated(replicaID uint32) (model.VClock, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	vc, ok := g.updated[replicaID]
	return vc, ok
}

func (g *fakeGC) wasForgotten(replicaID uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forgot[replicaID]
}

func newTestSource(t *testing.T) relay.Source {
	t.Helper()
	xd, err := xlog.Open(t.TempDir())
	require.NoError(t, err)
	return relay.Source{Ring: ring.New(16), Dir: xd}
}

func TestManager_SubscribeRejectsDuplicateReplicaID(t *testing.T) {
	m := relay.NewManager(newTestSource(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 1, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second))
	err := m.Subscribe(ctx, 1, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second)
	assert.Error(t, err)

	m.Shutdown()
}

func TestManager_UnsubscribeStopsTheRelayAndForgetsGC(t *testing.T) {
	gc := newFakeGC()
	m := relay.NewManager(newTestSource(t), gc, nil)
	ctx := context.Background()

	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 7, model.NewVClock(), false, cap, relay.InjectionHooks{}, 20*time.Millisecond))

	_, ok := m.Get(7)
	require.True(t, ok)

	m.Unsubscribe(7)

	require.Eventually(t, func() bool {
		_, ok := m.Get(7)
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.True(t, gc.wasForgotten(7))
}

func TestManager_AckFeedsGCFeedback(t *testing.T) {
	gc := newFakeGC()
	m := relay.NewManager(newTestSource(t), gc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 3, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second))

	r, ok := m.Get(3)
	require.True(t, ok)
	r.AckVClock(model.VClock{1: 42})

	require.Eventually(t, func() bool {
		vc, ok := gc.snapshotUpdated(3)
		return ok && vc.Get(1) == 42
	}, time.Second, 5*time.Millisecond)

	m.Shutdown()
}

func TestManager_AllStatsReportsEveryActiveSubscription(t *testing.T) {
	m := relay.NewManager(newTestSource(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 1, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second))
	require.NoError(t, m.Subscribe(ctx, 2, model.NewVClock(), true, cap, relay.InjectionHooks{}, time.Second))

	stats := m.AllStats()
	assert.Len(t, stats, 2)

	m.Shutdown()
}

func TestManager_InitialJoinRunsOnTheConfiguredWorkerPool(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "test-join", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)

	m := relay.NewManager(newTestSource(t), nil, nil)
	m.SetWorkerPool(pool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 1, model.NewVClock(), true, cap, relay.InjectionHooks{}, time.Second))

	require.Eventually(t, func() bool {
		return pool.Stats().TotalTasks >= 1
	}, time.Second, 5*time.Millisecond, "an initial-join subscription should be queued on the worker pool")

	_, ok := m.Get(1)
	assert.True(t, ok)
	m.Shutdown()
}

func TestManager_NonInitialJoinSubscriptionBypassesTheWorkerPool(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "test-join", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)

	m := relay.NewManager(newTestSource(t), nil, nil)
	m.SetWorkerPool(pool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 1, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, pool.Stats().TotalTasks, "a caught-up follower's long-lived relay should not consume a pool worker")
	m.Shutdown()
}

func TestManager_ShutdownStopsEveryRelay(t *testing.T) {
	m := relay.NewManager(newTestSource(t), nil, nil)
	ctx := context.Background()
	cap := relay.Capability{Write: func(*model.Row) error { return nil }}
	require.NoError(t, m.Subscribe(ctx, 1, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second))
	require.NoError(t, m.Subscribe(ctx, 2, model.NewVClock(), false, cap, relay.InjectionHooks{}, time.Second))

	m.Shutdown()
	assert.Empty(t, m.AllStats())
}
