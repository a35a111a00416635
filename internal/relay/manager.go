package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/util/workerpool"
)

// GCFeedback is the slice of *wal.WAL a Manager needs to keep the
// matrix-clock GC horizon current as followers ack and disconnect.
// *wal.WAL satisfies this directly.
type GCFeedback interface {
	UpdateReplicaVClock(replicaID uint32, vc model.VClock)
	ForgetReplica(replicaID uint32)
}

// Manager tracks every active relay, one per connected follower,
// adapting the teacher's StreamingManager shape (an activeStreams map
// keyed by target, guarded by its own mutex) from node-bootstrap key
// streaming to replica subscription.
type Manager struct {
	src    Source
	gc     GCFeedback
	logger *zap.Logger
	pool   *workerpool.WorkerPool

	mu   sync.RWMutex
	subs map[uint32]*subscription
	wg   sync.WaitGroup
}

type subscription struct {
	relay      *Relay
	cancel     context.CancelFunc
	subscribed time.Time
}

// NewManager returns a Manager streaming from the given WAL-owned ring
// and segment directory. gc may be nil, in which case follower acks
// never feed back into GC horizon tracking (useful for tests that don't
// need GC at all).
func NewManager(src Source, gc GCFeedback, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		src:    src,
		gc:     gc,
		logger: logger,
		subs:   make(map[uint32]*subscription),
	}
}

// SetWorkerPool hands the manager a bounded pool to run initial-join
// relays on, so a slow full-history replay for a new or far-behind
// follower never has to borrow an unbounded goroutine from the runtime —
// it queues behind whatever the pool is already carrying instead, and
// falls back to a plain goroutine only when the pool's queue is full. Relays
// for followers that are already caught up keep using a plain goroutine,
// since they block for the life of the connection rather than doing a
// bounded scan. Safe to call at most once, before any Subscribe.
func (m *Manager) SetWorkerPool(pool *workerpool.WorkerPool) {
	m.pool = pool
}

// Subscribe starts a relay for replicaID, streaming from fromVClock, and
// returns once it has registered — the relay itself runs in a background
// goroutine (or, for an initial join with a worker pool configured, a
// pooled worker) until ctx is cancelled or Unsubscribe is called.
func (m *Manager) Subscribe(ctx context.Context, replicaID uint32, fromVClock model.VClock, isInitialJoin bool, cap Capability, injection InjectionHooks, replicationTimeout time.Duration) error {
	m.mu.Lock()
	if _, exists := m.subs[replicaID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("relay: replica %d already subscribed", replicaID)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	if cap.Filter == nil {
		cap.Filter = LocalRowFilter(isInitialJoin)
	}
	var onAck func(model.VClock)
	if m.gc != nil {
		onAck = func(vc model.VClock) { m.gc.UpdateReplicaVClock(replicaID, vc) }
	}
	r := New(Config{
		ReplicaID:              replicaID,
		LocalVClockAtSubscribe: fromVClock.Clone(),
		IsInitialJoin:          isInitialJoin,
		ReplicationTimeout:     replicationTimeout,
		Logger:                 m.logger,
		OnAck:                  onAck,
		Injection:              injection,
	}, cap, m.src)

	sub := &subscription{relay: r, cancel: cancel, subscribed: time.Now()}
	m.subs[replicaID] = sub
	m.mu.Unlock()

	run := func(context.Context) error {
		defer m.wg.Done()
		defer m.removeSub(replicaID)
		if err := r.Run(relayCtx, fromVClock); err != nil {
			m.logger.Warn("relay: stream ended with error",
				zap.Uint32("replica_id", replicaID), zap.Error(err))
		}
		return nil
	}

	m.wg.Add(1)
	queued := false
	if isInitialJoin && m.pool != nil {
		queued = m.pool.TrySubmit(workerpool.Task{
			ID:      fmt.Sprintf("relay-join-%d", replicaID),
			Context: relayCtx,
			Fn:      run,
		})
	}
	if !queued {
		go run(relayCtx)
	}

	m.logger.Info("relay: subscribed replica",
		zap.Uint32("replica_id", replicaID), zap.Bool("initial_join", isInitialJoin))
	return nil
}

func (m *Manager) removeSub(replicaID uint32) {
	m.mu.Lock()
	delete(m.subs, replicaID)
	m.mu.Unlock()
	if m.gc != nil {
		m.gc.ForgetReplica(replicaID)
	}
}

// Unsubscribe stops the relay for replicaID, if one is running.
func (m *Manager) Unsubscribe(replicaID uint32) {
	m.mu.Lock()
	sub, ok := m.subs[replicaID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
}

// Get returns the active relay for replicaID, if any.
func (m *Manager) Get(replicaID uint32) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[replicaID]
	if !ok {
		return nil, false
	}
	return sub.relay, true
}

// Stats summarizes one active replica relay for health/metrics reporting.
type Stats struct {
	ReplicaID      uint32
	State          State
	FollowerVClock model.VClock
	Subscribed     time.Time
}

// AllStats returns a snapshot of every active relay's state.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.subs))
	for id, sub := range m.subs {
		out = append(out, Stats{
			ReplicaID:      id,
			State:          sub.relay.State(),
			FollowerVClock: sub.relay.FollowerVClock(),
			Subscribed:     sub.subscribed,
		})
	}
	return out
}

// Shutdown cancels every active relay and waits for their goroutines to
// exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.cancel()
	}
	m.wg.Wait()
}
