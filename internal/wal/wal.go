// Package wal implements the write-ahead log writer described in spec
// §4.2: a single goroutine that owns the on-disk segment, the in-memory
// xrow ring, and the instance's authoritative vector clock, and that
// turns batches of journal entries into durable, LSN-stamped rows.
package wal

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/walrelay/internal/bus"
	"github.com/devrev/pairdb/walrelay/internal/config"
	walerrors "github.com/devrev/pairdb/walrelay/internal/errors"
	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/ring"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

// WAL is the write-ahead log writer. One WAL owns exactly one segment
// directory and one goroutine runs its event loop; every field below that
// the loop mutates is touched only from that goroutine. Fields readable
// from other goroutines (VClock snapshots, the ring) are exposed only
// through methods that take the lock or use a lock-free data structure.
type WAL struct {
	cfg        config.WALConfig
	injection  config.InjectionConfig
	instanceID uint32
	logger     *zap.Logger

	in *bus.Pipe

	mu            sync.Mutex
	vclock        model.VClock
	mclock        model.MClock
	gcFirstVClock model.VClock
	checkpoint    model.VClock // watermark of the last completed checkpoint
	inCheckpoint  bool
	inRollback    bool
	brokenErr     error

	checkpointThreshold int64
	walSizeSinceCkpt    int64
	notifiedThreshold   bool

	dir *xlog.Xdir
	cur *xlog.Segment
	vy  vylog

	ring *ring.Ring

	watcherMu sync.Mutex
	watchers  map[*Watcher]struct{}

	metrics Metrics
}

// Metrics is the set of observability hooks the WAL reports through.
// Implementations live in internal/metrics; the zero value is a silent
// no-op so tests don't need a real Prometheus registry.
type Metrics interface {
	ObserveBatch(rows int, bytes int, err error)
	ObserveRotate(err error)
	ObserveGC(segmentsRemoved int)
	SetFollowerLag(replicaID uint32, lagRows int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveBatch(int, int, error)    {}
func (noopMetrics) ObserveRotate(error)             {}
func (noopMetrics) ObserveGC(int)                   {}
func (noopMetrics) SetFollowerLag(uint32, int64)    {}

// Options configures a new WAL.
type Options struct {
	Config     config.WALConfig
	Injection  config.InjectionConfig
	InstanceID uint32
	Logger     *zap.Logger
	Metrics    Metrics
}

// Open recovers a WAL directory's existing segment index and vector clock
// state (by replaying the newest segment's rows), opening or creating the
// current writable segment.
func Open(opts Options) (*WAL, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}

	dir, err := xlog.Open(opts.Config.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: open dir: %w", err)
	}

	w := &WAL{
		cfg:                 opts.Config,
		injection:           opts.Injection,
		instanceID:          opts.InstanceID,
		logger:              logger,
		in:                  bus.NewPipe(1024),
		vclock:              model.NewVClock(),
		mclock:              model.NewMClock(),
		gcFirstVClock:       model.NewVClock(),
		checkpoint:          model.NewVClock(),
		checkpointThreshold: opts.Config.CheckpointThreshold,
		dir:                 dir,
		ring:                ring.New(opts.Config.RingCapacity),
		watchers:            make(map[*Watcher]struct{}),
		metrics:             m,
	}

	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

// recover replays the newest indexed segment (if any) to rebuild the
// in-memory vector clock, then opens that segment for append, or creates
// the first segment if the directory was empty.
func (w *WAL) recover() error {
	last, ok := w.dir.Last()
	if !ok {
		seg, err := xlog.Create(w.cfg.Dir, w.vclock, w.cfg.InstanceUUID)
		if err != nil {
			return fmt.Errorf("wal: create initial segment: %w", err)
		}
		w.cur = seg
		return nil
	}

	rd, err := xlog.OpenReader(last.Path)
	if err != nil {
		return fmt.Errorf("wal: open segment for recovery: %w", err)
	}
	w.vclock = rd.Header.StartVClock.Clone()
	for {
		rows, err := rd.ReadBlock()
		if err != nil {
			break // clean or truncated EOF; either way, stop replaying
		}
		for _, row := range rows {
			if row.ReplicaID != 0 {
				w.vclock.Follow(row.ReplicaID, row.LSN)
			}
		}
	}
	rd.Close()

	seg, err := xlog.OpenForAppend(last.Path, last.StartVClock)
	if err != nil {
		return fmt.Errorf("wal: reopen segment for append: %w", err)
	}
	w.cur = seg
	return nil
}

// Run drives the WAL's event loop until ctx is cancelled. It must be
// started in its own goroutine; Submit, Sync, checkpoint, and watcher
// calls are safe to make from any other goroutine while it runs.
func (w *WAL) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drainOnShutdown()
			return
		case msg := <-w.in.Chan():
			w.handle(ctx, msg)
		}
	}
}

// drainOnShutdown fails every entry still queued when the WAL is told to
// stop, so no caller blocks forever on Wait().
func (w *WAL) drainOnShutdown() {
	for {
		select {
		case msg := <-w.in.Chan():
			if entries, ok := msg.Payload.(*batchRequest); ok {
				cascadeRollback(entries.entries, walerrors.Cancellation())
			}
		default:
			return
		}
	}
}

// handle dispatches one bus message to the appropriate control-plane or
// batch-processing path.
func (w *WAL) handle(ctx context.Context, msg *bus.Message) {
	switch payload := msg.Payload.(type) {
	case *batchRequest:
		w.runBatch(payload)
	case *syncRequest:
		payload.err = w.syncCurrent()
		close(payload.done)
	case *checkpointBeginRequest:
		w.handleBeginCheckpoint(payload)
	case *checkpointCommitRequest:
		w.handleCommitCheckpoint(payload)
	case *vyLogWriteRequest:
		w.handleVyLogWrite(payload)
	case *vyLogRotateRequest:
		w.handleVyLogRotate(payload)
	default:
		w.logger.Warn("wal: unknown message payload", zap.String("type", fmt.Sprintf("%T", payload)))
	}
}

// Submit enqueues a journal entry for durability, batching it with any
// other entries already waiting on the input pipe. It returns once the
// entry has been accepted onto the pipe, not once it is durable — callers
// wait on entry.Wait() (or entry.Done()) for the outcome.
func (w *WAL) Submit(ctx context.Context, entry *model.JournalEntry) error {
	req := &batchRequest{entries: []*model.JournalEntry{entry}}
	msg := bus.NewMessage(req)
	if w.in.TryPush(msg) {
		return nil
	}
	// Fall back to a blocking push bounded by ctx, matching the spec's
	// "wal_write blocks TX only if the pipe is saturated" behavior.
	done := make(chan struct{})
	go func() {
		w.in.Push(msg)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync forces the current segment to fsync, even in write mode where
// batches otherwise aren't flushed synchronously.
func (w *WAL) Sync(ctx context.Context) error {
	req := &syncRequest{done: make(chan struct{})}
	w.in.Push(bus.NewMessage(req))
	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WAL) syncCurrent() error {
	if w.injection.SyncFail {
		return walerrors.Injection("sync_fail")
	}
	if w.cur == nil {
		return nil
	}
	return w.cur.Sync()
}

// VClock returns a snapshot of the WAL's current vector clock.
func (w *WAL) VClock() model.VClock {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vclock.Clone()
}

// Checkpoint returns the watermark of the last completed checkpoint.
func (w *WAL) Checkpoint() model.VClock {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint.Clone()
}

// Ring exposes the in-memory row ring so the relay can stream from it
// directly.
func (w *WAL) Ring() *ring.Ring {
	return w.ring
}

// Index exposes the closed-segment index so the relay can replay
// from-file history behind the ring's retained window.
func (w *WAL) Index() *xlog.Xdir {
	return w.dir
}

// SetCheckpointThreshold changes the WAL-size watermark that triggers a
// one-shot checkpoint-needed notification to watchers.
func (w *WAL) SetCheckpointThreshold(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointThreshold = n
}

// SetGCFirstVClock pins the floor below which GC will never collect
// segments, regardless of what the matrix clock horizon says — used to
// keep the segment backing an in-progress snapshot alive.
func (w *WAL) SetGCFirstVClock(v model.VClock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gcFirstVClock = v.Clone()
}

// UpdateReplicaVClock records a follower's acknowledged position, feeding
// the matrix clock GC horizon (spec §4.2).
func (w *WAL) UpdateReplicaVClock(replicaID uint32, vc model.VClock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mclock.Set(replicaID, vc.Clone())
}

// ForgetReplica drops a disconnected follower from the matrix clock so it
// no longer pins GC.
func (w *WAL) ForgetReplica(replicaID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mclock.Remove(replicaID)
}

// InRollback reports whether the event loop is currently unwinding a
// failed batch. Safe to call from any goroutine.
func (w *WAL) InRollback() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inRollback
}

// Broken reports whether the WAL has wedged after an unrecoverable
// batch failure and is refusing further writes.
func (w *WAL) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.brokenErr != nil
}

// Dir returns the WAL's segment directory.
func (w *WAL) Dir() string {
	return w.cfg.Dir
}
