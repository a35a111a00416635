// Package relay implements the replication relay described in spec §4.3:
// one relay per connected follower, streaming rows first from the WAL's
// in-memory ring and falling through to the on-disk segment files when a
// follower's requested position has already been evicted from memory.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/ring"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

// State mirrors the teacher's StreamState enum: a relay's lifecycle moves
// from a from-file catch-up phase to steady in-memory streaming, same
// shape as a bulk-copy-then-live-stream migration, just sourced from xlog
// segments instead of a key range scan.
type State string

const (
	StateFromFile   State = "from_file"
	StateFromMemory State = "from_memory"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// WriteFunc sends one row to the follower over the wire. FilterFunc decides,
// per row, whether to pass it through, rewrite it, skip it, or abort the
// relay — this is the "small capability record" spec.md §9 calls for in
// place of a writer interface: two closures captured at construction,
// nothing else.
type WriteFunc func(*model.Row) error

// FilterResult is the outcome of running a row through a relay's Filter.
type FilterResult int

const (
	// FilterPass ships the row unchanged.
	FilterPass FilterResult = iota
	// FilterRow ships a replacement row returned alongside the result.
	FilterRow
	// FilterSkip drops the row silently.
	FilterSkip
	// FilterErr aborts the relay with an error.
	FilterErr
)

// FilterFunc inspects a row before it is sent and decides its fate. The
// local-row policy (GroupLocal rows never leave as-is) is implemented as
// the default FilterFunc in filter.go; callers may wrap or replace it.
type FilterFunc func(*model.Row) (FilterResult, *model.Row, error)

// Capability is the write/filter pair a Relay is built with.
type Capability struct {
	Write  WriteFunc
	Filter FilterFunc
}

// Config configures one Relay.
type Config struct {
	ReplicaID           uint32
	LocalVClockAtSubscribe model.VClock
	IsInitialJoin       bool
	ReplicationTimeout  time.Duration
	Logger              *zap.Logger

	// OnAck, if set, is called with every VClock the follower
	// acknowledges, letting the owner (relay.Manager) feed the WAL's
	// matrix clock GC horizon without the relay package knowing
	// anything about the WAL.
	OnAck func(model.VClock)

	Injection InjectionHooks
}

// InjectionHooks mirrors the named error-injection knobs spec §6
// requires, scoped to the relay's own send path.
type InjectionHooks struct {
	SendDelay   time.Duration
	SendTimeout bool

	// IgnoreMemoryWindow forces every relay built with it to pretend the
	// WAL's ring never has the follower's position, so it never leaves
	// the from-file phase — used to exercise the disk fallback path
	// deterministically instead of racing the ring's real retention
	// window in a test.
	IgnoreMemoryWindow bool

	// ExitDelay pauses Run just before it returns, simulating a relay
	// that lingers after disconnect instead of tearing down instantly.
	ExitDelay time.Duration
}

// Source is what a Relay reads rows from: the WAL's live ring plus its
// segment directory for fallback replay.
type Source struct {
	Ring *ring.Ring
	Dir  *xlog.Xdir
}

// Relay streams committed rows to one follower, starting from a
// requested VClock and switching between file and memory phases as
// needed.
type Relay struct {
	cfg Config
	cap Capability
	src Source

	mu             sync.Mutex
	state          State
	followerVClock model.VClock
	lastSendTime   time.Time

	startTime time.Time
}

// New builds a Relay that will stream starting at fromVClock.
func New(cfg Config, cap Capability, src Source) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	return &Relay{
		cfg:            cfg,
		cap:            cap,
		src:            src,
		state:          StateFromFile,
		followerVClock: model.NewVClock(),
		startTime:      time.Now(),
	}
}

// State returns the relay's current phase, thread-safe for health/metrics
// reporting.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// FollowerVClock returns the last position the follower acknowledged.
func (r *Relay) FollowerVClock() model.VClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.followerVClock.Clone()
}

// AckVClock records a follower's acknowledgment, called by the reader
// goroutine as ack frames arrive.
func (r *Relay) AckVClock(vc model.VClock) {
	r.mu.Lock()
	r.followerVClock = vc.Clone()
	r.mu.Unlock()
	if r.cfg.OnAck != nil {
		r.cfg.OnAck(vc.Clone())
	}
}

// Run drives the relay's full lifecycle: phase-1 from-file replay up to
// the point the in-memory ring can take over, then phase-2 from-memory
// streaming until ctx is cancelled or the follower disconnects. A
// goroutine (started by the caller, see reader.go) reads ack frames off
// the same connection concurrently and feeds AckVClock.
func (r *Relay) Run(ctx context.Context, fromVClock model.VClock) error {
	defer r.setState(StateStopped)
	defer func() {
		if d := r.cfg.Injection.ExitDelay; d > 0 {
			time.Sleep(d)
		}
	}()

	if r.cfg.Injection.IgnoreMemoryWindow {
		err := r.streamFileOnly(ctx, fromVClock)
		if err != nil && ctx.Err() == nil {
			r.setState(StateFailed)
			return fmt.Errorf("relay: from-file phase: %w", err)
		}
		return nil
	}

	memStart, err := r.replayFromFile(ctx, fromVClock)
	if err != nil {
		r.setState(StateFailed)
		return fmt.Errorf("relay: from-file phase: %w", err)
	}

	r.setState(StateFromMemory)
	if err := r.streamFromMemory(ctx, memStart); err != nil {
		if ctx.Err() != nil {
			return nil // ordinary shutdown/disconnect, not a failure
		}
		r.setState(StateFailed)
		return fmt.Errorf("relay: from-memory phase: %w", err)
	}
	return nil
}

// streamFileOnly replays from disk on a poll loop instead of ever
// attaching to the ring, for the IgnoreMemoryWindow injection knob.
// Each pass starts from the follower's last acknowledged position, so a
// slow follower simply sees bigger passes rather than missing rows.
func (r *Relay) streamFileOnly(ctx context.Context, fromVClock model.VClock) error {
	pollInterval := r.cfg.ReplicationTimeout
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	cursor := fromVClock
	for {
		if _, err := r.replayFromFile(ctx, cursor); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		cursor = r.FollowerVClock()

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil
		}
		if err := r.maybeHeartbeat(pollInterval); err != nil {
			return err
		}
	}
}

// replayFromFile streams every row on disk starting at the segment
// matching fromVClock, up to the ring's current tail, then returns the
// ring sequence the from-memory phase should continue at. If fromVClock
// already lies within the ring's retained window, this phase is a no-op
// and the ring start position is derived directly instead of reopening
// segments that are still live in memory.
func (r *Relay) replayFromFile(ctx context.Context, fromVClock model.VClock) (int64, error) {
	tailAtStart := r.src.Ring.TailSeq()

	entry, ok := r.src.Dir.Match(fromVClock)
	if !ok {
		// Nothing on disk behind fromVClock: everything requested is
		// still (or already) in the ring.
		return tailAtStart, nil
	}

	cur := entry
	for {
		if err := r.replaySegment(ctx, cur.Path, fromVClock); err != nil {
			return 0, err
		}
		next, ok := r.src.Dir.Next(cur.Signature)
		if !ok {
			break
		}
		cur = next
	}
	return tailAtStart, nil
}

func (r *Relay) replaySegment(ctx context.Context, path string, fromVClock model.VClock) error {
	rd, err := xlog.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer rd.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := rd.ReadBlock()
		if err != nil {
			break // end of this segment
		}
		for _, row := range rows {
			if row.LSN != 0 && row.LSN <= fromVClock.Get(row.ReplicaID) {
				continue // already acknowledged by the follower
			}
			if err := r.sendRow(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// streamFromMemory reads committed rows directly out of the ring starting
// at seq, sending each through the filter/write capability, and emits
// heartbeats during idle periods (spec §4.3, "Heartbeats"). If the
// cursor's position is evicted before it catches up — a slow follower
// losing the memory window entirely — it falls back to another
// from-file pass instead of failing outright.
func (r *Relay) streamFromMemory(ctx context.Context, seq int64) error {
	cursor := r.src.Ring.CursorAt(seq)

	r.mu.Lock()
	r.lastSendTime = time.Now()
	r.mu.Unlock()

	heartbeatTimeout := r.cfg.ReplicationTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = time.Second
	}

	for {
		rowCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		row, err := cursor.Next(rowCtx)
		cancel()

		switch {
		case err == nil:
			if err := r.sendRow(row); err != nil {
				return err
			}
		case err == ring.ErrCursorGone:
			restart, ferr := r.replayFromFile(ctx, r.FollowerVClock())
			if ferr != nil {
				return ferr
			}
			cursor = r.src.Ring.CursorAt(restart)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			// Timed out waiting for the next row: send a heartbeat if
			// we've been silent long enough, then keep waiting.
			if err := r.maybeHeartbeat(heartbeatTimeout); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) maybeHeartbeat(timeout time.Duration) error {
	r.mu.Lock()
	idle := time.Since(r.lastSendTime)
	r.mu.Unlock()
	if idle < timeout {
		return nil
	}
	hb := model.Heartbeat(time.Now().UnixNano())
	return r.sendRow(hb)
}

// sendRow applies the local-row policy and named-knob filter, honoring
// the send_delay/send_timeout error-injection hooks, then writes the
// result (if any) to the follower.
func (r *Relay) sendRow(row *model.Row) error {
	if r.cfg.Injection.SendDelay > 0 {
		time.Sleep(r.cfg.Injection.SendDelay)
	}
	if r.cfg.Injection.SendTimeout {
		return fmt.Errorf("relay: injected send timeout")
	}

	filter := r.cap.Filter
	if filter == nil {
		filter = PassFilter
	}
	result, replacement, err := filter(row)
	if err != nil {
		return err
	}
	switch result {
	case FilterSkip:
		return nil
	case FilterErr:
		return fmt.Errorf("relay: filter rejected row")
	case FilterRow:
		row = replacement
	case FilterPass:
	}

	if !row.IsHeartbeat() && row.ReplicaID == r.cfg.ReplicaID && !r.cfg.IsInitialJoin {
		// A relay skips a follower's own rows outside the initial join,
		// except when the row is one the follower already had before it
		// subscribed (row.LSN <= its LSN at subscribe time): that row is
		// data the follower lost locally and is recovering, not an echo of
		// something it just sent us (spec §4.3).
		if row.LSN > r.cfg.LocalVClockAtSubscribe.Get(row.ReplicaID) {
			return nil
		}
	}

	if err := r.cap.Write(row); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastSendTime = time.Now()
	r.mu.Unlock()
	return nil
}
