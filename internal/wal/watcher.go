package wal

import "sync"

// WatcherEvent identifies the kind of WAL condition a Watcher was
// notified about (spec §4.5).
type WatcherEvent int

const (
	// WatcherEventCommit fires after every durable batch.
	WatcherEventCommit WatcherEvent = iota
	// WatcherEventCheckpointThreshold fires once when the running WAL
	// size first crosses the configured checkpoint threshold, and does
	// not fire again until CommitCheckpoint resets the latch.
	WatcherEventCheckpointThreshold
	// WatcherEventGC fires after a GC pass removes at least one segment.
	WatcherEventGC
	// WatcherEventBroken fires once, when the WAL wedges after an
	// unrecoverable disk error.
	WatcherEventBroken
)

// Watcher coalesces notifications the same way spec §4.5 describes: a
// burst of identical events collapses into a single pending flag, so a
// slow consumer never needs to drain a backlog of duplicate wakeups, only
// the latest state.
type Watcher struct {
	mu      sync.Mutex
	pending map[WatcherEvent]struct{}
	wake    chan struct{}
}

// NewWatcher returns a Watcher ready to register with a WAL via
// SetWatcher.
func NewWatcher() *Watcher {
	return &Watcher{
		pending: make(map[WatcherEvent]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (wt *Watcher) notify(ev WatcherEvent) {
	wt.mu.Lock()
	wt.pending[ev] = struct{}{}
	wt.mu.Unlock()
	select {
	case wt.wake <- struct{}{}:
	default:
	}
}

// Wake exposes the coalesced wakeup channel for callers to select on.
func (wt *Watcher) Wake() <-chan struct{} {
	return wt.wake
}

// Take returns and clears the set of events pending since the last Take.
func (wt *Watcher) Take() []WatcherEvent {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	out := make([]WatcherEvent, 0, len(wt.pending))
	for ev := range wt.pending {
		out = append(out, ev)
	}
	wt.pending = make(map[WatcherEvent]struct{})
	return out
}

// SetWatcher registers a watcher to receive future WAL event
// notifications.
func (w *WAL) SetWatcher(wt *Watcher) {
	w.watcherMu.Lock()
	defer w.watcherMu.Unlock()
	w.watchers[wt] = struct{}{}
}

// ClearWatcher unregisters a watcher.
func (w *WAL) ClearWatcher(wt *Watcher) {
	w.watcherMu.Lock()
	defer w.watcherMu.Unlock()
	delete(w.watchers, wt)
}

func (w *WAL) notifyWatchers(ev WatcherEvent) {
	w.watcherMu.Lock()
	defer w.watcherMu.Unlock()
	for wt := range w.watchers {
		wt.notify(ev)
	}
}
