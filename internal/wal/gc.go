package wal

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	walerrors "github.com/devrev/pairdb/walrelay/internal/errors"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

// rotate closes the current segment and opens a new one starting at the
// WAL's current vector clock. The old segment is closed, synced, and
// indexed before the new one is created, so Xdir never names an open
// file.
func (w *WAL) rotate() error {
	if err := w.cur.Sync(); err != nil {
		return walerrors.IO("sync before rotate", err)
	}
	closed := w.cur
	if err := closed.Close(); err != nil {
		return walerrors.IO("close segment on rotate", err)
	}
	w.dir.Add(xlog.IndexEntry{
		Signature:   closed.StartVClock.Signature(),
		StartVClock: closed.StartVClock.Clone(),
		Path:        closed.Path,
	})

	w.mu.Lock()
	start := w.vclock.Clone()
	w.mu.Unlock()

	next, err := xlog.Create(w.cfg.Dir, start, w.cfg.InstanceUUID)
	if err != nil {
		w.metrics.ObserveRotate(err)
		return walerrors.IO("create segment on rotate", err)
	}
	w.cur = next
	w.metrics.ObserveRotate(nil)
	return nil
}

// preallocateWithGC attempts to reserve approxLen*2 bytes in the current
// segment. If the filesystem reports ENOSPC, it runs one GC pass to
// reclaim segments behind the replication horizon and retries exactly
// once, matching spec §4.2's "ENOSPC triggers a GC pass and a single
// retry" rule: a second failure is surfaced as a real out-of-space error
// rather than looping forever.
func (w *WAL) preallocateWithGC(approxLen int) error {
	if w.injection.FallocateFail {
		return walerrors.Injection("fallocate_fail")
	}

	err := w.cur.Preallocate(approxLen)
	if err == nil {
		return nil
	}
	if !isENOSPC(err) {
		return walerrors.IO("fallocate", err)
	}

	removed := w.runGC()
	w.metrics.ObserveGC(removed)
	if removed == 0 {
		return walerrors.OutOfSpace("fallocate after gc: nothing collectible", err)
	}

	if err := w.cur.Preallocate(approxLen); err != nil {
		return walerrors.OutOfSpace("fallocate after gc retry", err)
	}
	return nil
}

func isENOSPC(err error) bool {
	for err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err == unix.ENOSPC {
			return true
		}
		if u, ok := underlying(err); ok {
			err = u
			continue
		}
		break
	}
	return false
}

func underlying(err error) (error, bool) {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap(), true
	}
	return nil, false
}

// runGC computes the GC horizon (the matrix clock's component-wise
// minimum across connected followers, floored by any externally pinned
// gc_first_vclock and by the last committed checkpoint's vclock, for the
// components each of those names) and deletes every indexed segment
// entirely behind it,
// keeping at least one segment so a cursor positioned at the horizon
// always has somewhere to read from. It returns the number of segments
// removed.
func (w *WAL) runGC() int {
	w.mu.Lock()
	horizon := w.mclock.Horizon()
	for id, lsn := range w.gcFirstVClock {
		if cur, ok := horizon[id]; !ok || lsn < cur {
			horizon[id] = lsn
		}
	}
	for id, lsn := range w.checkpoint {
		if cur, ok := horizon[id]; !ok || lsn < cur {
			horizon[id] = lsn
		}
	}
	w.mu.Unlock()

	collectible := w.dir.Collectible(horizon)
	removed := 0
	for _, e := range collectible {
		if err := os.Remove(e.Path); err != nil {
			w.logger.Warn("wal: gc failed to remove segment",
				zap.String("path", e.Path), zap.Error(err))
			continue
		}
		w.dir.Remove(e.Signature)
		removed++
	}
	if removed > 0 {
		w.logger.Info("wal: gc reclaimed segments", zap.Int("count", removed))
		w.notifyWatchers(WatcherEventGC)
	}
	return removed
}

// GC exposes a manual GC pass, e.g. for an operator-triggered reclaim
// outside the ENOSPC path.
func (w *WAL) GC() int {
	return w.runGC()
}
