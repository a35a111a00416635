package wal

import (
	"context"

	"github.com/devrev/pairdb/walrelay/internal/bus"
	walerrors "github.com/devrev/pairdb/walrelay/internal/errors"
	"github.com/devrev/pairdb/walrelay/internal/model"
)

// checkpointBeginRequest asks the WAL to mark the start of a checkpoint:
// the caller (the out-of-scope storage engine, or a test harness standing
// in for it) receives back the vector clock as of right now, which it
// must use as the snapshot's watermark.
type checkpointBeginRequest struct {
	result chan checkpointBeginResult
}

type checkpointBeginResult struct {
	vclock model.VClock
	err    error
}

// checkpointCommitRequest tells the WAL a checkpoint up to vclock
// finished successfully; the WAL records vclock as the checkpoint that
// runGC floors its horizon by, and resets the checkpoint-threshold
// notification latch.
type checkpointCommitRequest struct {
	vclock model.VClock
	result chan error
}

// BeginCheckpoint returns the vector clock a new checkpoint should be
// taken at. It fails with CheckpointRollbackConflict if the WAL is
// currently rolling back (spec §4.2): a checkpoint must never observe a
// vector clock whose corresponding rows might still be un-written.
func (w *WAL) BeginCheckpoint(ctx context.Context) (model.VClock, error) {
	req := &checkpointBeginRequest{result: make(chan checkpointBeginResult, 1)}
	w.in.Push(bus.NewMessage(req))
	select {
	case res := <-req.result:
		return res.vclock, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *WAL) handleBeginCheckpoint(req *checkpointBeginRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inRollback {
		req.result <- checkpointBeginResult{err: walerrors.CheckpointRollbackConflict()}
		return
	}
	if w.inCheckpoint {
		req.result <- checkpointBeginResult{err: walerrors.Internal("checkpoint already in progress", nil)}
		return
	}
	w.inCheckpoint = true
	req.result <- checkpointBeginResult{vclock: w.vclock.Clone()}
}

// CommitCheckpoint finalizes a checkpoint taken at vclock: segments
// entirely behind it become eligible for GC and the threshold
// notification latch resets so the next crossing fires again.
func (w *WAL) CommitCheckpoint(ctx context.Context, vclock model.VClock) error {
	req := &checkpointCommitRequest{vclock: vclock, result: make(chan error, 1)}
	w.in.Push(bus.NewMessage(req))
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WAL) handleCommitCheckpoint(req *checkpointCommitRequest) {
	w.mu.Lock()
	if !w.inCheckpoint {
		w.mu.Unlock()
		req.result <- walerrors.Internal("commit checkpoint without a matching begin", nil)
		return
	}
	w.inCheckpoint = false
	w.checkpoint = req.vclock.Clone()
	w.walSizeSinceCkpt = 0
	w.notifiedThreshold = false
	w.mu.Unlock()

	req.result <- nil
}
