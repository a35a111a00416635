package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/pairdb/walrelay/internal/bus"
	walerrors "github.com/devrev/pairdb/walrelay/internal/errors"
)

// vylog is the LSM engine metadata log: a second, much simpler append-only
// file written via the same WAL goroutine as the xlog segments, so vy-log
// records interleave with ordinary batches on one thread. Unlike a
// segment, it never rotates by size and is never streamed to followers —
// it has no ring buffering and no Xdir entry.
type vylog struct {
	dir string
	f   *os.File
	seq int64
}

func (w *WAL) vylogDir() string {
	return filepath.Join(w.cfg.Dir, "vylog")
}

func (w *WAL) ensureVyLog() error {
	if w.vy.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.vylogDir(), 0755); err != nil {
		return walerrors.IO("create vylog dir", err)
	}
	path := filepath.Join(w.vylogDir(), fmt.Sprintf("%020d.vylog", w.vy.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return walerrors.IO("open vylog", err)
	}
	w.vy.f = f
	w.vy.dir = w.vylogDir()
	return nil
}

type vyLogWriteRequest struct {
	record []byte
	result chan error
}

type vyLogRotateRequest struct {
	result chan error
}

// WriteVyLog appends one metadata record to the current vy-log file. It
// is rejected with the same in_rollback sentinel that guards ordinary
// batches: once the WAL thread has wedged, no further state — xlog or
// vy-log — can be trusted to land durably.
func (w *WAL) WriteVyLog(ctx context.Context, record []byte) error {
	req := &vyLogWriteRequest{record: record, result: make(chan error, 1)}
	w.in.Push(bus.NewMessage(req))
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RotateVyLog closes the current vy-log file and opens the next one in
// sequence.
func (w *WAL) RotateVyLog(ctx context.Context) error {
	req := &vyLogRotateRequest{result: make(chan error, 1)}
	w.in.Push(bus.NewMessage(req))
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WAL) handleVyLogWrite(req *vyLogWriteRequest) {
	w.mu.Lock()
	broken := w.inRollback
	w.mu.Unlock()
	if broken {
		req.result <- walerrors.CheckpointRollbackConflict()
		return
	}
	if err := w.ensureVyLog(); err != nil {
		req.result <- err
		return
	}
	if _, err := w.vy.f.Write(record(req.record)); err != nil {
		req.result <- walerrors.IO("write vylog record", err)
		return
	}
	req.result <- w.vy.f.Sync()
}

func (w *WAL) handleVyLogRotate(req *vyLogRotateRequest) {
	if w.vy.f != nil {
		if err := w.vy.f.Close(); err != nil {
			req.result <- walerrors.IO("close vylog", err)
			return
		}
		w.vy.f = nil
	}
	w.vy.seq++
	req.result <- w.ensureVyLog()
}

// record frames a vy-log entry with a 4-byte little-endian length prefix
// so a reader can resynchronize after a truncated tail. This is simpler
// than an xlog tx-block, which carries a magic/crc/length fixheader.
func record(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	n := uint32(len(payload))
	out[0] = byte(n)
	out[1] = byte(n >> 8)
	out[2] = byte(n >> 16)
	out[3] = byte(n >> 24)
	copy(out[4:], payload)
	return out
}
