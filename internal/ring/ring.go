// Package ring implements the in-memory xrow window described in spec
// §4.4: a bounded buffer of recently written rows that relays can stream
// from without touching disk, with a transactional write protocol and a
// cursor abstraction that detects when a reader has fallen behind the
// retained window.
package ring

import (
	"context"
	"errors"
	"sync"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

// ErrCursorGone is returned by Cursor.Next when the row the cursor was
// about to read has already been evicted from the ring. The caller must
// fall back to reading the same region from xlog segment files.
var ErrCursorGone = errors.New("ring: cursor position evicted")

// ErrEmptyTx is returned by TxCommit when no rows were written since the
// matching TxBegin.
var ErrEmptyTx = errors.New("ring: empty transaction")

type entry struct {
	seq int64 // monotonically increasing slot sequence number, never reused
	row *model.Row
}

// Ring is a fixed-capacity circular buffer of rows, guarded by a
// sync.Cond so readers can block until new rows land or their position is
// evicted.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	buf      []entry
	head     int64 // seq of the oldest live entry; buf is empty when head == tail
	tail     int64 // seq of the next slot to be written

	inTx    bool
	txStart int64 // tail value when TxBegin was called, for rollback

	closed bool
}

// New returns a Ring that retains up to capacity rows.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring{capacity: capacity, buf: make([]entry, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// TxBegin opens a write transaction. Rows appended via Write are not
// visible to cursors until TxCommit.
func (r *Ring) TxBegin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inTx = true
	r.txStart = r.tail
}

// Write appends rows to the ring within the currently open transaction.
// Rows become visible to readers only after TxCommit.
func (r *Ring) Write(rows []*model.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		slot := int(r.tail % int64(r.capacity))
		r.buf[slot] = entry{seq: r.tail, row: row}
		r.tail++
		if r.tail-r.head > int64(r.capacity) {
			r.head = r.tail - int64(r.capacity)
		}
	}
}

// TxCommit makes all rows written since TxBegin visible and wakes blocked
// cursors.
func (r *Ring) TxCommit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inTx {
		return errors.New("ring: commit without begin")
	}
	r.inTx = false
	if r.tail == r.txStart {
		return ErrEmptyTx
	}
	r.cond.Broadcast()
	return nil
}

// TxRollback discards rows written since TxBegin without ever exposing
// them to a cursor.
func (r *Ring) TxRollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inTx {
		return
	}
	r.inTx = false
	r.tail = r.txStart
	if r.tail < r.head {
		r.head = r.tail
	}
}

// Close unblocks every cursor waiting on the ring; subsequent Next calls
// return ErrCursorGone.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// TailSeq returns the ring's current write position, usable as a cursor
// starting point to stream only rows written from now on.
func (r *Ring) TailSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tail
}

// Cursor streams committed rows out of a Ring starting at a given
// sequence position, blocking when caught up to the tail.
type Cursor struct {
	r   *Ring
	pos int64
}

// CursorAt returns a Cursor positioned to read the row at seq next. If
// seq already precedes the oldest retained row, the first Next call
// returns ErrCursorGone.
func (r *Ring) CursorAt(seq int64) *Cursor {
	return &Cursor{r: r, pos: seq}
}

// Next blocks until a row is available at the cursor's position, the
// cursor's position is evicted, the ring is closed, or ctx is cancelled.
func (c *Cursor) Next(ctx context.Context) (*model.Row, error) {
	r := c.r
	r.mu.Lock()

	for {
		if c.pos < r.head {
			r.mu.Unlock()
			return nil, ErrCursorGone
		}
		visible := r.tail
		if r.inTx {
			visible = r.txStart
		}
		if c.pos < visible {
			slot := int(c.pos % int64(r.capacity))
			e := r.buf[slot]
			if e.seq != c.pos {
				// The slot was overwritten between our head check and
				// here; the position is gone.
				r.mu.Unlock()
				return nil, ErrCursorGone
			}
			c.pos++
			row := e.row
			r.mu.Unlock()
			return row, nil
		}
		if r.closed {
			r.mu.Unlock()
			return nil, ErrCursorGone
		}

		if ctx.Err() != nil {
			r.mu.Unlock()
			return nil, ctx.Err()
		}

		// sync.Cond has no context-aware wait, so a watcher goroutine
		// broadcasts the condition variable when ctx is cancelled, so the
		// Wait below returns and the loop sees ctx.Err().
		done := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
			close(done)
		})
		r.cond.Wait()
		stop()
		select {
		case <-done:
		default:
		}
	}
}

// Pos returns the cursor's current read position.
func (c *Cursor) Pos() int64 {
	return c.pos
}
