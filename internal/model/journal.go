package model

import "sync"

// JournalResult is delivered exactly once to a JournalEntry's completion
// channel: Res is the commit LSN-sum on success, or -1 on rollback: Err
// carries the failure that caused the rollback, if any.
type JournalResult struct {
	Res int64
	Err error
}

// JournalEntry is one atomic transaction submitted by TX and owned by TX
// throughout its lifetime; the WAL only ever borrows it via the bus. All
// rows in Rows share a transaction id equal to the LSN the WAL assigns the
// first locally-originated row; the last row carries IsCommit.
//
// done is the Go equivalent of the single completion callback the spec
// requires: a channel closed-over instead of a function pointer, delivered
// to exactly once thanks to complete's sync.Once guard.
type JournalEntry struct {
	Rows      []*Row
	ApproxLen int

	done     chan JournalResult
	complete sync.Once

	mu     sync.Mutex
	result JournalResult
}

// NewJournalEntry wraps rows into a journal entry ready to submit to the
// WAL. approxLen is the caller's estimate of the encoded size, used by the
// WAL to size its fallocate preallocation.
func NewJournalEntry(rows []*Row, approxLen int) *JournalEntry {
	return &JournalEntry{
		Rows:      rows,
		ApproxLen: approxLen,
		done:      make(chan JournalResult, 1),
	}
}

// Complete runs the entry's completion callback exactly once. Subsequent
// calls are no-ops — this is what makes cascading rollback safe to invoke
// on an entry that (in some interleavings) the batch processor already
// completed. The result is cached under mu before the channel is touched,
// so every Wait call — not just whichever one happens to drain the
// channel's single buffered value — observes it.
func (e *JournalEntry) Complete(res int64, err error) {
	e.complete.Do(func() {
		r := JournalResult{Res: res, Err: err}
		e.mu.Lock()
		e.result = r
		e.mu.Unlock()
		e.done <- r
		close(e.done)
	})
}

// Wait blocks until Complete has run and returns its result. Safe to call
// from any goroutine, any number of times: a closed channel never blocks,
// so every caller — whether it raced in before Complete or long after —
// passes through the receive and then reads the cached result rather than
// whatever the channel itself still holds.
func (e *JournalEntry) Wait() JournalResult {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Done exposes the completion channel directly for callers that want to
// select on it alongside a context or timeout.
func (e *JournalEntry) Done() <-chan JournalResult {
	return e.done
}
