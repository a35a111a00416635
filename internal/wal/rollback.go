package wal

import "github.com/devrev/pairdb/walrelay/internal/model"

// cascadeRollback completes every entry in a failed batch with err, in
// last-in-first-out order. Spec §4.2 describes this as a rollback message
// hopping TX -> WAL -> TX -> ... for each queued entry; in this goroutine
// model there is no second thread to hop to, so the cascade is simply the
// reverse-order Complete calls a real hop chain would have produced,
// preserving the guarantee that the entry submitted last (and therefore
// least likely to have any dependents already observing its result) fails
// first.
func cascadeRollback(entries []*model.JournalEntry, err error) {
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].Complete(-1, err)
	}
}
