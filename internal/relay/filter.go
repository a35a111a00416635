package relay

import "github.com/devrev/pairdb/walrelay/internal/model"

// PassFilter ships every row unchanged. Used when a caller builds a
// Relay with no Filter set.
func PassFilter(row *model.Row) (FilterResult, *model.Row, error) {
	return FilterPass, nil, nil
}

// LocalRowFilter implements the local-row policy of spec §4.3: a row
// belonging to GroupLocal never leaves the instance that produced it as
// written. Outside an initial join, it is rewritten to a bodyless NOP so
// the follower still advances its copy of the row's LSN without ever
// seeing payload that was only meant to be observed locally; during an
// initial join the row is skipped outright, since a join transfers final
// state, not a row-by-row replay of local-only bookkeeping. A GroupLocal
// row with NilReplicaID is skipped in both cases.
func LocalRowFilter(isInitialJoin bool) FilterFunc {
	return func(row *model.Row) (FilterResult, *model.Row, error) {
		if row.GroupID != model.GroupLocal {
			return FilterPass, nil, nil
		}
		if isInitialJoin || row.ReplicaID == model.NilReplicaID {
			// During an initial join the follower needs final state, not
			// a row-by-row replay of local-only bookkeeping. A row whose
			// origin was never assigned a replica id can't be rewritten
			// into an LSN-advancing NOP for anyone either way, so both
			// cases are skipped outright rather than forwarded.
			return FilterSkip, nil, nil
		}
		nop := &model.Row{
			Type:      model.RowTypeNOP,
			ReplicaID: row.ReplicaID,
			LSN:       row.LSN,
			TSN:       row.TSN,
			Timestamp: row.Timestamp,
			GroupID:   model.GroupDefault,
			IsCommit:  row.IsCommit,
		}
		return FilterRow, nop, nil
	}
}

// Chain composes filters in order, stopping at the first result that
// isn't FilterPass.
func Chain(filters ...FilterFunc) FilterFunc {
	return func(row *model.Row) (FilterResult, *model.Row, error) {
		for _, f := range filters {
			result, replacement, err := f(row)
			if err != nil {
				return FilterErr, nil, err
			}
			if result != FilterPass {
				return result, replacement, nil
			}
		}
		return FilterPass, nil, nil
	}
}
