package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/relay"
	"github.com/devrev/pairdb/walrelay/internal/ring"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

// collectingWriter records every row a Relay sends, safe for concurrent use
// since Relay.Run's sender loop is the only writer but tests read from
// another goroutine while it's still running.
type collectingWriter struct {
	mu   sync.Mutex
	rows []*model.Row
}

func (c *collectingWriter) write(row *model.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, row.Clone())
	return nil
}

func (c *collectingWriter) snapshot() []*model.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Row, len(c.rows))
	copy(out, c.rows)
	return out
}

func TestRelay_StreamsFromMemoryWhenFollowerIsCaughtUp(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	rb := ring.New(16)

	w := &collectingWriter{}
	r := relay.New(relay.Config{ReplicaID: 99, ReplicationTimeout: 50 * time.Millisecond},
		relay.Capability{Write: w.write, Filter: relay.PassFilter},
		relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, model.NewVClock()) }()

	rb.TxBegin()
	rb.Write([]*model.Row{{Type: model.RowTypeInsert, ReplicaID: 1, LSN: 1, Body: []byte("a")}})
	require.NoError(t, rb.TxCommit())

	require.Eventually(t, func() bool {
		return len(w.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, w.snapshot()[0].LSN)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after context cancellation")
	}
	assert.Equal(t, relay.StateStopped, r.State())
}

func TestRelay_ReplaysFromFileThenSwitchesToMemory(t *testing.T) {
	dir := t.TempDir()

	// Write and close one segment with rows 1-2, as the WAL would after
	// rotation, before the relay ever attaches.
	seg, err := xlog.Create(dir, model.NewVClock(), "u")
	require.NoError(t, err)
	_, err = seg.AppendBatch([]*model.Row{
		{Type: model.RowTypeInsert, ReplicaID: 1, LSN: 1, Body: []byte("a")},
		{Type: model.RowTypeInsert, ReplicaID: 1, LSN: 2, Body: []byte("b"), IsCommit: true},
	})
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	xd.Add(xlog.IndexEntry{Signature: 0, StartVClock: model.NewVClock(), Path: seg.Path})

	rb := ring.New(16)

	w := &collectingWriter{}
	r := relay.New(relay.Config{ReplicaID: 99, ReplicationTimeout: 50 * time.Millisecond},
		relay.Capability{Write: w.write, Filter: relay.PassFilter},
		relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, model.NewVClock()) }()

	// Give the from-file phase a moment to replay the closed segment
	// before a new row lands live in the ring, exercising the handoff from
	// disk replay into the memory phase.
	time.Sleep(30 * time.Millisecond)
	rb.TxBegin()
	rb.Write([]*model.Row{{Type: model.RowTypeInsert, ReplicaID: 1, LSN: 3, Body: []byte("c")}})
	require.NoError(t, rb.TxCommit())

	require.Eventually(t, func() bool {
		return len(w.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond)

	rows := w.snapshot()
	var lsns []int64
	for _, row := range rows {
		lsns = append(lsns, row.LSN)
	}
	assert.Equal(t, []int64{1, 2, 3}, lsns)

	cancel()
	<-done
}

func TestRelay_IgnoreMemoryWindowNeverLeavesFromFileState(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	rb := ring.New(16)
	rb.TxBegin()
	rb.Write([]*model.Row{{Type: model.RowTypeInsert, LSN: 1, Body: []byte("a")}})
	require.NoError(t, rb.TxCommit())

	w := &collectingWriter{}
	r := relay.New(relay.Config{
		ReplicaID:          1,
		ReplicationTimeout: 20 * time.Millisecond,
		Injection:          relay.InjectionHooks{IgnoreMemoryWindow: true},
	}, relay.Capability{Write: w.write, Filter: relay.PassFilter}, relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, model.NewVClock()) }()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, relay.StateFromFile, r.State(), "IgnoreMemoryWindow must keep the relay in its from-file phase forever")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}

func TestRelay_ExitDelayPausesRunBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	rb := ring.New(16)

	r := relay.New(relay.Config{
		ReplicaID:          1,
		ReplicationTimeout: 20 * time.Millisecond,
		Injection:          relay.InjectionHooks{ExitDelay: 150 * time.Millisecond},
	}, relay.Capability{Write: func(*model.Row) error { return nil }, Filter: relay.PassFilter}, relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, model.NewVClock()) }()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	<-done
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRelay_SendsHeartbeatDuringIdlePeriod(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	rb := ring.New(16)

	w := &collectingWriter{}
	r := relay.New(relay.Config{ReplicaID: 1, ReplicationTimeout: 30 * time.Millisecond},
		relay.Capability{Write: w.write, Filter: relay.PassFilter},
		relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, model.NewVClock())

	require.Eventually(t, func() bool {
		for _, row := range w.snapshot() {
			if row.IsHeartbeat() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no heartbeat observed during an idle period longer than replication_timeout")

	cancel()
}

func TestRelay_OwnRowsAreSkippedOutsideInitialJoin(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	rb := ring.New(16)

	w := &collectingWriter{}
	r := relay.New(relay.Config{ReplicaID: 5, IsInitialJoin: false, ReplicationTimeout: time.Second},
		relay.Capability{Write: w.write, Filter: relay.PassFilter},
		relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, model.NewVClock())

	rb.TxBegin()
	rb.Write([]*model.Row{
		{Type: model.RowTypeInsert, ReplicaID: 5, LSN: 1, Body: []byte("own")},
		{Type: model.RowTypeInsert, ReplicaID: 9, LSN: 1, Body: []byte("other")},
	})
	require.NoError(t, rb.TxCommit())

	require.Eventually(t, func() bool { return len(w.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // give the skipped own-row a chance to (wrongly) show up

	rows := w.snapshot()
	require.Len(t, rows, 1)
	assert.EqualValues(t, 9, rows[0].ReplicaID)
}

func TestRelay_OwnRowsUpToSubscribeTimeLSNAreRecovered(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	rb := ring.New(16)

	w := &collectingWriter{}
	r := relay.New(relay.Config{
		ReplicaID:              5,
		IsInitialJoin:          false,
		ReplicationTimeout:     time.Second,
		LocalVClockAtSubscribe: model.VClock{5: 2},
	}, relay.Capability{Write: w.write, Filter: relay.PassFilter}, relay.Source{Ring: rb, Dir: xd})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, model.NewVClock())

	rb.TxBegin()
	rb.Write([]*model.Row{
		{Type: model.RowTypeInsert, ReplicaID: 5, LSN: 1, Body: []byte("pre-crash, recoverable")},
		{Type: model.RowTypeInsert, ReplicaID: 5, LSN: 2, Body: []byte("pre-crash, recoverable")},
		{Type: model.RowTypeInsert, ReplicaID: 5, LSN: 3, Body: []byte("post-subscribe echo, must skip")},
	})
	require.NoError(t, rb.TxCommit())

	require.Eventually(t, func() bool { return len(w.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // give the LSN-3 echo a chance to (wrongly) show up

	rows := w.snapshot()
	var lsns []int64
	for _, row := range rows {
		lsns = append(lsns, row.LSN)
	}
	assert.Equal(t, []int64{1, 2}, lsns, "rows at or below the follower's LSN at subscribe time must be sent back even though they're its own")
}
