package ring_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/ring"
)

func writeOne(t *testing.T, r *ring.Ring, lsn int64) {
	t.Helper()
	r.TxBegin()
	r.Write([]*model.Row{{LSN: lsn}})
	require.NoError(t, r.TxCommit())
}

func TestRing_WriteThenCursorReadsInOrder(t *testing.T) {
	r := ring.New(4)
	for i := int64(1); i <= 3; i++ {
		writeOne(t, r, i)
	}

	c := r.CursorAt(0)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		row, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, row.LSN)
	}
}

func TestRing_CursorAtTailBlocksUntilWrite(t *testing.T) {
	r := ring.New(4)
	c := r.CursorAt(r.TailSeq())

	type result struct {
		row *model.Row
		err error
	}
	done := make(chan result, 1)
	go func() {
		row, err := c.Next(context.Background())
		done <- result{row, err}
	}()

	select {
	case <-done:
		t.Fatal("cursor returned before any row was written")
	case <-time.After(50 * time.Millisecond):
	}

	writeOne(t, r, 77)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.EqualValues(t, 77, res.row.LSN)
	case <-time.After(time.Second):
		t.Fatal("cursor never woke up after write")
	}
}

func TestRing_EvictionReturnsCursorGone(t *testing.T) {
	r := ring.New(2)
	c := r.CursorAt(0)

	for i := int64(1); i <= 4; i++ {
		writeOne(t, r, i)
	}

	_, err := c.Next(context.Background())
	assert.Equal(t, ring.ErrCursorGone, err)
}

func TestRing_CursorAtBelowHeadIsImmediatelyGone(t *testing.T) {
	r := ring.New(2)
	for i := int64(1); i <= 4; i++ {
		writeOne(t, r, i)
	}

	c := r.CursorAt(0)
	_, err := c.Next(context.Background())
	assert.Equal(t, ring.ErrCursorGone, err)
}

func TestRing_RollbackDiscardsUncommittedRows(t *testing.T) {
	r := ring.New(4)
	writeOne(t, r, 1)

	r.TxBegin()
	r.Write([]*model.Row{{LSN: 2}})
	r.TxRollback()

	c := r.CursorAt(0)
	row, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, row.LSN)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Next(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestRing_CommitWithNoWritesIsEmptyTx(t *testing.T) {
	r := ring.New(4)
	r.TxBegin()
	err := r.TxCommit()
	assert.Equal(t, ring.ErrEmptyTx, err)
}

func TestRing_CommitWithoutBeginErrors(t *testing.T) {
	r := ring.New(4)
	err := r.TxCommit()
	assert.Error(t, err)
}

func TestRing_CloseUnblocksWaitingCursor(t *testing.T) {
	r := ring.New(4)
	c := r.CursorAt(r.TailSeq())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, ring.ErrCursorGone, err)
	case <-time.After(time.Second):
		t.Fatal("cursor did not unblock after Close")
	}
}

func TestRing_ContextCancellationUnblocksCursor(t *testing.T) {
	r := ring.New(4)
	c := r.CursorAt(r.TailSeq())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Next(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("cursor did not unblock after context cancellation")
	}
}

func TestRing_PosAdvancesAfterEachRead(t *testing.T) {
	r := ring.New(4)
	writeOne(t, r, 1)
	writeOne(t, r, 2)

	c := r.CursorAt(0)
	assert.EqualValues(t, 0, c.Pos())
	_, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Pos())
}
