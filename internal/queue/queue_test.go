package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

func newTestQueue(t *testing.T, maxRetries int) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := New(db, maxRetries)
	require.NoError(t, err)
	return q
}

func update(recordID, base string) *record.QueuedAction {
	return &record.QueuedAction{
		Collection:  "inbox",
		RecordID:    recordID,
		Type:        record.ActionUpdate,
		BaseVersion: base,
		Payload:     json.RawMessage(`{"subject":"edited"}`),
	}
}

func del(recordID string) *record.QueuedAction {
	return &record.QueuedAction{Collection: "inbox", RecordID: recordID, Type: record.ActionDelete}
}

func TestEnqueueAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a1, err := q.Enqueue(ctx, update("m1", "v1"))
	require.NoError(t, err)
	a2, err := q.Enqueue(ctx, update("m2", "v1"))
	require.NoError(t, err)

	assert.Greater(t, a2.ID, a1.ID)
	assert.Equal(t, record.StatusPending, a1.Status)
	assert.Equal(t, DefaultMaxRetries, q.MaxRetries())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	_, err := newTestQueue(t, 0).Enqueue(context.Background(), &record.QueuedAction{Collection: "inbox", Type: "rename"})
	assert.ErrorIs(t, err, record.ErrInvalidAction)
}

func TestNextPendingKeepsPerRecordOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a1, _ := q.Enqueue(ctx, update("m1", "v1"))
	a2, _ := q.Enqueue(ctx, update("m1", "v1"))
	b1, _ := q.Enqueue(ctx, update("m2", "v1"))

	next, err := q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a1.ID, next.ID)
	assert.Equal(t, record.StatusInFlight, next.Status)

	// a2 waits behind the in-flight a1, m2 is independent
	next, err = q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b1.ID, next.ID)

	next, err = q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, q.MarkSucceeded(ctx, a1.ID))
	next, err = q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a2.ID, next.ID)
}

func TestFailedActionBlocksSuccessors(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a1, _ := q.Enqueue(ctx, update("m1", "v1"))
	a2, _ := q.Enqueue(ctx, update("m1", "v1"))

	_, err := q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	status, err := q.MarkFailed(ctx, a1.ID, "stale version", true)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, status)

	next, err := q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	assert.Nil(t, next, "successor must wait for the failed action")

	require.NoError(t, q.Discard(ctx, a1.ID))
	next, err = q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a2.ID, next.ID)
}

func TestMarkFailedRetryCeiling(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)

	a, _ := q.Enqueue(ctx, update("m1", "v1"))
	for i := 1; i <= 3; i++ {
		_, err := q.NextPending(ctx, "inbox")
		require.NoError(t, err)
		status, err := q.MarkFailed(ctx, a.ID, "timeout", false)
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, record.StatusPending, status, "attempt %d", i)
		} else {
			assert.Equal(t, record.StatusFailed, status, "attempt %d", i)
		}
	}

	got, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)

	require.NoError(t, q.Retry(ctx, a.ID))
	got, _ = q.Get(ctx, a.ID)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	assert.ErrorIs(t, q.Retry(ctx, a.ID), ErrNotFound, "only failed actions can be retried")
}

func TestDeleteVoidsPendingEdits(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	_, _ = q.Enqueue(ctx, update("m1", "v1"))
	sc, _ := json.Marshal(record.StatusChange{Set: record.FlagRead})
	_, err := q.Enqueue(ctx, &record.QueuedAction{Collection: "inbox", RecordID: "m1", Type: record.ActionStatusChange, Payload: sc})
	require.NoError(t, err)
	other, _ := q.Enqueue(ctx, update("m2", "v1"))

	d, err := q.Enqueue(ctx, del("m1"))
	require.NoError(t, err)

	actions, err := q.List(ctx, "inbox", "")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, other.ID, actions[0].ID)
	assert.Equal(t, d.ID, actions[1].ID)

	_, err = q.Enqueue(ctx, update("m1", "v1"))
	assert.ErrorIs(t, err, ErrRecordDeleted)
	assert.ErrorIs(t, err, record.ErrInvalidAction)
}

func TestDeleteKeepsInFlightEdit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a1, _ := q.Enqueue(ctx, update("m1", "v1"))
	_, err := q.NextPending(ctx, "inbox")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, del("m1"))
	require.NoError(t, err)

	actions, err := q.List(ctx, "inbox", "")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, a1.ID, actions[0].ID)
	assert.Equal(t, record.ActionDelete, actions[1].Type)
}

func TestReleaseAndRecover(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a, _ := q.Enqueue(ctx, update("m1", "v1"))
	b, _ := q.Enqueue(ctx, update("m2", "v1"))
	_, _ = q.NextPending(ctx, "inbox")
	_, _ = q.NextPending(ctx, "inbox")

	require.NoError(t, q.Release(ctx, a.ID))
	got, _ := q.Get(ctx, a.ID)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	n, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, _ = q.Get(ctx, b.ID)
	assert.Equal(t, record.StatusPending, got.Status)
}

func TestRebaseAndRekey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	_, err := q.Enqueue(ctx, &record.QueuedAction{Collection: "inbox", RecordID: "local-1", Type: record.ActionCreate, Payload: json.RawMessage(`{"subject":"draft"}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, update("local-1", ""))
	require.NoError(t, err)

	err = q.db.Update(ctx, func(tx *store.Tx) error {
		if err := q.RekeyTx(ctx, tx, "inbox", "local-1", "r-1"); err != nil {
			return err
		}
		return q.RebaseTx(ctx, tx, "inbox", "r-1", "v7")
	})
	require.NoError(t, err)

	var chain []*record.QueuedAction
	err = q.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		chain, err = q.UnresolvedTx(ctx, tx, "inbox", "r-1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, chain, 2)
	for _, a := range chain {
		assert.Equal(t, "r-1", a.RecordID)
		assert.Equal(t, "v7", a.BaseVersion)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a, _ := q.Enqueue(ctx, update("m1", "v1"))
	_, _ = q.Enqueue(ctx, update("m2", "v1"))
	_, _ = q.Enqueue(ctx, update("m3", "v1"))
	_, _ = q.NextPending(ctx, "inbox")
	_, err := q.MarkFailed(ctx, a.ID, "bad request", true)
	require.NoError(t, err)
	_, _ = q.NextPending(ctx, "inbox")

	s, err := q.Stats(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, InFlight: 1, Failed: 1}, *s)
}

func TestRequeueKeepsRetryCount(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 2)

	a, _ := q.Enqueue(ctx, update("m1", "v1"))
	for i := 0; i < 4; i++ {
		claimed, err := q.NextPending(ctx, "inbox")
		require.NoError(t, err)
		require.NotNil(t, claimed, "cycle %d", i)
		require.NoError(t, q.Requeue(ctx, a.ID, "remote unreachable"))
	}

	got, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, "remote unreachable", got.LastError)

	assert.ErrorIs(t, q.Requeue(ctx, a.ID, "again"), ErrNotFound, "only in-flight actions can be requeued")
}
