package d3

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemoryStore())
	fixed := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return fixed }

	for _, text := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, NewResponseIntent(testPayload(1, "p1", "r1", text)))
		require.NoError(t, err)
	}

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, pending[i].Response.ResponseText)
	}
	// Same clock reading, still strictly increasing.
	assert.Less(t, pending[0].CreatedAt, pending[1].CreatedAt)
	assert.Less(t, pending[1].CreatedAt, pending[2].CreatedAt)
}

func TestQueueRecordShape(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := NewQueue(s)

	k := WeekKey{GroupID: testGroup, UserID: testUser, WeekNumber: 2}
	_, err := q.Enqueue(ctx, NewDeleteCompletionIntent(k))
	require.NoError(t, err)

	recs, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "delete_week_completion", recs[0].Kind)
	assert.JSONEq(t, `{"group_id":"group-1","user_id":"user-1","week_number":2}`, string(recs[0].Payload))

	data, err := json.Marshal(recs[0])
	require.NoError(t, err)
	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &shape))
	assert.Contains(t, shape, "kind")
	assert.Contains(t, shape, "createdAt")
	assert.Contains(t, shape, "payload")
}

func TestQueueRejectsEmptyIntent(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	_, err := q.Enqueue(context.Background(), Intent{Kind: IntentUpsertResponse})
	assert.Error(t, err)
	_, err = q.Enqueue(context.Background(), Intent{Kind: "rename_group"})
	assert.Error(t, err)
}

func TestQueueEnqueueFailsWhenStoreDown(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	q := NewQueue(s)
	_, err := q.Enqueue(context.Background(), NewResponseIntent(testPayload(1, "p1", "r1", "x")))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestDecodeIntentCorrupt(t *testing.T) {
	cases := []struct {
		name string
		rec  QueueRecord
	}{
		{"unknown kind", QueueRecord{Kind: "rename_group", Payload: json.RawMessage(`{}`)}},
		{"bad json", QueueRecord{Kind: "upsert_response", Payload: json.RawMessage(`{`)}},
		{"missing ids", QueueRecord{Kind: "upsert_response", Payload: json.RawMessage(`{"week_number":1}`)}},
		{"bad week", QueueRecord{Kind: "delete_week_completion", Payload: json.RawMessage(`{"group_id":"g","user_id":"u","week_number":0}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeIntent(tc.rec)
			assert.ErrorIs(t, err, ErrQueueCorrupt)
		})
	}
}

func TestQueueDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := NewQueue(s)

	id, err := q.Enqueue(ctx, NewResponseIntent(testPayload(1, "p1", "r1", "x")))
	require.NoError(t, err)
	recs, err := q.Records(ctx)
	require.NoError(t, err)
	require.NoError(t, q.deadLetter(ctx, recs[0], assert.AnError))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	dls, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].ID)
	assert.Equal(t, assert.AnError.Error(), dls[0].Reason)

	t.Run("requeue", func(t *testing.T) {
		require.NoError(t, q.Requeue(ctx, id))
		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "x", pending[0].Response.ResponseText)

		dls, err := q.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dls)
	})

	t.Run("requeue unknown", func(t *testing.T) {
		assert.ErrorIs(t, q.Requeue(ctx, 999), ErrNotFound)
	})

	t.Run("drop", func(t *testing.T) {
		recs, err := q.Records(ctx)
		require.NoError(t, err)
		require.NoError(t, q.deadLetter(ctx, recs[0], assert.AnError))
		require.NoError(t, q.DropDeadLetter(ctx, recs[0].ID))
		dls, err := q.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dls)
	})
}

func TestQueueOrderSurvivesClockRollback(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")
	start := time.UnixMilli(1_700_000_000_000)

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	q := NewQueue(store)
	q.now = func() time.Time { return start }
	_, err = q.Enqueue(ctx, NewResponseIntent(testPayload(1, "p1", "r1", "first")))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	q = NewQueue(store)
	q.now = func() time.Time { return start.Add(-time.Minute) }
	_, err = q.Enqueue(ctx, NewResponseIntent(testPayload(1, "p1", "r1", "second")))
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Response.ResponseText)
	assert.Equal(t, "second", pending[1].Response.ResponseText)
	assert.Greater(t, pending[1].CreatedAt, pending[0].CreatedAt)
}
