package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"chatr/internal/database"
	apperrors "chatr/internal/errors"
	"chatr/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestQueue(t *testing.T, store BlobStore) *Queue {
	t.Helper()
	q, err := New(context.Background(), store, "user-1", quietLogger())
	require.NoError(t, err)
	return q
}

func draft(content string) models.MessageDraft {
	return models.MessageDraft{ConversationID: "conv-1", Content: content, MessageType: "text"}
}

func TestNew_RequiresUser(t *testing.T) {
	_, err := New(context.Background(), NewMemoryStore(), "", quietLogger())
	assert.Error(t, err)
}

func TestEnqueue_ThenAllContainsMessage(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())

	msg, err := q.Enqueue(context.Background(), draft("hello"))
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 0, msg.RetryCount)
	assert.False(t, msg.CreatedAt.IsZero())

	all := q.All()
	require.Len(t, all, 1)
	assert.Equal(t, msg, all[0])
}

func TestEnqueue_DefaultsMessageType(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())

	msg, err := q.Enqueue(context.Background(), models.MessageDraft{ConversationID: "c", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "text", msg.MessageType)
}

func TestEnqueue_AssignsUniqueIDs(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		msg, err := q.Enqueue(ctx, draft("m"))
		require.NoError(t, err)
		assert.False(t, seen[msg.ID])
		seen[msg.ID] = true
	}
}

func TestDrain_RemovesMessage(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, draft("one"))
	second, _ := q.Enqueue(ctx, draft("two"))

	removed, err := q.Drain(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	all := q.All()
	require.Len(t, all, 1)
	assert.Equal(t, second.ID, all[0].ID)

	removed, err = q.Drain(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAll_ReturnsSnapshot(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	_, _ = q.Enqueue(context.Background(), draft("one"))

	snapshot := q.All()
	snapshot[0].Content = "mutated"

	assert.Equal(t, "one", q.All()[0].Content)
}

func TestAll_EmptyIsNotNil(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	assert.NotNil(t, q.All())
	assert.Len(t, q.All(), 0)
}

func TestWriteThrough_PersistedMatchesMemory(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, draft("a"))
	_, _ = q.Enqueue(ctx, draft("b"))
	_, err := q.IncrementRetry(ctx, a.ID)
	require.NoError(t, err)

	blob, found, err := store.LoadBlob(ctx, StorageKey("user-1"))
	require.NoError(t, err)
	require.True(t, found)

	var persisted []models.QueuedMessage
	require.NoError(t, json.Unmarshal([]byte(blob.Payload), &persisted))
	assert.Equal(t, q.All(), persisted)
	assert.Equal(t, 1, persisted[0].RetryCount)
}

func TestReload_SurvivesRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	q1 := newTestQueue(t, store)
	msg, _ := q1.Enqueue(ctx, draft("persist me"))

	q2 := newTestQueue(t, store)
	all := q2.All()
	require.Len(t, all, 1)
	assert.Equal(t, msg.ID, all[0].ID)
	assert.Equal(t, "persist me", all[0].Content)
}

func TestCorruptBlob_ResetsToEmpty(t *testing.T) {
	store := NewMemoryStore()
	store.Put(StorageKey("user-1"), "{not json")

	q := newTestQueue(t, store)
	assert.Equal(t, 0, q.Len())

	blob, _, _ := store.LoadBlob(context.Background(), StorageKey("user-1"))
	assert.Equal(t, "[]", blob.Payload, "corrupt entry should be discarded")

	_, err := q.Enqueue(context.Background(), draft("after reset"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestIncrementRetry_UnknownID(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())

	_, err := q.IncrementRetry(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestConcurrentWriter_MergesOnConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tabA := newTestQueue(t, store)
	tabB := newTestQueue(t, store)

	fromA, err := tabA.Enqueue(ctx, draft("from A"))
	require.NoError(t, err)

	// tabB still holds version 0 and must reload before writing.
	fromB, err := tabB.Enqueue(ctx, draft("from B"))
	require.NoError(t, err)

	all := tabB.All()
	require.Len(t, all, 2)
	assert.Equal(t, fromA.ID, all[0].ID)
	assert.Equal(t, fromB.ID, all[1].ID)
}

func TestClear(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, draft("a"))
	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())

	_, found, _ := store.LoadBlob(ctx, q.Key())
	assert.False(t, found)

	_, err := q.Enqueue(ctx, draft("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_OnSQLiteStore(t *testing.T) {
	t.Setenv("CHATR_ENABLE_ENCRYPTION", "")
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	q := newTestQueue(t, db)
	msg, err := q.Enqueue(ctx, draft("durable"))
	require.NoError(t, err)

	reopened := newTestQueue(t, db)
	got, ok := reopened.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Content)

	removed, err := reopened.Drain(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, reopened.Len())
}
