package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatr/internal/delivery"
	"chatr/internal/models"
)

type countingNotifier struct {
	mu                      sync.Mutex
	queued, sent, exhausted int
}

func (c *countingNotifier) MessageQueued(models.QueuedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued++
}

func (c *countingNotifier) MessageSent(models.QueuedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
}

func (c *countingNotifier) DeliveryExhausted(delivery.Exhaustion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exhausted++
}

func newPushingNotifier(backend *fakeBackend, enabled bool) (*pushingNotifier, *countingNotifier) {
	next := &countingNotifier{}
	return &pushingNotifier{
		next:    next,
		relay:   backend,
		selfID:  "me",
		enabled: enabled,
		logger:  quietLogger(),
		ctx:     context.Background(),
	}, next
}

func TestPushingNotifier_PushesToOtherParticipants(t *testing.T) {
	backend := &fakeBackend{participants: []string{"me", "alice", "bob"}}
	n, next := newPushingNotifier(backend, true)

	n.MessageSent(models.QueuedMessage{ConversationID: "conv-1", Content: "hello"})
	n.wait()

	assert.Equal(t, 1, next.sent)
	pushes := backend.pushRequests()
	require.Len(t, pushes, 1)
	assert.Equal(t, []string{"alice", "bob"}, pushes[0].UserIDs)
	assert.Equal(t, "hello", pushes[0].Body)
	assert.Equal(t, "conv-1", pushes[0].Data["conversationId"])
	assert.Equal(t, "me", pushes[0].Data["senderId"])
}

func TestPushingNotifier_TruncatesPreview(t *testing.T) {
	backend := &fakeBackend{participants: []string{"alice"}}
	n, _ := newPushingNotifier(backend, true)

	n.MessageSent(models.QueuedMessage{ConversationID: "conv-1", Content: strings.Repeat("é", 150)})
	n.wait()

	pushes := backend.pushRequests()
	require.Len(t, pushes, 1)
	assert.Equal(t, strings.Repeat("é", 100)+"...", pushes[0].Body)
}

func TestPushingNotifier_SkipsWhenAlone(t *testing.T) {
	backend := &fakeBackend{participants: []string{"me"}}
	n, _ := newPushingNotifier(backend, true)

	n.MessageSent(models.QueuedMessage{ConversationID: "conv-1", Content: "note to self"})
	n.wait()

	assert.Empty(t, backend.pushRequests())
}

func TestPushingNotifier_Disabled(t *testing.T) {
	backend := &fakeBackend{participants: []string{"alice"}}
	n, next := newPushingNotifier(backend, false)

	n.MessageSent(models.QueuedMessage{ConversationID: "conv-1", Content: "hi"})
	n.MessageQueued(models.QueuedMessage{})
	n.DeliveryExhausted(delivery.Exhaustion{})
	n.wait()

	assert.Empty(t, backend.pushRequests())
	assert.Equal(t, 1, next.sent)
	assert.Equal(t, 1, next.queued)
	assert.Equal(t, 1, next.exhausted)
}
