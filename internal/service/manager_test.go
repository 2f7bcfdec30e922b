package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chatr/internal/errors"
	"chatr/internal/models"
	"chatr/internal/notify"
	"chatr/internal/queue"
)

func TestSessionManager_LoginLogout(t *testing.T) {
	h := newSessionHarness(false)
	creds := &fakeCredentials{}
	m := NewSessionManager(h.deps, creds)
	ctx := context.Background()

	assert.Nil(t, m.Current())

	s, err := m.Login(ctx, models.Identity{UserID: "me", AccessToken: "tok"})
	require.NoError(t, err)
	assert.Same(t, s, m.Current())
	userID, token := creds.current()
	assert.Equal(t, "me", userID)
	assert.Equal(t, "tok", token)

	require.NoError(t, m.Logout(ctx))
	assert.Nil(t, m.Current())
	assert.Empty(t, h.feed.topics())
	userID, token = creds.current()
	assert.Empty(t, userID)
	assert.Empty(t, token)

	assert.NoError(t, m.Logout(ctx))
}

func TestSessionManager_LoginReplacesPreviousSession(t *testing.T) {
	h := newSessionHarness(false)
	m := NewSessionManager(h.deps)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.Close(ctx) })

	first, err := m.Login(ctx, models.Identity{UserID: "me"})
	require.NoError(t, err)
	_, err = first.Send(ctx, models.MessageDraft{ConversationID: "conv-1", Content: "mine"})
	require.NoError(t, err)

	second, err := m.Login(ctx, models.Identity{UserID: "someone-else"})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Empty(t, second.Queue())
	assert.Contains(t, h.feed.topics(), "messages:someone-else")
	assert.NotContains(t, h.feed.topics(), "messages:me")
	assert.Error(t, first.Start(ctx))
}

func TestSessionManager_RejectsEmptyIdentity(t *testing.T) {
	h := newSessionHarness(true)
	creds := &fakeCredentials{}
	m := NewSessionManager(h.deps, creds)

	_, err := m.Login(context.Background(), models.Identity{})
	assert.Error(t, err)
	assert.Nil(t, m.Current())
	assert.Equal(t, 0, creds.calls)
}

func TestSessionManager_LogoutClearsToastsOfPreviousUser(t *testing.T) {
	h := newSessionHarness(true)
	h.backend.insertErr = errors.New("rejected")
	m := NewSessionManager(h.deps)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.Close(ctx) })

	first, err := m.Login(ctx, models.Identity{UserID: "me"})
	require.NoError(t, err)
	_, err = first.Send(ctx, models.MessageDraft{ConversationID: "conv-1", Content: "private"})
	require.NoError(t, err)

	var failed notify.Toast
	require.Eventually(t, func() bool {
		for _, toast := range h.toasts.List() {
			if toast.Title == "Message failed to send" {
				failed = toast
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Len(t, failed.Actions, 1)

	require.NoError(t, m.Logout(ctx))
	assert.Empty(t, h.toasts.List())

	_, err = m.Login(ctx, models.Identity{UserID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, h.toasts.List())

	err = h.toasts.Invoke(ctx, failed.ID, failed.Actions[0].Name)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	assert.Error(t, failed.Actions[0].Run(ctx))
	blob, ok, err := h.store.LoadBlob(ctx, queue.StorageKey("me"))
	require.NoError(t, err)
	if ok {
		assert.NotContains(t, blob.Payload, "private")
	}
}
