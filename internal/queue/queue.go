// Package queue holds one user's not-yet-confirmed outbound messages in
// durable storage. The whole list is rewritten on every mutation and the
// write is a compare-and-swap on the stored version, so a second writer for
// the same user is detected instead of silently overwritten.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/models"
	"chatr/internal/privacy"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StorageKey returns the per-user key the queue is persisted under.
func StorageKey(userID string) string {
	return constants.QueueStorageKeyPrefix + userID
}

// Queue is a durable FIFO of QueuedMessage scoped to one user.
type Queue struct {
	mu      sync.Mutex
	store   BlobStore
	key     string
	version int64
	items   []models.QueuedMessage
	logger  *logrus.Logger

	now   func() time.Time
	newID func() string
}

// New loads the queue for userID from store. A corrupt persisted queue is
// discarded and replaced by an empty one.
func New(ctx context.Context, store BlobStore, userID string, logger *logrus.Logger) (*Queue, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user_id", "", "user id is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	q := &Queue{
		store:  store,
		key:    StorageKey(userID),
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.reloadLocked(ctx); err != nil {
		return nil, err
	}

	q.logger.WithFields(logrus.Fields{
		"user":  privacy.MaskUserID(userID),
		"depth": len(q.items),
	}).Debug("Loaded outbound queue")
	return q, nil
}

// reloadLocked replaces the in-memory state with what is stored.
func (q *Queue) reloadLocked(ctx context.Context) error {
	blob, found, err := q.store.LoadBlob(ctx, q.key)
	if err != nil {
		return apperrors.NewQueueStorageError("load", err)
	}
	if !found {
		q.items = nil
		q.version = 0
		return nil
	}

	q.version = blob.Version
	var items []models.QueuedMessage
	if err := json.Unmarshal([]byte(blob.Payload), &items); err != nil {
		q.logger.WithError(err).Warn("Discarding corrupt outbound queue")
		q.items = nil
		if v, casErr := q.store.CompareAndSwapBlob(ctx, q.key, "[]", blob.Version); casErr == nil {
			q.version = v
		}
		return nil
	}
	q.items = items
	return nil
}

// mutate applies fn to the current list and persists the result. On a
// version conflict the latest stored list is reloaded and fn applied again.
func (q *Queue) mutate(ctx context.Context, fn func([]models.QueuedMessage) ([]models.QueuedMessage, error)) error {
	for attempt := 1; attempt <= constants.DefaultQueueCASAttempts; attempt++ {
		next, err := fn(cloneItems(q.items))
		if err != nil {
			return err
		}

		payload, err := json.Marshal(nonNil(next))
		if err != nil {
			return apperrors.NewQueueStorageError("encode", err)
		}

		version, err := q.store.CompareAndSwapBlob(ctx, q.key, string(payload), q.version)
		if err == nil {
			q.items = next
			q.version = version
			return nil
		}

		if !apperrors.HasCode(err, apperrors.ErrCodeQueueConflict) {
			return apperrors.NewQueueStorageError("persist", err)
		}

		q.logger.WithField("attempt", attempt).Warn("Outbound queue changed underneath us, reloading")
		if err := q.reloadLocked(ctx); err != nil {
			return err
		}
	}

	return apperrors.New(apperrors.ErrCodeQueueConflict, "outbound queue kept changing while saving").
		WithUserMessage("Another window is sending messages for this account")
}

// Enqueue appends a new message with a fresh id and zero retry count.
func (q *Queue) Enqueue(ctx context.Context, draft models.MessageDraft) (models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := models.QueuedMessage{
		ID:             q.newID(),
		ConversationID: draft.ConversationID,
		Content:        draft.Content,
		MediaURL:       draft.MediaURL,
		MessageType:    draft.MessageType,
		CreatedAt:      q.now().UTC(),
		RetryCount:     0,
	}
	if msg.MessageType == "" {
		msg.MessageType = constants.DefaultOutboundMessageType
	}

	err := q.mutate(ctx, func(items []models.QueuedMessage) ([]models.QueuedMessage, error) {
		return append(items, msg), nil
	})
	if err != nil {
		return models.QueuedMessage{}, err
	}
	return msg, nil
}

// Drain removes the message with the given id. It reports whether the
// message was present.
func (q *Queue) Drain(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	err := q.mutate(ctx, func(items []models.QueuedMessage) ([]models.QueuedMessage, error) {
		removed = false
		out := items[:0]
		for _, item := range items {
			if item.ID == id {
				removed = true
				continue
			}
			out = append(out, item)
		}
		return out, nil
	})
	return removed, err
}

// IncrementRetry bumps the retry count of a queued message and returns the
// updated copy.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var updated models.QueuedMessage
	err := q.mutate(ctx, func(items []models.QueuedMessage) ([]models.QueuedMessage, error) {
		for i := range items {
			if items[i].ID == id {
				items[i].RetryCount++
				updated = items[i]
				return items, nil
			}
		}
		return nil, apperrors.NewNotFoundError("queued message", id)
	})
	return updated, err
}

// Clear drops every queued message.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteBlob(ctx, q.key); err != nil {
		return apperrors.NewQueueStorageError("clear", err)
	}
	q.items = nil
	q.version = 0
	return nil
}

// All returns a snapshot of the queue in enqueue order.
func (q *Queue) All() []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return nonNil(cloneItems(q.items))
}

// Get returns the queued message with the given id.
func (q *Queue) Get(id string) (models.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.ID == id {
			return item, true
		}
	}
	return models.QueuedMessage{}, false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Key returns the storage key.
func (q *Queue) Key() string {
	return q.key
}

func cloneItems(items []models.QueuedMessage) []models.QueuedMessage {
	if items == nil {
		return nil
	}
	out := make([]models.QueuedMessage, len(items))
	copy(out, items)
	return out
}

func nonNil(items []models.QueuedMessage) []models.QueuedMessage {
	if items == nil {
		return []models.QueuedMessage{}
	}
	return items
}
