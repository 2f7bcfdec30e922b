package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
)

// ToastCenter is an in-memory Toaster that keeps the most recent toasts so
// a UI can list them and invoke their actions.
type ToastCenter struct {
	mu     sync.Mutex
	toasts []Toast
	limit  int
	logger *logrus.Logger
	now    func() time.Time
}

// NewToastCenter keeps up to limit toasts.
func NewToastCenter(limit int, logger *logrus.Logger) *ToastCenter {
	if limit <= 0 {
		limit = constants.DefaultToastHistorySize
	}
	return &ToastCenter{
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

// Show stores the toast and returns its id.
func (c *ToastCenter) Show(t Toast) string {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = c.now().UTC()
	}

	c.mu.Lock()
	c.toasts = append(c.toasts, t)
	if over := len(c.toasts) - c.limit; over > 0 {
		c.toasts = append([]Toast(nil), c.toasts[over:]...)
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"toast_id": t.ID,
		"kind":     t.Kind,
		"title":    t.Title,
	}).Info("Toast")
	return t.ID
}

// List returns the stored toasts, newest last.
func (c *ToastCenter) List() []Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Toast, len(c.toasts))
	copy(out, c.toasts)
	return out
}

// Get returns a stored toast.
func (c *ToastCenter) Get(id string) (Toast, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.toasts[i], true
	}
	return Toast{}, false
}

// Invoke runs a toast action. A toast whose action succeeds is dismissed.
func (c *ToastCenter) Invoke(ctx context.Context, toastID, action string) error {
	toast, ok := c.Get(toastID)
	if !ok {
		return apperrors.NewNotFoundError("toast", toastID)
	}

	for _, a := range toast.Actions {
		if a.Name != action {
			continue
		}
		if a.Run == nil {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "toast action has no handler").
				WithContext("action", action)
		}
		if err := a.Run(ctx); err != nil {
			return err
		}
		c.Dismiss(toastID)
		return nil
	}
	return apperrors.NewNotFoundError("toast action", action)
}

// Dismiss removes a toast. It reports whether the toast existed.
func (c *ToastCenter) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return false
	}
	c.toasts = append(c.toasts[:i], c.toasts[i+1:]...)
	return true
}

// Clear drops every stored toast along with its actions.
func (c *ToastCenter) Clear() {
	c.mu.Lock()
	n := len(c.toasts)
	c.toasts = nil
	c.mu.Unlock()

	if n > 0 {
		c.logger.WithField("count", n).Debug("Toasts cleared")
	}
}

func (c *ToastCenter) indexLocked(id string) int {
	for i := range c.toasts {
		if c.toasts[i].ID == id {
			return i
		}
	}
	return -1
}
