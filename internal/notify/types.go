// Package notify presents inbound events and delivery outcomes to the user
// as in-app toasts, a notification sound and OS notifications.
package notify

import (
	"context"
	"time"
)

// ToastKind sets how a toast is styled.
type ToastKind string

const (
	ToastInfo    ToastKind = "info"
	ToastSuccess ToastKind = "success"
	ToastError   ToastKind = "error"
)

// ToastAction is a button on a toast.
type ToastAction struct {
	Name  string                          `json:"name"`
	Label string                          `json:"label"`
	Run   func(ctx context.Context) error `json:"-"`
}

// Toast is an in-app notification.
type Toast struct {
	ID             string        `json:"id"`
	Kind           ToastKind     `json:"kind"`
	Title          string        `json:"title"`
	Body           string        `json:"body,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Actions        []ToastAction `json:"actions,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Toaster shows in-app toasts and returns the toast id.
type Toaster interface {
	Show(toast Toast) string
}

// SoundPlayer plays the short notification sound.
type SoundPlayer interface {
	Play(ctx context.Context) error
}

// Permission is the OS notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// OSNotification is a system-level notification. Data carries what the
// caller needs to navigate when the user follows it.
type OSNotification struct {
	Title   string
	Body    string
	Tag     string
	Data    map[string]string
	OnClick func()
}

// Handle controls a shown OS notification.
type Handle interface {
	Close() error
}

// OSNotifier shows OS notifications.
type OSNotifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Notify(ctx context.Context, n OSNotification) (Handle, error)
}

// WindowFocuser brings the app window to the front.
type WindowFocuser interface {
	Focus() error
}

// FocusFunc adapts a function to WindowFocuser.
type FocusFunc func() error

func (f FocusFunc) Focus() error { return f() }

// ProfileLookup resolves a user's display name.
type ProfileLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}
