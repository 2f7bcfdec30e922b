package service

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "chatr/internal/errors"
	"chatr/internal/models"
	"chatr/internal/privacy"
)

// CredentialSink receives the credentials of the logged-in user. The
// backend REST and realtime clients implement it.
type CredentialSink interface {
	SetCredentials(userID, token string)
}

// toastClearer is a Toaster that keeps toasts around after showing them.
type toastClearer interface {
	Clear()
}

// SessionManager owns the single active session and swaps it on login and
// logout.
type SessionManager struct {
	deps  Deps
	sinks []CredentialSink

	mu      sync.Mutex
	current *Session
}

// NewSessionManager creates a manager with nobody logged in.
func NewSessionManager(deps Deps, sinks ...CredentialSink) *SessionManager {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &SessionManager{deps: deps, sinks: sinks}
}

// Login closes the current session, if any, and starts one for identity.
// Logging in again as the current user restarts the session.
func (m *SessionManager) Login(ctx context.Context, identity models.Identity) (*Session, error) {
	if identity.Empty() {
		return nil, apperrors.NewValidationError("userId", "", "user id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.closeLocked(ctx); err != nil {
		m.deps.Logger.WithError(err).Warn("Previous session did not close cleanly")
	}

	m.setCredentials(identity.UserID, identity.AccessToken)

	session, err := NewSession(ctx, m.deps, identity)
	if err != nil {
		m.setCredentials("", "")
		return nil, err
	}
	if err := session.Start(ctx); err != nil {
		_ = session.Close(ctx)
		m.setCredentials("", "")
		return nil, err
	}

	m.current = session
	m.deps.Logger.WithField(LogFieldUserID, privacy.MaskUserID(identity.UserID)).Info("Logged in")
	return session, nil
}

// Logout closes the current session. It is a no-op when nobody is logged in.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.closeLocked(ctx)
	m.setCredentials("", "")
	m.deps.Logger.Info("Logged out")
	return err
}

// Current returns the active session or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close shuts down the active session on process exit.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx)
}

func (m *SessionManager) closeLocked(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	err := m.current.Close(ctx)
	m.current = nil
	if clearer, ok := m.deps.Toaster.(toastClearer); ok {
		clearer.Clear()
	}
	return err
}

func (m *SessionManager) setCredentials(userID, token string) {
	for _, sink := range m.sinks {
		sink.SetCredentials(userID, token)
	}
}
