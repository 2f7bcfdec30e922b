// Package network tracks whether the agent can currently reach the backend.
// The signal is event driven: callers report connectivity changes and
// subscribers are told about transitions, never about repeats.
package network

import (
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor exposes a boolean online signal.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	changedAt   time.Time
	nextID      int
	subscribers map[int]func(online bool)
	logger      *logrus.Logger
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(initialOnline bool, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		online:      initialOnline,
		changedAt:   time.Now(),
		subscribers: make(map[int]func(bool)),
		logger:      logger,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ChangedAt reports when the state last changed.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// SetOnline records a connectivity event. Subscribers run synchronously,
// in subscription order, and only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()

	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	handlers := make([]func(bool), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, m.subscribers[id])
	}
	m.mu.Unlock()

	m.logger.WithField("online", online).Info("Network state changed")
	for _, h := range handlers {
		h(online)
	}
}

// Subscribe registers fn for state transitions. The returned function
// removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}
