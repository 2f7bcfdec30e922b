package realtime

import (
	"sync"
	"time"

	"chatr/internal/models"
)

// PresenceTracker keeps the set of online users. A leave only takes effect
// after the grace period so that a quick reconnect does not flicker the
// user offline.
type PresenceTracker struct {
	mu      sync.Mutex
	online  map[string]struct{}
	pending map[string]*time.Timer
	grace   time.Duration
	now     func() time.Time
	closed  bool
}

// NewPresenceTracker creates a tracker with the given leave grace period.
func NewPresenceTracker(grace time.Duration) *PresenceTracker {
	if grace < 0 {
		grace = 0
	}
	return &PresenceTracker{
		online:  make(map[string]struct{}),
		pending: make(map[string]*time.Timer),
		grace:   grace,
		now:     time.Now,
	}
}

// Join marks a user online and cancels any pending leave.
func (p *PresenceTracker) Join(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || userID == "" {
		return
	}
	p.cancelPendingLocked(userID)
	p.online[userID] = struct{}{}
}

// Leave schedules a user to go offline once the grace period passes.
func (p *PresenceTracker) Leave(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.online[userID]; !ok {
		return
	}
	if _, ok := p.pending[userID]; ok {
		return
	}
	if p.grace == 0 {
		delete(p.online, userID)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.pending[userID] != timer {
			return
		}
		delete(p.pending, userID)
		delete(p.online, userID)
	})
	p.pending[userID] = timer
}

// Sync replaces the online set with the authoritative list from the server.
func (p *PresenceTracker) Sync(userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for id := range p.pending {
		p.cancelPendingLocked(id)
	}
	p.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			p.online[id] = struct{}{}
		}
	}
}

// IsOnline reports whether the user is currently online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// Snapshot returns a copy of the online set.
func (p *PresenceTracker) Snapshot() models.PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	online := make(map[string]struct{}, len(p.online))
	for id := range p.online {
		online[id] = struct{}{}
	}
	return models.PresenceSnapshot{Online: online, TakenAt: p.now()}
}

// Reset forgets everyone, used when the identity changes.
func (p *PresenceTracker) Reset() {
	p.Sync(nil)
}

// Close stops pending timers; later updates are ignored.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.pending {
		p.cancelPendingLocked(id)
	}
	p.closed = true
}

func (p *PresenceTracker) cancelPendingLocked(userID string) {
	if timer, ok := p.pending[userID]; ok {
		timer.Stop()
		delete(p.pending, userID)
	}
}
