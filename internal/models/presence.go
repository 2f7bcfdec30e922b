package models

import (
	"sort"
	"time"
)

// PresenceSnapshot is the set of users currently considered online.
type PresenceSnapshot struct {
	Online  map[string]struct{} `json:"-"`
	TakenAt time.Time           `json:"takenAt"`
}

// Contains reports whether userID is online in this snapshot.
func (p PresenceSnapshot) Contains(userID string) bool {
	_, ok := p.Online[userID]
	return ok
}

// UserIDs returns the online users in sorted order.
func (p PresenceSnapshot) UserIDs() []string {
	ids := make([]string, 0, len(p.Online))
	for id := range p.Online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of online users.
func (p PresenceSnapshot) Len() int {
	return len(p.Online)
}

// PresenceRecord is the payload of presence join, leave and sync events.
type PresenceRecord struct {
	UserIDs []string `json:"user_ids"`
}
