package models

import "encoding/json"

// ChangeType is the kind of row-level or presence change carried by the feed.
type ChangeType string

const (
	ChangeInsert        ChangeType = "INSERT"
	ChangeUpdate        ChangeType = "UPDATE"
	ChangeDelete        ChangeType = "DELETE"
	ChangeAll           ChangeType = "*"
	ChangePresenceJoin  ChangeType = "presence_join"
	ChangePresenceLeave ChangeType = "presence_leave"
	ChangePresenceSync  ChangeType = "presence_sync"
)

// ChangeEvent is a single event delivered by the change-feed.
type ChangeEvent struct {
	Topic           string          `json:"topic"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            ChangeType      `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// Decode unmarshals the event's record into v.
func (e ChangeEvent) Decode(v any) error {
	return json.Unmarshal(e.Record, v)
}
