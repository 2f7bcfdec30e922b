package models

import "time"

// EventKind classifies an InboundEvent.
type EventKind string

const (
	EventKindMessage     EventKind = "message"
	EventKindAppointment EventKind = "appointment"
	EventKindCall        EventKind = "call"
)

// InboundEvent is a transient notification-worthy occurrence. It is never
// persisted; the presenter consumes it immediately.
type InboundEvent struct {
	Kind           EventKind       `json:"kind"`
	OriginUserID   string          `json:"originUserId"`
	ConversationID string          `json:"conversationId,omitempty"`
	Title          string          `json:"title"`
	Body           string          `json:"body,omitempty"`
	Message        *MessageRow     `json:"message,omitempty"`
	Appointment    *AppointmentRow `json:"appointment,omitempty"`
	Call           *CallRow        `json:"call,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}
