package models

import "time"

// MessageRow mirrors a row of the backend messages table.
type MessageRow struct {
	ID             string     `json:"id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	MediaURL       *string    `json:"media_url,omitempty"`
	MessageType    string     `json:"message_type"`
	Status         string     `json:"status,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// AppointmentRow mirrors a row of the backend appointments table.
type AppointmentRow struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	ProviderID  string     `json:"provider_id"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// CallRow mirrors a row of the backend calls table.
type CallRow struct {
	ID         string `json:"id"`
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
	CallType   string `json:"call_type"`
	Status     string `json:"status"`
}

// Call statuses the listener cares about.
const (
	CallStatusRinging = "ringing"
)

// PushRequest is sent to the push relay so closed clients still get an alert.
type PushRequest struct {
	UserIDs []string          `json:"user_ids"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}
