package models

import "time"

// MessageDraft is what a caller supplies when sending a message.
type MessageDraft struct {
	ConversationID string  `json:"conversationId"`
	Content        string  `json:"content"`
	MediaURL       *string `json:"mediaUrl,omitempty"`
	MessageType    string  `json:"messageType"`
}

// QueuedMessage is an outbound message that has not yet been confirmed by
// the backend. The persisted queue is a JSON array of these.
type QueuedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MediaURL       *string   `json:"mediaUrl,omitempty"`
	MessageType    string    `json:"messageType"`
	CreatedAt      time.Time `json:"createdAt"`
	RetryCount     int       `json:"retryCount"`
}

// Draft returns the caller-supplied portion of the message.
func (m QueuedMessage) Draft() MessageDraft {
	return MessageDraft{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		MessageType:    m.MessageType,
	}
}

// Row builds the backend insert for this message.
func (m QueuedMessage) Row(senderID, status string) MessageRow {
	return MessageRow{
		ConversationID: m.ConversationID,
		SenderID:       senderID,
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		MessageType:    m.MessageType,
		Status:         status,
	}
}

// QueueBlob is the persisted form of one user's queue: the JSON array of
// QueuedMessage plus the version used for compare-and-swap writes.
type QueueBlob struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}
