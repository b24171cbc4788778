package models

import (
	"time"
)

// User is the identity attached to an authenticated connection.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Message is a chat message persisted in a DM thread or a place-chat room.
type Message struct {
	ID          string       `json:"id"`
	Scope       ScopeKey     `json:"-"`
	SenderID    string       `json:"sender_id"`
	Text        string       `json:"text"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment is a media object stored in the blob store and referenced by key.
type Attachment struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Reaction is a single emoji reaction on a thread message. A user may react
// with a given emoji at most once per message.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt records how far a participant has read a thread.
type ReadReceipt struct {
	ThreadID   string    `json:"thread_id"`
	UserID     string    `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}
