package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an envelope on the wire.
type EventType string

// Inbound event types.
const (
	EventPing     EventType = "ping"
	EventTyping   EventType = "typing"
	EventMessage  EventType = "message"
	EventMarkRead EventType = "mark_read"
	EventReaction EventType = "reaction"
)

// Outbound-only event types.
const (
	EventPong         EventType = "pong"
	EventReadReceipt  EventType = "read_receipt"
	EventPresence     EventType = "presence"
	EventError        EventType = "error"
	EventAck          EventType = "ack"
	EventNotification EventType = "notification"
)

// OutboundEvent is an immutable envelope addressed to a scope. Origin holds the
// connection ID that caused the event, or is empty for server-originated events.
type OutboundEvent struct {
	Type    EventType
	Scope   ScopeKey
	Payload any
	Origin  string
}

// MarshalJSON flattens the payload fields next to "type":
// {"type":"typing","user_id":"7","typing":true}.
func (e OutboundEvent) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		body = bytes.TrimSpace(body)
		if len(body) < 2 || body[0] != '{' {
			return nil, fmt.Errorf("%s payload must encode as a JSON object", e.Type)
		}
		if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// TypingPayload announces a typing indicator change.
type TypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// PresencePayload announces an online/offline transition.
type PresencePayload struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// MessagePayload carries a newly persisted message.
type MessagePayload struct {
	ThreadID string  `json:"thread_id,omitempty"`
	PlaceID  string  `json:"place_id,omitempty"`
	Message  Message `json:"message"`
}

// ReadReceiptPayload announces a participant's read position.
type ReadReceiptPayload = ReadReceipt

// ReactionPayload announces a new reaction.
type ReactionPayload struct {
	ThreadID string   `json:"thread_id"`
	Reaction Reaction `json:"reaction"`
}

// ErrorPayload is sent privately to the connection whose event failed.
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
	Ref    string `json:"ref,omitempty"`
}

// AckPayload confirms a persisted event to its sender.
type AckPayload struct {
	Ref       string    `json:"ref,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationPayload is pushed to a user scope.
type NotificationPayload struct {
	NotificationType string         `json:"notification_type"`
	ThreadID         string         `json:"thread_id,omitempty"`
	Message          *Message       `json:"message,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}
