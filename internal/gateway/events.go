package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/pulse/pkg/models"
)

// inboundEvent is the union of every client event body. Fields not used by
// an event type are left zero; the schema rejects unknown combinations.
type inboundEvent struct {
	Type models.EventType `json:"type"`
	Ref  string           `json:"ref,omitempty"`

	// typing
	Typing *bool `json:"typing,omitempty"`

	// message
	Text      string   `json:"text,omitempty"`
	ReplyToID wireID   `json:"reply_to_id,omitempty"`
	MediaKeys []string `json:"media_keys,omitempty"`

	// reaction
	MessageID wireID `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// wireID is an entity id sent either as a JSON string or as an integer.
type wireID string

func (id *wireID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = wireID(s)
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return err
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("id %s is not an integer", n)
	}
	*id = wireID(n.String())
	return nil
}

// scopeCapabilities lists the inbound event types each scope type accepts.
var scopeCapabilities = map[models.ScopeType]map[models.EventType]bool{
	models.ScopeThread: {
		models.EventPing:     true,
		models.EventTyping:   true,
		models.EventMessage:  true,
		models.EventMarkRead: true,
		models.EventReaction: true,
	},
	models.ScopePlace: {
		models.EventPing:    true,
		models.EventTyping:  true,
		models.EventMessage: true,
	},
	models.ScopeUser: {
		models.EventPing: true,
	},
}

func scopeAccepts(scope models.ScopeType, typ models.EventType) bool {
	return scopeCapabilities[scope][typ]
}

// refPayload is the body of a pong that echoes a client ref.
type refPayload struct {
	Ref string `json:"ref"`
}

func errorEvent(scope models.ScopeKey, code, detail, ref string) models.OutboundEvent {
	return models.OutboundEvent{
		Type:    models.EventError,
		Scope:   scope,
		Payload: models.ErrorPayload{Code: code, Detail: detail, Ref: ref},
	}
}
