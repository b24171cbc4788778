package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/pulse/pkg/models"
)

type wsSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	events   map[models.EventType]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

// maxRefLength bounds the client ref echoed on acks and errors. It matches
// the envelope schema's maxLength.
const maxRefLength = 128

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("ws_envelope", wsEnvelopeSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.envelope = envelope

		events := map[models.EventType]string{
			models.EventPing:     wsPingSchema,
			models.EventTyping:   wsTypingSchema,
			models.EventMessage:  wsMessageSchema,
			models.EventMarkRead: wsMarkReadSchema,
			models.EventReaction: wsReactionSchema,
		}
		wsSchemas.events = make(map[models.EventType]*jsonschema.Schema, len(events))
		for typ, schema := range events {
			compiled, err := jsonschema.CompileString("ws_event_"+string(typ), schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.events[typ] = compiled
		}
	})
	return wsSchemas.initErr
}

// decodeInbound validates raw against the envelope and per-type schemas and
// decodes it. The returned event carries whatever ref could be read, even
// when err is set, so the error can echo it.
func decodeInbound(raw []byte) (*inboundEvent, *EventError) {
	if err := initWSSchemas(); err != nil {
		return &inboundEvent{}, wrapEventErr(CodeUnavailable, "schema unavailable", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return &inboundEvent{}, eventErr(CodeInvalidEvent, "malformed JSON")
	}
	ev := &inboundEvent{}
	if obj, ok := doc.(map[string]any); ok {
		if ref, ok := obj["ref"].(string); ok && utf8.RuneCountInString(ref) <= maxRefLength {
			ev.Ref = ref
		}
		if typ, ok := obj["type"].(string); ok {
			ev.Type = models.EventType(typ)
		}
	}

	if err := wsSchemas.envelope.Validate(doc); err != nil {
		return ev, eventErr(CodeInvalidEvent, schemaDetail(err))
	}
	schema, ok := wsSchemas.events[ev.Type]
	if !ok {
		return ev, eventErr(CodeUnknownEvent, "unknown event type "+string(ev.Type))
	}
	if err := schema.Validate(doc); err != nil {
		return ev, eventErr(CodeInvalidEvent, schemaDetail(err))
	}

	ref := ev.Ref
	if err := json.Unmarshal(raw, ev); err != nil {
		return &inboundEvent{Type: ev.Type, Ref: ref}, eventErr(CodeInvalidEvent, "malformed event body")
	}
	return ev, nil
}

// schemaDetail reports the innermost validation failure, which names the
// offending field.
func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}

const wsEnvelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "ref": { "type": "string", "maxLength": 128 }
  },
  "additionalProperties": true
}`

const wsPingSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsTypingSchema = `{
  "type": "object",
  "required": ["typing"],
  "properties": {
    "typing": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsMessageSchema = `{
  "type": "object",
  "anyOf": [
    { "required": ["text"] },
    { "required": ["media_keys"] }
  ],
  "properties": {
    "text": { "type": "string" },
    "reply_to_id": { "type": ["string", "integer"], "minLength": 1, "minimum": 1 },
    "media_keys": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": true
}`

const wsMarkReadSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsReactionSchema = `{
  "type": "object",
  "required": ["message_id", "emoji"],
  "properties": {
    "message_id": { "type": ["string", "integer"], "minLength": 1, "minimum": 1 },
    "emoji": { "type": "string", "minLength": 1, "maxLength": 32 }
  },
  "additionalProperties": true
}`
