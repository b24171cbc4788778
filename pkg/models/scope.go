package models

import (
	"fmt"
	"strings"
)

// ScopeType identifies the kind of logical channel a connection joins.
type ScopeType string

const (
	ScopeThread ScopeType = "thread"
	ScopeUser   ScopeType = "user"
	ScopePlace  ScopeType = "place"
)

// Valid reports whether t is a known scope type.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeThread, ScopeUser, ScopePlace:
		return true
	}
	return false
}

// ScopeKey addresses one logical channel: a DM thread, a user's notification
// stream, or a place-chat room.
type ScopeKey struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

// ThreadScope returns the scope key for a DM thread.
func ThreadScope(threadID string) ScopeKey { return ScopeKey{Type: ScopeThread, ID: threadID} }

// UserScope returns the scope key for a user's notification stream.
func UserScope(userID string) ScopeKey { return ScopeKey{Type: ScopeUser, ID: userID} }

// PlaceScope returns the scope key for a place-chat room.
func PlaceScope(placeID string) ScopeKey { return ScopeKey{Type: ScopePlace, ID: placeID} }

func (k ScopeKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// IsZero reports whether k is the zero key.
func (k ScopeKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// ParseScopeKey parses the "type:id" form produced by String.
func ParseScopeKey(s string) (ScopeKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ScopeKey{}, fmt.Errorf("invalid scope key %q", s)
	}
	key := ScopeKey{Type: ScopeType(typ), ID: id}
	if !key.Type.Valid() {
		return ScopeKey{}, fmt.Errorf("unknown scope type %q", typ)
	}
	return key, nil
}
