package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AccessStore answers the authorization questions asked at admission and on
// authorization-sensitive events.
type AccessStore interface {
	// IsMember reports whether userID participates in an accepted thread.
	IsMember(ctx context.Context, threadID, userID string) (bool, error)

	// ThreadParticipants lists the user IDs of a thread.
	ThreadParticipants(ctx context.Context, threadID string) ([]string, error)

	// IsBlocked reports whether either user has blocked the other in any thread.
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)

	// HasRecentCheckIn reports whether the user checked in at the place at or after since.
	HasRecentCheckIn(ctx context.Context, userID, placeID string, since time.Time) (bool, error)

	// UserThreads lists the accepted threads a user participates in.
	UserThreads(ctx context.Context, userID string) ([]string, error)
}

// MessageStore persists the durable side effects of client events.
type MessageStore interface {
	// AppendMessage stores a thread or place message and fills in its ID and
	// CreatedAt.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// SetLastRead records a participant's read position.
	SetLastRead(ctx context.Context, threadID, userID string, at time.Time) error

	// AddReaction stores a reaction on a message in threadID. It returns
	// ErrNotFound if the message is not in the thread and ErrAlreadyExists for
	// a duplicate (message, user, emoji).
	AddReaction(ctx context.Context, threadID string, reaction *models.Reaction) error
}

// Store is the full persistence surface the gateway consumes.
type Store interface {
	AccessStore
	MessageStore
	Close() error
}
