package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pulse/pkg/models"
)

// Thread statuses.
const (
	ThreadPending  = "pending"
	ThreadAccepted = "accepted"
)

type memoryThread struct {
	userA, userB string
	status       string
}

type participantKey struct{ thread, user string }

type participantState struct {
	blocked  bool
	lastRead time.Time
}

type checkIn struct {
	userID, placeID string
	at              time.Time
}

type reactionKey struct{ message, user, emoji string }

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	threads   map[string]*memoryThread
	states    map[participantKey]*participantState
	checkIns  []checkIn
	messages  map[string]*models.Message
	reactions map[reactionKey]models.Reaction
	nextID    int64
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:   make(map[string]*memoryThread),
		states:    make(map[participantKey]*participantState),
		messages:  make(map[string]*models.Message),
		reactions: make(map[reactionKey]models.Reaction),
		now:       time.Now,
	}
}

// PutThread creates or replaces a thread between two users.
func (s *MemoryStore) PutThread(threadID, userA, userB, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = &memoryThread{userA: userA, userB: userB, status: status}
}

// SetBlocked sets the blocked flag userID holds on threadID.
func (s *MemoryStore) SetBlocked(threadID, userID string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(threadID, userID).blocked = blocked
}

// AddCheckIn records a check-in at a place.
func (s *MemoryStore) AddCheckIn(userID, placeID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIns = append(s.checkIns, checkIn{userID: userID, placeID: placeID, at: at})
}

// Message returns a stored message by ID.
func (s *MemoryStore) Message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

// LastRead returns the recorded read position for a participant.
func (s *MemoryStore) LastRead(threadID, userID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[participantKey{threadID, userID}]; ok {
		return st.lastRead
	}
	return time.Time{}
}

func (s *MemoryStore) stateLocked(threadID, userID string) *participantState {
	key := participantKey{threadID, userID}
	st, ok := s.states[key]
	if !ok {
		st = &participantState{}
		s.states[key] = st
	}
	return st
}

func (s *MemoryStore) IsMember(_ context.Context, threadID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok || th.status != ThreadAccepted {
		return false, nil
	}
	return th.userA == userID || th.userB == userID, nil
}

func (s *MemoryStore) ThreadParticipants(_ context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return []string{th.userA, th.userB}, nil
}

func (s *MemoryStore) IsBlocked(_ context.Context, userA, userB string) (bool, error) {
	if userA == userB {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, th := range s.threads {
		if !(th.userA == userA && th.userB == userB) && !(th.userA == userB && th.userB == userA) {
			continue
		}
		for _, uid := range []string{th.userA, th.userB} {
			if st, ok := s.states[participantKey{id, uid}]; ok && st.blocked {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *MemoryStore) HasRecentCheckIn(_ context.Context, userID, placeID string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.checkIns {
		if c.userID == userID && c.placeID == placeID && !c.at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UserThreads(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, th := range s.threads {
		if th.status == ThreadAccepted && (th.userA == userID || th.userB == userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Scope.Type {
	case models.ScopeThread:
		if _, ok := s.threads[msg.Scope.ID]; !ok {
			return ErrNotFound
		}
		s.nextID++
		msg.ID = strconv.FormatInt(s.nextID, 10)
	case models.ScopePlace:
		msg.ID = uuid.NewString()
	default:
		return fmt.Errorf("messages cannot be stored in %s scopes", msg.Scope.Type)
	}
	msg.CreatedAt = s.now().UTC()
	stored := *msg
	s.messages[msg.ID] = &stored
	return nil
}

func (s *MemoryStore) SetLastRead(_ context.Context, threadID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	s.stateLocked(threadID, userID).lastRead = at
	return nil
}

func (s *MemoryStore) AddReaction(_ context.Context, threadID string, reaction *models.Reaction) error {
	if reaction == nil {
		return fmt.Errorf("reaction is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[reaction.MessageID]
	if !ok || msg.Scope != models.ThreadScope(threadID) {
		return ErrNotFound
	}
	key := reactionKey{reaction.MessageID, reaction.UserID, reaction.Emoji}
	if _, exists := s.reactions[key]; exists {
		return ErrAlreadyExists
	}
	reaction.CreatedAt = s.now().UTC()
	s.reactions[key] = *reaction
	return nil
}

func (s *MemoryStore) Close() error { return nil }
