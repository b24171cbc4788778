package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/pulse/pkg/models"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore reads and writes the tables owned by the persistence
// service: dm_threads, dm_participant_states, dm_messages,
// dm_message_reactions, check_ins and place_chat_messages.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a pooled connection and verifies it.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) IsMember(ctx context.Context, threadID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM dm_threads
		   WHERE id = $1 AND status = 'accepted' AND (user_a_id = $2 OR user_b_id = $2))`,
		threadID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check thread membership: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ThreadParticipants(ctx context.Context, threadID string) ([]string, error) {
	var a, b string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_a_id, user_b_id FROM dm_threads WHERE id = $1`, threadID,
	).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread participants: %w", err)
	}
	return []string{a, b}, nil
}

func (s *PostgresStore) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	if userA == userB {
		return false, nil
	}
	var blocked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM dm_participant_states s
		   JOIN dm_threads t ON t.id = s.thread_id
		   WHERE s.blocked
		     AND ((t.user_a_id = $1 AND t.user_b_id = $2) OR (t.user_a_id = $2 AND t.user_b_id = $1)))`,
		userA, userB,
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return blocked, nil
}

func (s *PostgresStore) HasRecentCheckIn(ctx context.Context, userID, placeID string, since time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM check_ins WHERE user_id = $1 AND place_id = $2 AND created_at >= $3)`,
		userID, placeID, since,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check recent check-in: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) UserThreads(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM dm_threads
		 WHERE status = 'accepted' AND (user_a_id = $1 OR user_b_id = $1)
		 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user threads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user threads: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	switch msg.Scope.Type {
	case models.ScopeThread:
		keys := make([]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			keys = append(keys, a.Key)
		}
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO dm_messages (thread_id, sender_id, text, reply_to_id, media_keys)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			msg.Scope.ID, msg.SenderID, msg.Text, nullString(msg.ReplyToID), pq.Array(keys),
		).Scan(&msg.ID, &msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert thread message: %w", classify(err))
		}
	case models.ScopePlace:
		msg.ID = uuid.NewString()
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO place_chat_messages (id, place_id, user_id, text, reply_to_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			msg.ID, msg.Scope.ID, msg.SenderID, msg.Text, nullString(msg.ReplyToID),
		).Scan(&msg.CreatedAt)
		if err != nil {
			msg.ID = ""
			return fmt.Errorf("insert place message: %w", classify(err))
		}
	default:
		return fmt.Errorf("messages cannot be stored in %s scopes", msg.Scope.Type)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return nil
}

func (s *PostgresStore) SetLastRead(ctx context.Context, threadID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dm_participant_states (thread_id, user_id, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id, user_id) DO UPDATE SET last_read_at = EXCLUDED.last_read_at`,
		threadID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("set last read: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) AddReaction(ctx context.Context, threadID string, reaction *models.Reaction) error {
	if reaction == nil {
		return fmt.Errorf("reaction is required")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO dm_message_reactions (message_id, user_id, emoji)
		 SELECT m.id, $2, $3 FROM dm_messages m
		 WHERE m.id = $1 AND m.thread_id = $4 AND m.deleted_at IS NULL
		 RETURNING created_at`,
		reaction.MessageID, reaction.UserID, reaction.Emoji, threadID,
	).Scan(&reaction.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err := classify(err); errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("add reaction: %w", err)
	}
	reaction.CreatedAt = reaction.CreatedAt.UTC()
	return nil
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return ErrAlreadyExists
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
