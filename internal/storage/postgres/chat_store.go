// Package postgres provides the Postgres-backed chat store implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classpilot/crawlingest/internal/chat"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ChatStore implements chat.Store against the classroom backend schema.
type ChatStore struct {
	pool dbPool
}

// ChatStoreConfig controls the Postgres connection pool.
type ChatStoreConfig struct {
	DSN      string
	MaxConns int32
}

// NewChatStore connects a pool and returns a ChatStore.
func NewChatStore(ctx context.Context, cfg ChatStoreConfig) (*ChatStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ChatStore{pool: pool}, nil
}

// NewChatStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewChatStoreWithPool(pool dbPool) (*ChatStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ChatStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *ChatStore) Close() {
	s.pool.Close()
}

// FindOriginByJobID resolves the chat message that launched a crawl job.
func (s *ChatStore) FindOriginByJobID(ctx context.Context, jobID uuid.UUID) (chat.Origin, error) {
	query := `
		SELECT m.id, m.conversation_id, c.group_id, m.assignment_id, m.sender_id
		FROM chat_messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.crawl_job_id = $1;
	`
	var origin chat.Origin
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&origin.MessageID,
		&origin.ConversationID,
		&origin.GroupID,
		&origin.AssignmentID,
		&origin.SenderID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Origin{}, chat.ErrNotFound
		}
		return chat.Origin{}, fmt.Errorf("find origin by job id: %w", err)
	}
	return origin, nil
}

// UpdateMessage persists content/type/edited-at changes to a chat message.
func (s *ChatStore) UpdateMessage(ctx context.Context, msg chat.Message) error {
	query := `
		UPDATE chat_messages
		SET content = $1, message_type = $2, edited_at = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, msg.Content, msg.Type, msg.EditedAt, msg.ID)
	if err != nil {
		return fmt.Errorf("update chat message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// FindConversation loads conversation metadata.
func (s *ChatStore) FindConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error) {
	query := `
		SELECT id, COALESCE(name, ''), course_id, participants, is_system_conversation, created_at, last_message_at
		FROM conversations
		WHERE id = $1;
	`
	var conv chat.Conversation
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.Name,
		&conv.CourseID,
		&conv.Participants,
		&conv.IsSystemConversation,
		&conv.CreatedAt,
		&conv.LastMessageAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Conversation{}, chat.ErrNotFound
		}
		return chat.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a new conversation record.
func (s *ChatStore) CreateConversation(ctx context.Context, conv chat.Conversation) error {
	query := `
		INSERT INTO conversations (id, name, course_id, participants, is_system_conversation, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		conv.ID,
		conv.Name,
		conv.CourseID,
		conv.Participants,
		conv.IsSystemConversation,
		conv.CreatedAt,
		conv.LastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// UpdateConversation persists conversation metadata changes.
func (s *ChatStore) UpdateConversation(ctx context.Context, conv chat.Conversation) error {
	query := `
		UPDATE conversations
		SET name = $1, last_message_at = $2
		WHERE id = $3;
	`
	tag, err := s.pool.Exec(ctx, query, conv.Name, conv.LastMessageAt, conv.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// FindAssignment loads the assignment linked to a conversation's course.
func (s *ChatStore) FindAssignment(ctx context.Context, id uuid.UUID) (chat.Assignment, error) {
	query := `
		SELECT id, course_id, title
		FROM assignments
		WHERE id = $1;
	`
	var a chat.Assignment
	err := s.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.CourseID, &a.Title)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Assignment{}, chat.ErrNotFound
		}
		return chat.Assignment{}, fmt.Errorf("find assignment: %w", err)
	}
	return a, nil
}

// CreateNormalizedRecord inserts a normalized crawl record. The unique
// index on job_id makes replays a no-op instead of a duplicate.
func (s *ChatStore) CreateNormalizedRecord(ctx context.Context, rec chat.NormalizedRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
		INSERT INTO normalized_crawl_records
			(conversation_id, job_id, normalized_data, embedding_text, embedding, detected_schema, quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		rec.ConversationID,
		rec.JobID,
		rec.NormalizedData,
		rec.EmbeddingText,
		rec.Embedding,
		rec.DetectedSchema,
		rec.QualityScore,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("create normalized record: %w", err)
	}
	return nil
}

// FindNormalizedRecordByJobID loads the normalized record for a job.
func (s *ChatStore) FindNormalizedRecordByJobID(ctx context.Context, jobID uuid.UUID) (chat.NormalizedRecord, error) {
	query := `
		SELECT conversation_id, job_id, normalized_data, embedding_text, embedding, detected_schema, quality_score, created_at
		FROM normalized_crawl_records
		WHERE job_id = $1;
	`
	var rec chat.NormalizedRecord
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.ConversationID,
		&rec.JobID,
		&rec.NormalizedData,
		&rec.EmbeddingText,
		&rec.Embedding,
		&rec.DetectedSchema,
		&rec.QualityScore,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.NormalizedRecord{}, chat.ErrNotFound
		}
		return chat.NormalizedRecord{}, fmt.Errorf("find normalized record: %w", err)
	}
	return rec, nil
}
