// Package chat declares the narrow interface this pipeline uses to reach
// the classroom backend's chat/report store, plus the records it reads
// and writes. The pipeline never creates chat messages or assignments;
// it only reads them and updates conversations and normalized records.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist. For chat
// origins this is a normal outcome: not every crawl is chat-initiated.
var ErrNotFound = errors.New("chat record not found")

// MessageType marks what a chat message body represents.
type MessageType string

// Message types this pipeline cares about.
const (
	MessageTypeText        MessageType = "text"
	MessageTypeCrawlResult MessageType = "crawl_result"
)

// Origin ties a crawl job back to the chat message that launched it.
type Origin struct {
	// MessageID is the originating chat message.
	MessageID uuid.UUID
	// ConversationID is the conversation the message belongs to.
	ConversationID uuid.UUID
	// GroupID is the workspace/group scope, nil for direct conversations.
	GroupID *uuid.UUID
	// AssignmentID is the assignment the conversation is attached to;
	// uuid.Nil when the crawl was launched outside an assignment.
	AssignmentID uuid.UUID
	// SenderID is the user who sent the originating message.
	SenderID string
}

// Message is the mutable slice of a chat message this pipeline updates.
type Message struct {
	ID       uuid.UUID
	Content  string
	Type     MessageType
	EditedAt *time.Time
}

// Conversation models conversation metadata. Name is set at most once by
// this pipeline: an already-named conversation is never renamed.
type Conversation struct {
	ID                   uuid.UUID
	Name                 string
	CourseID             uuid.UUID
	Participants         []string
	IsSystemConversation bool
	CreatedAt            time.Time
	LastMessageAt        time.Time
}

// Assignment is read-only here; it supplies the course link when this
// pipeline has to create a conversation.
type Assignment struct {
	ID       uuid.UUID
	CourseID uuid.UUID
	Title    string
}

// NormalizedRecord is the durable, retrieval-ready form of a crawl
// result. At most one exists per job.
type NormalizedRecord struct {
	ConversationID uuid.UUID
	JobID          uuid.UUID
	NormalizedData []byte
	EmbeddingText  string
	Embedding      []float32
	DetectedSchema string
	QualityScore   float64
	CreatedAt      time.Time
}

// Store is the chat/report store surface this pipeline depends on. All
// calls are short-lived; there is no cross-call transaction.
type Store interface {
	// FindOriginByJobID resolves the chat origin of a job, or ErrNotFound.
	FindOriginByJobID(ctx context.Context, jobID uuid.UUID) (Origin, error)
	// UpdateMessage persists content/type/edited-at changes to a message.
	UpdateMessage(ctx context.Context, msg Message) error

	// FindConversation loads conversation metadata or ErrNotFound.
	FindConversation(ctx context.Context, id uuid.UUID) (Conversation, error)
	// CreateConversation inserts a new conversation record.
	CreateConversation(ctx context.Context, conv Conversation) error
	// UpdateConversation persists metadata changes (currently the name).
	UpdateConversation(ctx context.Context, conv Conversation) error

	// FindAssignment loads an assignment or ErrNotFound.
	FindAssignment(ctx context.Context, id uuid.UUID) (Assignment, error)

	// CreateNormalizedRecord inserts a normalized crawl record.
	CreateNormalizedRecord(ctx context.Context, rec NormalizedRecord) error
	// FindNormalizedRecordByJobID loads the record for a job or ErrNotFound.
	FindNormalizedRecordByJobID(ctx context.Context, jobID uuid.UUID) (NormalizedRecord, error)
}
