// Package event defines the crawler event envelope, the typed payloads
// carried per event category, and the pure decode/route functions that
// turn raw broker messages into something the consumer can dispatch.
package event

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Header key carrying the event type. Producers have shipped both
// spellings over time, so the decoder accepts either.
const (
	HeaderEventType    = "event-type"
	HeaderEventTypeAlt = "eventType"
)

// RawMessage is one message as pulled off the log, owned by the consumer
// for the duration of a single poll.
type RawMessage struct {
	Headers   map[string][]byte
	Body      []byte
	Topic     string
	Partition int
	Offset    int64
}

// Envelope is the decoded form of a RawMessage: the event type string
// plus the syntactically valid JSON body. Payload shape validation is
// deferred to the per-category decoders.
type Envelope struct {
	EventType string
	Payload   json.RawMessage
}

// Category is the handling strategy an event type maps to.
type Category int

// Handling strategies. Unknown is a deliberate no-op for forward
// compatibility with event types this consumer predates.
const (
	Unknown Category = iota
	JobStarted
	JobProgress
	JobCompleted
	JobCompletedWithEmbedding
	JobFailed
	StatusChanged
	DetailEvent
)

// String returns the category name for logging.
func (c Category) String() string {
	switch c {
	case JobStarted:
		return "job_started"
	case JobProgress:
		return "job_progress"
	case JobCompleted:
		return "job_completed"
	case JobCompletedWithEmbedding:
		return "job_completed_with_embedding"
	case JobFailed:
		return "job_failed"
	case StatusChanged:
		return "status_changed"
	case DetailEvent:
		return "detail_event"
	default:
		return "unknown"
	}
}

// StartedPayload announces the beginning of a crawl job.
type StartedPayload struct {
	JobID  uuid.UUID `json:"jobId"`
	UserID string    `json:"userId"`
}

// ProgressPayload is a periodic crawl progress update.
type ProgressPayload struct {
	JobID              uuid.UUID `json:"jobId"`
	TotalUnits         int       `json:"totalUnits"`
	CompletedUnits     int       `json:"completedUnits"`
	ProgressPercentage float64   `json:"progressPercentage"`
	CurrentItem        *string   `json:"currentItem"`
}

// CompletedPayload is the legacy terminal completion event.
type CompletedPayload struct {
	JobID            uuid.UUID `json:"jobId"`
	UserID           string    `json:"userId"`
	UnitsProcessed   int       `json:"unitsProcessed"`
	UnitsSuccessful  int       `json:"unitsSuccessful"`
	UnitsFailed      int       `json:"unitsFailed"`
	ConversationName *string   `json:"conversationName"`
}

// RichCompletedPayload is the terminal completion event from producers
// that precompute embeddings. Everything beyond the job id is optional.
type RichCompletedPayload struct {
	JobID            uuid.UUID       `json:"jobId"`
	UserID           *string         `json:"userId"`
	ConversationName *string         `json:"conversationName"`
	EmbeddingText    *string         `json:"embeddingText"`
	EmbeddingVector  []float32       `json:"embeddingVector"`
	SchemaType       *string         `json:"schemaType"`
	QualityScore     *float64        `json:"qualityScore"`
	ItemsCount       *int            `json:"itemsCount"`
	FinalURL         *string         `json:"finalUrl"`
	ExecutionTimeMs  *int64          `json:"executionTimeMs"`
	ExtractedData    json.RawMessage `json:"extractedData"`
}

// HasEmbedding reports whether the producer supplied enough embedding
// data for the direct persistence path.
func (p RichCompletedPayload) HasEmbedding() bool {
	return len(p.EmbeddingVector) > 0 || (p.EmbeddingText != nil && *p.EmbeddingText != "")
}

// FailedPayload is the terminal failure event.
type FailedPayload struct {
	JobID        uuid.UUID `json:"jobId"`
	ErrorMessage *string   `json:"errorMessage"`
}

// StatusPayload is a coarse status transition.
type StatusPayload struct {
	JobID  uuid.UUID `json:"jobId"`
	Status string    `json:"status"`
}

// DetailPayload carries a fine-grained navigation/extraction step.
type DetailPayload struct {
	JobID      uuid.UUID       `json:"jobId"`
	EventType  *string         `json:"eventType"`
	Message    *string         `json:"message"`
	Details    json.RawMessage `json:"details"`
	StepNumber *int            `json:"stepNumber"`
	TotalSteps *int            `json:"totalSteps"`
	PageNumber *int            `json:"pageNumber"`
}
