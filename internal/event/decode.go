package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Decode failure sentinels. Both mean the message can never succeed and
// must be dropped, not retried.
var (
	ErrMissingEventType = errors.New("message has no event type header")
	ErrMalformedPayload = errors.New("message body is not valid JSON")
)

// Decode turns a RawMessage into an Envelope. It is a pure function: the
// event type comes from the header (primary spelling first, then the
// alternate), and the body must be syntactically valid JSON. Payload
// shape is not checked here.
func Decode(msg RawMessage) (Envelope, error) {
	eventType := headerValue(msg.Headers, HeaderEventType)
	if eventType == "" {
		eventType = headerValue(msg.Headers, HeaderEventTypeAlt)
	}
	if eventType == "" {
		return Envelope{}, ErrMissingEventType
	}

	if !json.Valid(msg.Body) {
		return Envelope{}, ErrMalformedPayload
	}

	return Envelope{
		EventType: eventType,
		Payload:   json.RawMessage(msg.Body),
	}, nil
}

func headerValue(headers map[string][]byte, key string) string {
	if headers == nil {
		return ""
	}
	return string(headers[key])
}

// DecodeStarted parses and validates a JobStarted payload.
func DecodeStarted(raw json.RawMessage) (StartedPayload, error) {
	var p StartedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return StartedPayload{}, fmt.Errorf("decode started payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return StartedPayload{}, errors.New("started payload requires jobId")
	}
	if p.UserID == "" {
		return StartedPayload{}, errors.New("started payload requires userId")
	}
	return p, nil
}

// DecodeProgress parses and validates a JobProgress payload. The unit
// counters are required; decoding them through pointers distinguishes an
// absent field from a legitimate zero.
func DecodeProgress(raw json.RawMessage) (ProgressPayload, error) {
	var p struct {
		JobID              uuid.UUID `json:"jobId"`
		TotalUnits         *int      `json:"totalUnits"`
		CompletedUnits     *int      `json:"completedUnits"`
		ProgressPercentage *float64  `json:"progressPercentage"`
		CurrentItem        *string   `json:"currentItem"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ProgressPayload{}, fmt.Errorf("decode progress payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return ProgressPayload{}, errors.New("progress payload requires jobId")
	}
	if p.TotalUnits == nil {
		return ProgressPayload{}, errors.New("progress payload requires totalUnits")
	}
	if p.CompletedUnits == nil {
		return ProgressPayload{}, errors.New("progress payload requires completedUnits")
	}
	if p.ProgressPercentage == nil {
		return ProgressPayload{}, errors.New("progress payload requires progressPercentage")
	}
	return ProgressPayload{
		JobID:              p.JobID,
		TotalUnits:         *p.TotalUnits,
		CompletedUnits:     *p.CompletedUnits,
		ProgressPercentage: *p.ProgressPercentage,
		CurrentItem:        p.CurrentItem,
	}, nil
}

// DecodeCompleted parses and validates a legacy JobCompleted payload.
// The unit counters are required; decoding them through pointers
// distinguishes an absent field from a legitimate zero.
func DecodeCompleted(raw json.RawMessage) (CompletedPayload, error) {
	var p struct {
		JobID            uuid.UUID `json:"jobId"`
		UserID           string    `json:"userId"`
		UnitsProcessed   *int      `json:"unitsProcessed"`
		UnitsSuccessful  *int      `json:"unitsSuccessful"`
		UnitsFailed      *int      `json:"unitsFailed"`
		ConversationName *string   `json:"conversationName"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return CompletedPayload{}, fmt.Errorf("decode completed payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return CompletedPayload{}, errors.New("completed payload requires jobId")
	}
	if p.UserID == "" {
		return CompletedPayload{}, errors.New("completed payload requires userId")
	}
	if p.UnitsProcessed == nil {
		return CompletedPayload{}, errors.New("completed payload requires unitsProcessed")
	}
	if p.UnitsSuccessful == nil {
		return CompletedPayload{}, errors.New("completed payload requires unitsSuccessful")
	}
	if p.UnitsFailed == nil {
		return CompletedPayload{}, errors.New("completed payload requires unitsFailed")
	}
	return CompletedPayload{
		JobID:            p.JobID,
		UserID:           p.UserID,
		UnitsProcessed:   *p.UnitsProcessed,
		UnitsSuccessful:  *p.UnitsSuccessful,
		UnitsFailed:      *p.UnitsFailed,
		ConversationName: p.ConversationName,
	}, nil
}

// DecodeRichCompleted parses and validates a JobCompletedWithEmbedding
// payload. Only the job id is required; rich producers vary widely in
// what they attach.
func DecodeRichCompleted(raw json.RawMessage) (RichCompletedPayload, error) {
	var p RichCompletedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return RichCompletedPayload{}, fmt.Errorf("decode rich completed payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return RichCompletedPayload{}, errors.New("rich completed payload requires jobId")
	}
	return p, nil
}

// DecodeFailed parses and validates a JobFailed payload.
func DecodeFailed(raw json.RawMessage) (FailedPayload, error) {
	var p FailedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return FailedPayload{}, fmt.Errorf("decode failed payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return FailedPayload{}, errors.New("failed payload requires jobId")
	}
	return p, nil
}

// DecodeStatus parses and validates a StatusChanged payload.
func DecodeStatus(raw json.RawMessage) (StatusPayload, error) {
	var p StatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return StatusPayload{}, fmt.Errorf("decode status payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return StatusPayload{}, errors.New("status payload requires jobId")
	}
	if p.Status == "" {
		return StatusPayload{}, errors.New("status payload requires status")
	}
	return p, nil
}

// DecodeDetail parses and validates a DetailEvent payload.
func DecodeDetail(raw json.RawMessage) (DetailPayload, error) {
	var p DetailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DetailPayload{}, fmt.Errorf("decode detail payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return DetailPayload{}, errors.New("detail payload requires jobId")
	}
	return p, nil
}
