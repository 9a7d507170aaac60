// Package materialize turns terminal crawl events into durable state:
// the originating chat message's result summary, the conversation's
// derived name, and the normalized crawl record. Each step is fault
// isolated; one failing side effect never blocks the others.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpilot/crawlingest/internal/chat"
	"github.com/classpilot/crawlingest/internal/crawlapi"
	"github.com/classpilot/crawlingest/internal/event"
	"github.com/classpilot/crawlingest/internal/metrics"
	"github.com/classpilot/crawlingest/internal/normalize"
	"github.com/classpilot/crawlingest/internal/realtime"
)

// EventResultReady is broadcast once durable materialization has run.
const EventResultReady = "CrawlResultReady"

// Clock supplies timestamps so tests can pin them.
type Clock interface {
	Now() time.Time
}

// StatusAPI is the slice of the crawler status API the materializer
// needs for name fallback.
type StatusAPI interface {
	GetJobSummary(ctx context.Context, jobID uuid.UUID) (crawlapi.JobSummary, error)
}

// Enqueuer schedules detached normalization work.
type Enqueuer interface {
	Enqueue(task normalize.Task)
}

// Materializer applies the durable side effects of a completion event.
type Materializer struct {
	store       chat.Store
	status      StatusAPI
	broadcaster realtime.Broadcaster
	normalizer  Enqueuer
	clock       Clock
	logger      *zap.Logger
}

// New builds a Materializer.
func New(
	store chat.Store,
	status StatusAPI,
	broadcaster realtime.Broadcaster,
	normalizer Enqueuer,
	clock Clock,
	logger *zap.Logger,
) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		store:       store,
		status:      status,
		broadcaster: broadcaster,
		normalizer:  normalizer,
		clock:       clock,
		logger:      logger,
	}
}

// step is one fault-isolated materialization side effect.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// runAll executes every step in order, logging failures and collecting
// them without short-circuiting. The chat message update runs first so a
// later failure cannot block the user-visible status transition.
func (m *Materializer) runAll(ctx context.Context, jobID uuid.UUID, steps []step) error {
	var errs []error
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			m.logger.Warn("materialize step failed",
				zap.String("step", s.name),
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
			metrics.ObserveMaterializeStepFailure(s.name)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// CompleteLegacy materializes a legacy completion event. The caller has
// already resolved the chat origin; without one there is nothing to do.
func (m *Materializer) CompleteLegacy(ctx context.Context, origin chat.Origin, p event.CompletedPayload) error {
	summary := legacySummary(p)
	name := derefOrEmpty(p.ConversationName)
	return m.runAll(ctx, p.JobID, []step{
		{"update_message", func(ctx context.Context) error {
			return m.updateOriginMessage(ctx, origin, summary)
		}},
		{"name_conversation", func(ctx context.Context) error {
			return m.nameConversation(ctx, origin, p.JobID, name)
		}},
		{"normalize_fallback", func(ctx context.Context) error {
			return m.ensureNormalized(ctx, origin, p.JobID)
		}},
		{"broadcast_ready", func(ctx context.Context) error {
			return m.broadcastReady(ctx, origin, p.JobID)
		}},
	})
}

// CompleteRich materializes a completion event from a producer that
// precomputed embeddings. When embedding data is present the normalized
// record is persisted directly; otherwise it falls back to the same
// detached normalization path as legacy events.
func (m *Materializer) CompleteRich(ctx context.Context, origin chat.Origin, p event.RichCompletedPayload) error {
	summary := richSummary(p)
	name := derefOrEmpty(p.ConversationName)

	normalizeStep := step{"normalize_fallback", func(ctx context.Context) error {
		return m.ensureNormalized(ctx, origin, p.JobID)
	}}
	if p.HasEmbedding() {
		normalizeStep = step{"persist_normalized", func(ctx context.Context) error {
			return m.persistNormalized(ctx, origin, p)
		}}
	}

	return m.runAll(ctx, p.JobID, []step{
		{"update_message", func(ctx context.Context) error {
			return m.updateOriginMessage(ctx, origin, summary)
		}},
		{"name_conversation", func(ctx context.Context) error {
			return m.nameConversation(ctx, origin, p.JobID, name)
		}},
		normalizeStep,
		{"broadcast_ready", func(ctx context.Context) error {
			return m.broadcastReady(ctx, origin, p.JobID)
		}},
	})
}

// Failed records a crawl failure on the originating chat message. It is
// best-effort and writes nothing else.
func (m *Materializer) Failed(ctx context.Context, origin chat.Origin, p event.FailedPayload) error {
	summary := "Crawl failed."
	if p.ErrorMessage != nil && *p.ErrorMessage != "" {
		summary = "Crawl failed: " + *p.ErrorMessage
	}
	return m.runAll(ctx, p.JobID, []step{
		{"update_message", func(ctx context.Context) error {
			return m.updateOriginMessage(ctx, origin, summary)
		}},
	})
}

func (m *Materializer) updateOriginMessage(ctx context.Context, origin chat.Origin, summary string) error {
	now := m.clock.Now()
	return m.store.UpdateMessage(ctx, chat.Message{
		ID:       origin.MessageID,
		Content:  summary,
		Type:     chat.MessageTypeCrawlResult,
		EditedAt: &now,
	})
}

// nameConversation applies the first-writer-wins naming rule. When the
// payload carried no name the crawler status API supplies the derived
// one; if neither yields a name the step is a no-op.
func (m *Materializer) nameConversation(ctx context.Context, origin chat.Origin, jobID uuid.UUID, name string) error {
	if name == "" {
		summary, err := m.status.GetJobSummary(ctx, jobID)
		if err != nil {
			return fmt.Errorf("fetch derived name: %w", err)
		}
		name = summary.DerivedName
	}
	if name == "" {
		return nil
	}

	conv, err := m.store.FindConversation(ctx, origin.ConversationID)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return m.createSystemConversation(ctx, origin, name)
	case err != nil:
		return fmt.Errorf("find conversation: %w", err)
	}

	if conv.Name != "" {
		return nil
	}
	conv.Name = name
	conv.LastMessageAt = m.clock.Now()
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("set conversation name: %w", err)
	}
	return nil
}

// createSystemConversation writes the minimal record needed to carry the
// derived name. The course comes from the originating assignment; a
// failed assignment lookup leaves it empty rather than failing the step.
func (m *Materializer) createSystemConversation(ctx context.Context, origin chat.Origin, name string) error {
	courseID := uuid.Nil
	if origin.AssignmentID != uuid.Nil {
		assignment, err := m.store.FindAssignment(ctx, origin.AssignmentID)
		if err != nil {
			m.logger.Warn("assignment lookup failed, creating conversation without course",
				zap.String("assignment_id", origin.AssignmentID.String()),
				zap.Error(err),
			)
		} else {
			courseID = assignment.CourseID
		}
	}

	now := m.clock.Now()
	conv := chat.Conversation{
		ID:                   origin.ConversationID,
		Name:                 name,
		CourseID:             courseID,
		Participants:         []string{origin.SenderID},
		IsSystemConversation: true,
		CreatedAt:            now,
		LastMessageAt:        now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// persistNormalized is the preferred path: the producer already supplied
// embedding data, so the record is stored without further computation.
// The job_id conflict clause makes replays a no-op.
func (m *Materializer) persistNormalized(ctx context.Context, origin chat.Origin, p event.RichCompletedPayload) error {
	rec := chat.NormalizedRecord{
		ConversationID: origin.ConversationID,
		JobID:          p.JobID,
		NormalizedData: p.ExtractedData,
		EmbeddingText:  derefOrEmpty(p.EmbeddingText),
		Embedding:      p.EmbeddingVector,
		DetectedSchema: derefOrEmpty(p.SchemaType),
		CreatedAt:      m.clock.Now(),
	}
	if p.QualityScore != nil {
		rec.QualityScore = *p.QualityScore
	}
	if err := m.store.CreateNormalizedRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist normalized record: %w", err)
	}
	return nil
}

// ensureNormalized enqueues detached normalization unless a record for
// this job already exists.
func (m *Materializer) ensureNormalized(ctx context.Context, origin chat.Origin, jobID uuid.UUID) error {
	_, err := m.store.FindNormalizedRecordByJobID(ctx, jobID)
	switch {
	case err == nil:
		m.logger.Debug("normalized record exists, skipping normalization",
			zap.String("job_id", jobID.String()),
		)
		return nil
	case errors.Is(err, chat.ErrNotFound):
		m.normalizer.Enqueue(normalize.Task{
			ConversationID: origin.ConversationID,
			JobID:          jobID,
		})
		return nil
	default:
		return fmt.Errorf("check normalized record: %w", err)
	}
}

// broadcastReady notifies conversation (and workspace) subscribers that
// durable results are available, regardless of earlier step outcomes.
func (m *Materializer) broadcastReady(ctx context.Context, origin chat.Origin, jobID uuid.UUID) error {
	groups := []realtime.Group{realtime.ConversationGroup(origin.ConversationID)}
	if origin.GroupID != nil {
		groups = append(groups, realtime.WorkspaceGroup(*origin.GroupID))
	}
	payload := map[string]string{
		"jobId":          jobID.String(),
		"conversationId": origin.ConversationID.String(),
	}
	if err := m.broadcaster.Send(ctx, groups, EventResultReady, payload); err != nil {
		return fmt.Errorf("broadcast result ready: %w", err)
	}
	return nil
}

func legacySummary(p event.CompletedPayload) string {
	return fmt.Sprintf("Crawl completed: %d of %d items processed successfully (%d failed).",
		p.UnitsSuccessful, p.UnitsProcessed, p.UnitsFailed)
}

func richSummary(p event.RichCompletedPayload) string {
	if p.ItemsCount != nil && p.FinalURL != nil {
		return fmt.Sprintf("Crawl completed: %d items extracted from %s.", *p.ItemsCount, *p.FinalURL)
	}
	if p.ItemsCount != nil {
		return fmt.Sprintf("Crawl completed: %d items extracted.", *p.ItemsCount)
	}
	return "Crawl completed."
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
