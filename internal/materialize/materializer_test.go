package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/classpilot/crawlingest/internal/chat"
	"github.com/classpilot/crawlingest/internal/crawlapi"
	"github.com/classpilot/crawlingest/internal/event"
	"github.com/classpilot/crawlingest/internal/normalize"
	"github.com/classpilot/crawlingest/internal/realtime"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

// fakeStore records writes and serves canned reads.
type fakeStore struct {
	conversations map[uuid.UUID]chat.Conversation
	records       map[uuid.UUID]chat.NormalizedRecord
	assignments   map[uuid.UUID]chat.Assignment

	updatedMessages      []chat.Message
	createdConversations []chat.Conversation
	updatedConversations []chat.Conversation
	createdRecords       []chat.NormalizedRecord

	updateMessageErr error
	findRecordErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]chat.Conversation),
		records:       make(map[uuid.UUID]chat.NormalizedRecord),
		assignments:   make(map[uuid.UUID]chat.Assignment),
	}
}

func (s *fakeStore) FindOriginByJobID(context.Context, uuid.UUID) (chat.Origin, error) {
	return chat.Origin{}, chat.ErrNotFound
}

func (s *fakeStore) UpdateMessage(_ context.Context, msg chat.Message) error {
	if s.updateMessageErr != nil {
		return s.updateMessageErr
	}
	s.updatedMessages = append(s.updatedMessages, msg)
	return nil
}

func (s *fakeStore) FindConversation(_ context.Context, id uuid.UUID) (chat.Conversation, error) {
	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return conv, nil
}

func (s *fakeStore) CreateConversation(_ context.Context, conv chat.Conversation) error {
	s.createdConversations = append(s.createdConversations, conv)
	s.conversations[conv.ID] = conv
	return nil
}

func (s *fakeStore) UpdateConversation(_ context.Context, conv chat.Conversation) error {
	s.updatedConversations = append(s.updatedConversations, conv)
	s.conversations[conv.ID] = conv
	return nil
}

func (s *fakeStore) FindAssignment(_ context.Context, id uuid.UUID) (chat.Assignment, error) {
	a, ok := s.assignments[id]
	if !ok {
		return chat.Assignment{}, chat.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) CreateNormalizedRecord(_ context.Context, rec chat.NormalizedRecord) error {
	if _, exists := s.records[rec.JobID]; exists {
		return nil
	}
	s.createdRecords = append(s.createdRecords, rec)
	s.records[rec.JobID] = rec
	return nil
}

func (s *fakeStore) FindNormalizedRecordByJobID(_ context.Context, jobID uuid.UUID) (chat.NormalizedRecord, error) {
	if s.findRecordErr != nil {
		return chat.NormalizedRecord{}, s.findRecordErr
	}
	rec, ok := s.records[jobID]
	if !ok {
		return chat.NormalizedRecord{}, chat.ErrNotFound
	}
	return rec, nil
}

type fakeStatusAPI struct {
	summary crawlapi.JobSummary
	err     error
	calls   int
}

func (f *fakeStatusAPI) GetJobSummary(context.Context, uuid.UUID) (crawlapi.JobSummary, error) {
	f.calls++
	return f.summary, f.err
}

type recordedBroadcast struct {
	Groups []realtime.Group
	Event  string
}

type recordingBroadcaster struct {
	sent []recordedBroadcast
	err  error
}

func (b *recordingBroadcaster) Send(_ context.Context, groups []realtime.Group, eventName string, _ any) error {
	b.sent = append(b.sent, recordedBroadcast{Groups: groups, Event: eventName})
	return b.err
}

type recordingEnqueuer struct {
	tasks []normalize.Task
}

func (e *recordingEnqueuer) Enqueue(task normalize.Task) {
	e.tasks = append(e.tasks, task)
}

type fixture struct {
	store       *fakeStore
	status      *fakeStatusAPI
	broadcaster *recordingBroadcaster
	enqueuer    *recordingEnqueuer
	mat         *Materializer
}

func newFixture() *fixture {
	f := &fixture{
		store:       newFakeStore(),
		status:      &fakeStatusAPI{},
		broadcaster: &recordingBroadcaster{},
		enqueuer:    &recordingEnqueuer{},
	}
	f.mat = New(f.store, f.status, f.broadcaster, f.enqueuer, fixedClock{testNow}, nil)
	return f
}

func originWith(groupID *uuid.UUID, assignmentID uuid.UUID) chat.Origin {
	return chat.Origin{
		MessageID:      uuid.New(),
		ConversationID: uuid.New(),
		GroupID:        groupID,
		AssignmentID:   assignmentID,
		SenderID:       "user-7",
	}
}

func strPtr(s string) *string { return &s }

func TestCompleteRichPersistsRecordAndBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture()
	groupID := uuid.New()
	origin := originWith(&groupID, uuid.New())
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Already named",
	}

	quality := 0.9
	p := event.RichCompletedPayload{
		JobID:           uuid.New(),
		EmbeddingVector: []float32{0.1, 0.2},
		EmbeddingText:   strPtr("product summary"),
		SchemaType:      strPtr("product"),
		QualityScore:    &quality,
		ExtractedData:   json.RawMessage(`[{"title":"x"}]`),
	}

	require.NoError(t, f.mat.CompleteRich(context.Background(), origin, p))

	// Message updated with crawl-result type and pinned timestamp.
	require.Len(t, f.store.updatedMessages, 1)
	msg := f.store.updatedMessages[0]
	require.Equal(t, origin.MessageID, msg.ID)
	require.Equal(t, chat.MessageTypeCrawlResult, msg.Type)
	require.Equal(t, testNow, *msg.EditedAt)

	// Record persisted directly with the supplied vector/schema/quality.
	require.Len(t, f.store.createdRecords, 1)
	rec := f.store.createdRecords[0]
	require.Equal(t, origin.ConversationID, rec.ConversationID)
	require.Equal(t, p.JobID, rec.JobID)
	require.Equal(t, []float32{0.1, 0.2}, rec.Embedding)
	require.Equal(t, "product", rec.DetectedSchema)
	require.Equal(t, 0.9, rec.QualityScore)
	require.JSONEq(t, `[{"title":"x"}]`, string(rec.NormalizedData))

	// No detached normalization on the rich path.
	require.Empty(t, f.enqueuer.tasks)

	// Result-ready broadcast goes to conversation and workspace.
	require.Len(t, f.broadcaster.sent, 1)
	ready := f.broadcaster.sent[0]
	require.Equal(t, EventResultReady, ready.Event)
	require.Equal(t, []realtime.Group{
		realtime.ConversationGroup(origin.ConversationID),
		realtime.WorkspaceGroup(groupID),
	}, ready.Groups)
}

func TestCompleteRichReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Named",
	}

	p := event.RichCompletedPayload{
		JobID:           uuid.New(),
		EmbeddingVector: []float32{0.5},
	}

	require.NoError(t, f.mat.CompleteRich(context.Background(), origin, p))
	require.NoError(t, f.mat.CompleteRich(context.Background(), origin, p))

	require.Len(t, f.store.createdRecords, 1)
}

func TestFirstWriterWinsNaming(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Foo",
	}

	p := event.CompletedPayload{
		JobID:            uuid.New(),
		UserID:           "user-7",
		ConversationName: strPtr("Bar"),
	}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Empty(t, f.store.updatedConversations)
	require.Equal(t, "Foo", f.store.conversations[origin.ConversationID].Name)
	require.Zero(t, f.status.calls)
}

func TestNameSetWhenEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID: origin.ConversationID,
	}

	p := event.CompletedPayload{
		JobID:            uuid.New(),
		UserID:           "user-7",
		ConversationName: strPtr("Research results"),
	}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Len(t, f.store.updatedConversations, 1)
	require.Equal(t, "Research results", f.store.conversations[origin.ConversationID].Name)
}

func TestNameFallsBackToStatusAPI(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID: origin.ConversationID,
	}
	f.status.summary = crawlapi.JobSummary{DerivedName: "Derived name"}

	p := event.CompletedPayload{JobID: uuid.New(), UserID: "user-7"}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Equal(t, 1, f.status.calls)
	require.Equal(t, "Derived name", f.store.conversations[origin.ConversationID].Name)
}

func TestMissingConversationCreatedWithAssignmentCourse(t *testing.T) {
	t.Parallel()

	f := newFixture()
	assignmentID := uuid.New()
	courseID := uuid.New()
	origin := originWith(nil, assignmentID)
	f.store.assignments[assignmentID] = chat.Assignment{ID: assignmentID, CourseID: courseID}

	p := event.CompletedPayload{
		JobID:            uuid.New(),
		UserID:           "user-7",
		ConversationName: strPtr("New conversation"),
	}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Len(t, f.store.createdConversations, 1)
	conv := f.store.createdConversations[0]
	require.Equal(t, origin.ConversationID, conv.ID)
	require.Equal(t, "New conversation", conv.Name)
	require.Equal(t, courseID, conv.CourseID)
	require.Equal(t, []string{"user-7"}, conv.Participants)
	require.True(t, conv.IsSystemConversation)
}

func TestMissingConversationCreatedWithoutCourseOnLookupFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.New())

	p := event.CompletedPayload{
		JobID:            uuid.New(),
		UserID:           "user-7",
		ConversationName: strPtr("Orphan conversation"),
	}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Len(t, f.store.createdConversations, 1)
	require.Equal(t, uuid.Nil, f.store.createdConversations[0].CourseID)
}

func TestLegacyEnqueuesNormalizationWhenRecordAbsent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Named",
	}

	p := event.CompletedPayload{JobID: uuid.New(), UserID: "user-7", ConversationName: strPtr("x")}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Equal(t, []normalize.Task{{
		ConversationID: origin.ConversationID,
		JobID:          p.JobID,
	}}, f.enqueuer.tasks)
}

func TestLegacySkipsNormalizationWhenRecordExists(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Named",
	}

	p := event.CompletedPayload{JobID: uuid.New(), UserID: "user-7", ConversationName: strPtr("x")}
	f.store.records[p.JobID] = chat.NormalizedRecord{JobID: p.JobID}

	require.NoError(t, f.mat.CompleteLegacy(context.Background(), origin, p))

	require.Empty(t, f.enqueuer.tasks)
}

func TestRichWithoutEmbeddingFallsBackToNormalization(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Named",
	}

	p := event.RichCompletedPayload{JobID: uuid.New(), ConversationName: strPtr("x")}

	require.NoError(t, f.mat.CompleteRich(context.Background(), origin, p))

	require.Empty(t, f.store.createdRecords)
	require.Len(t, f.enqueuer.tasks, 1)
}

func TestStepFailureDoesNotAbortLaterSteps(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID:   origin.ConversationID,
		Name: "Named",
	}
	f.store.updateMessageErr = errors.New("db write failed")

	p := event.CompletedPayload{JobID: uuid.New(), UserID: "user-7", ConversationName: strPtr("x")}

	err := f.mat.CompleteLegacy(context.Background(), origin, p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "update_message")

	// Normalization still enqueued and the ready broadcast still sent.
	require.Len(t, f.enqueuer.tasks, 1)
	require.Len(t, f.broadcaster.sent, 1)
	require.Equal(t, EventResultReady, f.broadcaster.sent[0].Event)
}

func TestNamingFailureDoesNotBlockBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)
	f.store.conversations[origin.ConversationID] = chat.Conversation{
		ID: origin.ConversationID,
	}
	f.status.err = errors.New("status api down")

	p := event.CompletedPayload{JobID: uuid.New(), UserID: "user-7"}

	err := f.mat.CompleteLegacy(context.Background(), origin, p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "name_conversation")

	require.Len(t, f.store.updatedMessages, 1)
	require.Len(t, f.broadcaster.sent, 1)
}

func TestFailedUpdatesMessageOnly(t *testing.T) {
	t.Parallel()

	f := newFixture()
	origin := originWith(nil, uuid.Nil)

	p := event.FailedPayload{JobID: uuid.New(), ErrorMessage: strPtr("target unreachable")}

	require.NoError(t, f.mat.Failed(context.Background(), origin, p))

	require.Len(t, f.store.updatedMessages, 1)
	require.Contains(t, f.store.updatedMessages[0].Content, "target unreachable")
	require.Empty(t, f.broadcaster.sent)
	require.Empty(t, f.enqueuer.tasks)
	require.Empty(t, f.store.createdRecords)
}
