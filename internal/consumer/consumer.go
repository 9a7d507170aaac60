// Package consumer owns the Kafka subscription and the poll loop that
// sequences decode, route, broadcast, and materialization per message.
// One bad message never stops the loop.
package consumer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpilot/crawlingest/internal/chat"
	"github.com/classpilot/crawlingest/internal/event"
	"github.com/classpilot/crawlingest/internal/metrics"
	"github.com/classpilot/crawlingest/internal/realtime"
)

// Broadcast event names pushed to realtime subscribers.
const (
	EventJobStarted    = "CrawlJobStarted"
	EventJobProgress   = "CrawlJobProgress"
	EventJobCompleted  = "CrawlJobCompleted"
	EventJobFailed     = "CrawlJobFailed"
	EventStatusChanged = "CrawlJobStatusChanged"
)

// Materializer applies the durable side effects of terminal events.
type Materializer interface {
	CompleteLegacy(ctx context.Context, origin chat.Origin, p event.CompletedPayload) error
	CompleteRich(ctx context.Context, origin chat.Origin, p event.RichCompletedPayload) error
	Failed(ctx context.Context, origin chat.Origin, p event.FailedPayload) error
}

// Config tunes the loop's startup and retry behavior.
type Config struct {
	// WarmupDelay is waited once before subscribing, to let the broker
	// come up in fresh deployments.
	WarmupDelay time.Duration
	// RetryDelay is applied after ordinary consume errors.
	RetryDelay time.Duration
	// TopicMissingDelay is applied while the topic does not exist yet.
	TopicMissingDelay time.Duration
	// TopicMissingLongDelay replaces TopicMissingDelay after
	// TopicMissingThreshold consecutive misses, then the counter resets.
	TopicMissingLongDelay time.Duration
	TopicMissingThreshold int
}

const (
	defaultRetryDelay            = 2 * time.Second
	defaultTopicMissingDelay     = 5 * time.Second
	defaultTopicMissingLongDelay = time.Minute
	defaultTopicMissingThreshold = 10
)

// Consumer drives the poll loop. A single Run goroutine is the only
// reader of the subscription.
type Consumer struct {
	cfg          Config
	factory      ReaderFactory
	store        chat.Store
	broadcaster  realtime.Broadcaster
	materializer Materializer
	logger       *zap.Logger
}

// New builds a Consumer with defaults applied.
func New(
	cfg Config,
	factory ReaderFactory,
	store chat.Store,
	broadcaster realtime.Broadcaster,
	materializer Materializer,
	logger *zap.Logger,
) *Consumer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.TopicMissingDelay <= 0 {
		cfg.TopicMissingDelay = defaultTopicMissingDelay
	}
	if cfg.TopicMissingLongDelay <= 0 {
		cfg.TopicMissingLongDelay = defaultTopicMissingLongDelay
	}
	if cfg.TopicMissingThreshold <= 0 {
		cfg.TopicMissingThreshold = defaultTopicMissingThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		cfg:          cfg,
		factory:      factory,
		store:        store,
		broadcaster:  broadcaster,
		materializer: materializer,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled. If the subscription cannot be
// opened the loop logs and returns without retrying; the host process
// keeps running but this pipeline is inert until restart. Operators
// restart the process to recover.
func (c *Consumer) Run(ctx context.Context) {
	if err := sleepWithContext(ctx, c.cfg.WarmupDelay); err != nil {
		return
	}

	reader, err := c.factory()
	if err != nil {
		c.logger.Error("log subscription failed, consumer is inert until restart", zap.Error(err))
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			c.logger.Warn("reader close failed", zap.Error(err))
		}
	}()

	c.logger.Info("consumer loop started")
	topicMisses := 0
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.Info("consumer loop stopping")
				return
			}
			if isTopicMissing(err) {
				topicMisses++
				delay := c.cfg.TopicMissingDelay
				if topicMisses >= c.cfg.TopicMissingThreshold {
					delay = c.cfg.TopicMissingLongDelay
					topicMisses = 0
					c.logger.Warn("topic still missing, escalating backoff",
						zap.Duration("delay", delay),
					)
				} else {
					c.logger.Warn("topic not found yet, retrying",
						zap.Int("consecutive_misses", topicMisses),
						zap.Duration("delay", delay),
					)
				}
				metrics.ObserveConsumeError("topic_missing")
				if sleepWithContext(ctx, delay) != nil {
					return
				}
				continue
			}
			topicMisses = 0
			c.logger.Warn("consume failed, retrying",
				zap.Duration("delay", c.cfg.RetryDelay),
				zap.Error(err),
			)
			metrics.ObserveConsumeError("fetch")
			if sleepWithContext(ctx, c.cfg.RetryDelay) != nil {
				return
			}
			continue
		}

		topicMisses = 0
		c.handle(ctx, toRawMessage(msg))
	}
}

// handle processes one message end to end. Failures are logged and
// counted, never returned: the loop always advances.
func (c *Consumer) handle(ctx context.Context, raw event.RawMessage) {
	env, err := event.Decode(raw)
	if err != nil {
		// Decode failures can never succeed on retry; drop the message.
		c.logger.Warn("dropping undecodable message",
			zap.String("topic", raw.Topic),
			zap.Int("partition", raw.Partition),
			zap.Int64("offset", raw.Offset),
			zap.Error(err),
		)
		metrics.ObserveEvent("undecodable", "dropped")
		return
	}

	category := event.Route(env.EventType)
	if category == event.Unknown {
		// Forward compatibility: new upstream event types are ignored.
		c.logger.Debug("ignoring unknown event type", zap.String("event_type", env.EventType))
		metrics.ObserveEvent(category.String(), "ignored")
		return
	}

	if err := c.dispatch(ctx, category, env); err != nil {
		c.logger.Warn("event handling failed",
			zap.String("event_type", env.EventType),
			zap.String("category", category.String()),
			zap.Error(err),
		)
		metrics.ObserveEvent(category.String(), "failed")
		return
	}
	metrics.ObserveEvent(category.String(), "handled")
}

func (c *Consumer) dispatch(ctx context.Context, category event.Category, env event.Envelope) error {
	switch category {
	case event.JobStarted:
		return c.handleStarted(ctx, env)
	case event.JobProgress:
		return c.handleProgress(ctx, env)
	case event.JobCompleted:
		return c.handleCompleted(ctx, env)
	case event.JobCompletedWithEmbedding:
		return c.handleRichCompleted(ctx, env)
	case event.JobFailed:
		return c.handleFailed(ctx, env)
	case event.StatusChanged:
		return c.handleStatusChanged(ctx, env)
	case event.DetailEvent:
		return c.handleDetail(ctx, env)
	default:
		return nil
	}
}

func (c *Consumer) handleStarted(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeStarted(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), EventJobStarted, p)
	return nil
}

func (c *Consumer) handleProgress(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeProgress(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), EventJobProgress, p)
	return nil
}

func (c *Consumer) handleCompleted(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeCompleted(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), EventJobCompleted, p)
	if origin == nil {
		return nil
	}
	return c.materializer.CompleteLegacy(ctx, *origin, p)
}

func (c *Consumer) handleRichCompleted(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeRichCompleted(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), EventJobCompleted, p)
	if origin == nil {
		return nil
	}
	return c.materializer.CompleteRich(ctx, *origin, p)
}

func (c *Consumer) handleFailed(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeFailed(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), EventJobFailed, p)
	if origin == nil {
		return nil
	}
	return c.materializer.Failed(ctx, *origin, p)
}

func (c *Consumer) handleStatusChanged(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeStatus(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), EventStatusChanged, p)
	return nil
}

// handleDetail rebroadcasts granular step events under their original
// type so UI subscribers can distinguish navigation from extraction.
func (c *Consumer) handleDetail(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeDetail(env.Payload)
	if err != nil {
		return err
	}
	origin := c.resolveOrigin(ctx, p.JobID)
	c.broadcast(ctx, fanOutGroups(p.JobID, origin), env.EventType, p)
	return nil
}

// resolveOrigin looks up the chat origin of a job. A miss is a normal
// outcome (not every crawl is chat-initiated) and a lookup failure only
// narrows fan-out; neither fails the handler.
func (c *Consumer) resolveOrigin(ctx context.Context, jobID uuid.UUID) *chat.Origin {
	origin, err := c.store.FindOriginByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			c.logger.Debug("no chat origin for job", zap.String("job_id", jobID.String()))
		} else {
			c.logger.Warn("chat origin lookup failed",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
		return nil
	}
	return &origin
}

// fanOutGroups computes the broadcast targets for a job-scoped event:
// always the job group, plus conversation, workspace, and assignment
// groups where the origin provides them.
func fanOutGroups(jobID uuid.UUID, origin *chat.Origin) []realtime.Group {
	groups := []realtime.Group{realtime.JobGroup(jobID)}
	if origin == nil {
		return groups
	}
	groups = append(groups, realtime.ConversationGroup(origin.ConversationID))
	if origin.GroupID != nil {
		groups = append(groups, realtime.WorkspaceGroup(*origin.GroupID))
	}
	if origin.AssignmentID != uuid.Nil {
		groups = append(groups, realtime.AssignmentGroup(origin.AssignmentID))
	}
	return groups
}

// broadcast is best-effort: a lost live update never fails message
// handling.
func (c *Consumer) broadcast(ctx context.Context, groups []realtime.Group, eventName string, payload any) {
	if err := c.broadcaster.Send(ctx, groups, eventName, payload); err != nil {
		c.logger.Warn("broadcast failed",
			zap.String("event", eventName),
			zap.Error(err),
		)
		metrics.ObserveBroadcast(eventName, "failed")
		return
	}
	metrics.ObserveBroadcast(eventName, "sent")
}
