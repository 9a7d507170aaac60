// Package normalize schedules out-of-band normalization of crawl results
// whose producer did not precompute embeddings. The work is detached
// from the consumer loop on purpose: the loop must move on to the next
// message immediately, and a normalization failure must stay invisible
// to the loop's offset handling. Instead of an unstructured goroutine
// per request, tasks go through a bounded in-process queue with a single
// worker so lifecycle and failures are observable.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpilot/crawlingest/internal/metrics"
)

// Service performs the actual normalize-and-store call.
type Service interface {
	NormalizeAndStore(ctx context.Context, conversationID, jobID uuid.UUID) error
}

// Task identifies one normalization request.
type Task struct {
	ConversationID uuid.UUID
	JobID          uuid.UUID
}

// Dispatcher owns the task queue and the worker draining it. Enqueue
// never blocks; a full queue drops the task with a warning.
type Dispatcher struct {
	service Service
	logger  *zap.Logger
	timeout time.Duration

	tasks  chan Task
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// DispatcherConfig tunes the Dispatcher.
type DispatcherConfig struct {
	QueueDepth  int
	TaskTimeout time.Duration
}

const (
	defaultQueueDepth  = 256
	defaultTaskTimeout = 30 * time.Second
)

// NewDispatcher starts the worker goroutine and returns the Dispatcher.
func NewDispatcher(cfg DispatcherConfig, service Service, logger *zap.Logger) *Dispatcher {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		service: service,
		logger:  logger,
		timeout: cfg.TaskTimeout,
		tasks:   make(chan Task, cfg.QueueDepth),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules a normalization task. It never blocks the caller.
func (d *Dispatcher) Enqueue(task Task) {
	select {
	case d.tasks <- task:
		metrics.ObserveNormalizationEnqueue()
		d.logger.Debug("normalization task enqueued",
			zap.String("job_id", task.JobID.String()),
			zap.String("conversation_id", task.ConversationID.String()),
		)
	default:
		d.logger.Warn("normalization queue full, dropping task",
			zap.String("job_id", task.JobID.String()),
		)
	}
}

// Close stops the worker after the current task finishes. Queued tasks
// that were never started are discarded; they will be re-enqueued when
// the completion event is redelivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.stopCh) })
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("normalize dispatcher close wait: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		case task := <-d.tasks:
			d.process(task)
		}
	}
}

func (d *Dispatcher) process(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.service.NormalizeAndStore(ctx, task.ConversationID, task.JobID); err != nil {
		d.logger.Warn("normalization task failed",
			zap.String("job_id", task.JobID.String()),
			zap.String("conversation_id", task.ConversationID.String()),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("normalization task completed",
		zap.String("job_id", task.JobID.String()),
		zap.String("conversation_id", task.ConversationID.String()),
	)
}

// HTTPService calls the external normalization service.
type HTTPService struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPService builds an HTTPService for the given base URL.
func NewHTTPService(baseURL string, timeout time.Duration) *HTTPService {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &HTTPService{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// NormalizeAndStore asks the normalization service to process one job's
// raw crawl data into a stored normalized record.
func (s *HTTPService) NormalizeAndStore(ctx context.Context, conversationID, jobID uuid.UUID) error {
	body, err := json.Marshal(map[string]string{
		"conversationId": conversationID.String(),
		"jobId":          jobID.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal normalize request: %w", err)
	}

	endpoint := s.baseURL + "/v1/normalize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build normalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("normalize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("normalize service returned status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
