package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/classpilot/crawlingest/internal/config"
	"github.com/classpilot/crawlingest/internal/event"
)

// Reader is the slice of kafka.Reader the loop depends on. ReadMessage
// commits offsets through the consumer group on the configured interval,
// which gives at-least-once delivery; handlers are idempotent.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReaderFactory opens the log subscription. Called exactly once per loop
// start.
type ReaderFactory func() (Reader, error)

// NewKafkaReaderFactory builds the production ReaderFactory from config.
func NewKafkaReaderFactory(cfg config.KafkaConfig) ReaderFactory {
	return func() (Reader, error) {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("kafka brokers are required")
		}
		if cfg.Topic == "" {
			return nil, errors.New("kafka topic is required")
		}
		if cfg.GroupID == "" {
			return nil, errors.New("kafka group id is required")
		}
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          cfg.Topic,
			MaxWait:        cfg.PollTimeout(),
			CommitInterval: cfg.CommitInterval(),
			MinBytes:       1,
			MaxBytes:       10 << 20,
		}), nil
	}
}

// toRawMessage converts a broker message into the decoder's input shape.
func toRawMessage(msg kafka.Message) event.RawMessage {
	headers := make(map[string][]byte, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = h.Value
	}
	return event.RawMessage{
		Headers:   headers,
		Body:      msg.Value,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

// isTopicMissing reports whether the fetch error means the topic has not
// been created yet, which happens when this consumer starts before the
// producing service.
func isTopicMissing(err error) bool {
	return errors.Is(err, kafka.UnknownTopicOrPartition)
}

// sleepWithContext waits for the delay or returns early on cancellation.
func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
