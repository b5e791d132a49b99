// Package events publishes job lifecycle events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/job"
)

// Type names a lifecycle event.
type Type string

const (
	JobCreated   Type = "job.created"
	JobStarted   Type = "job.started"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobCanceled  Type = "job.canceled"
	JobExpired   Type = "job.expired"
)

// Event is a lifecycle notification.
type Event struct {
	Type       Type       `json:"type"`
	JobID      uuid.UUID  `json:"job_id"`
	Status     job.Status `json:"status"`
	RequestID  string     `json:"request_id,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Results    int        `json:"results,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// FromJob builds the event describing j's current state.
func FromJob(t Type, j *job.Job) Event {
	e := Event{
		Type:       t,
		JobID:      j.ID,
		Status:     j.Status,
		RequestID:  j.RequestID,
		Results:    len(j.Results),
		OccurredAt: j.UpdatedAt,
	}
	if j.Error != nil {
		e.ErrorCode = j.Error.Code
	}
	return e
}

// TypeFor maps a status to the event announcing it.
func TypeFor(s job.Status) Type {
	switch s {
	case job.StatusQueued:
		return JobCreated
	case job.StatusProcessing:
		return JobStarted
	case job.StatusCompleted:
		return JobCompleted
	case job.StatusFailed:
		return JobFailed
	case job.StatusCanceled:
		return JobCanceled
	}
	return JobExpired
}

// Publisher sends lifecycle events. Implementations must be safe for
// concurrent use. Publishing is best effort and never affects job state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by job ID so all
// events of a job land on the same partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(p, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(p sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (k *KafkaPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.JobID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher backed by logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(_ context.Context, e Event) error {
	l.logger.Info("job event",
		zap.String("event_type", string(e.Type)),
		zap.String("job_id", e.JobID.String()),
		zap.String("status", string(e.Status)),
		zap.String("request_id", e.RequestID),
		zap.String("error_code", e.ErrorCode),
		zap.Int("results", e.Results),
	)
	return nil
}

func (l *LogPublisher) Close() error { return nil }

// Emit publishes e and logs, rather than returns, any failure.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("publish job event failed",
			zap.String("event_type", string(e.Type)),
			zap.String("job_id", e.JobID.String()),
			zap.Error(err),
		)
	}
}
