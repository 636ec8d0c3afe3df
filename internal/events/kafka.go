// Package events publishes session-lifecycle events for downstream
// consumers (analytics, notification services), following this codebase's
// kafka-go writer-per-topic pattern. Publish failures are logged and
// returned; the session controller swallows them, so event delivery never
// fails a session operation. Publishing, including its retries, runs
// synchronously in the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"cat-engine/internal/config"
	"cat-engine/internal/logger"
)

type EventType string

const (
	EventTypeSessionStarted  EventType = "cat.session.started"
	EventTypeItemServed      EventType = "cat.session.item_served"
	EventTypeResponseScored  EventType = "cat.session.response_scored"
	EventTypeSessionFinished EventType = "cat.session.finished"
)

// BaseEvent carries the fields common to every published event.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id"`
	LearnerID string    `json:"learner_id"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type SessionStartedEvent struct {
	BaseEvent
	Data SessionStartedData `json:"data"`
}

type SessionStartedData struct {
	SubjectID string `json:"subject_id"`
	Mode      string `json:"mode"`
}

type ItemServedEvent struct {
	BaseEvent
	Data ItemServedData `json:"data"`
}

type ItemServedData struct {
	ItemID   string  `json:"item_id"`
	Position int     `json:"position"`
	Theta    float64 `json:"theta_at_selection"`
}

type ResponseScoredEvent struct {
	BaseEvent
	Data ResponseScoredData `json:"data"`
}

type ResponseScoredData struct {
	ItemID     string  `json:"item_id"`
	IsCorrect  bool    `json:"is_correct"`
	NewTheta   float64 `json:"new_theta"`
	NewSE      float64 `json:"new_se"`
	TopicID    string  `json:"topic_id"`
}

type SessionFinishedEvent struct {
	BaseEvent
	Data SessionFinishedData `json:"data"`
}

type SessionFinishedData struct {
	Reason      string  `json:"reason"`
	ItemsServed int     `json:"items_served"`
	FinalTheta  float64 `json:"final_theta"`
	FinalSE     float64 `json:"final_se"`
}

// Publisher is the event-publishing port used by internal/session.
type Publisher interface {
	PublishSessionStarted(ctx context.Context, sessionID, learnerID, subjectID, mode string) error
	PublishItemServed(ctx context.Context, sessionID, learnerID, itemID string, position int, theta float64) error
	PublishResponseScored(ctx context.Context, sessionID, learnerID, itemID, topicID string, isCorrect bool, newTheta, newSE float64) error
	PublishSessionFinished(ctx context.Context, sessionID, learnerID, reason string, itemsServed int, finalTheta, finalSE float64) error
	Close() error
}

const source = "cat-engine"

type KafkaEventPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

var _ Publisher = (*KafkaEventPublisher)(nil)

func NewKafkaEventPublisher(cfg config.KafkaConfig, log *logger.Logger) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			Compression:  kafka.Snappy,
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		},
		log: log,
	}
}

func (p *KafkaEventPublisher) PublishSessionStarted(ctx context.Context, sessionID, learnerID, subjectID, mode string) error {
	event := SessionStartedEvent{
		BaseEvent: p.base(EventTypeSessionStarted, sessionID, learnerID),
		Data:      SessionStartedData{SubjectID: subjectID, Mode: mode},
	}
	return p.publish(ctx, sessionID, event)
}

func (p *KafkaEventPublisher) PublishItemServed(ctx context.Context, sessionID, learnerID, itemID string, position int, theta float64) error {
	event := ItemServedEvent{
		BaseEvent: p.base(EventTypeItemServed, sessionID, learnerID),
		Data:      ItemServedData{ItemID: itemID, Position: position, Theta: theta},
	}
	return p.publish(ctx, sessionID, event)
}

func (p *KafkaEventPublisher) PublishResponseScored(ctx context.Context, sessionID, learnerID, itemID, topicID string, isCorrect bool, newTheta, newSE float64) error {
	event := ResponseScoredEvent{
		BaseEvent: p.base(EventTypeResponseScored, sessionID, learnerID),
		Data: ResponseScoredData{
			ItemID: itemID, IsCorrect: isCorrect, NewTheta: newTheta, NewSE: newSE, TopicID: topicID,
		},
	}
	return p.publish(ctx, sessionID, event)
}

func (p *KafkaEventPublisher) PublishSessionFinished(ctx context.Context, sessionID, learnerID, reason string, itemsServed int, finalTheta, finalSE float64) error {
	event := SessionFinishedEvent{
		BaseEvent: p.base(EventTypeSessionFinished, sessionID, learnerID),
		Data: SessionFinishedData{
			Reason: reason, ItemsServed: itemsServed, FinalTheta: finalTheta, FinalSE: finalSE,
		},
	}
	return p.publish(ctx, sessionID, event)
}

func (p *KafkaEventPublisher) base(t EventType, sessionID, learnerID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      t,
		Source:    source,
		SessionID: sessionID,
		LearnerID: learnerID,
		Timestamp: time.Now(),
		Version:   "1.0",
	}
}

func (p *KafkaEventPublisher) publish(ctx context.Context, key string, event interface{}) error {
	log := p.log.WithContext(ctx).WithField("event_type", fmt.Sprintf("%T", event))

	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("failed to marshal event")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "source", Value: []byte(source)},
		},
		Time: time.Now(),
	}

	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = p.writer.WriteMessages(ctx, message); err == nil {
			return nil
		}
		log.WithError(err).WithField("attempt", attempt).Warn("failed to publish event")
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt*attempt) * 100 * time.Millisecond)
		}
	}

	log.WithError(err).Error("failed to publish event after all retries")
	return fmt.Errorf("failed to publish event after %d attempts: %w", maxRetries, err)
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

// NoOpEventPublisher discards every event; used in tests and any
// deployment that runs without a broker configured.
type NoOpEventPublisher struct{}

func NewNoOpEventPublisher() *NoOpEventPublisher { return &NoOpEventPublisher{} }

var _ Publisher = (*NoOpEventPublisher)(nil)

func (p *NoOpEventPublisher) PublishSessionStarted(context.Context, string, string, string, string) error {
	return nil
}
func (p *NoOpEventPublisher) PublishItemServed(context.Context, string, string, string, int, float64) error {
	return nil
}
func (p *NoOpEventPublisher) PublishResponseScored(context.Context, string, string, string, string, bool, float64, float64) error {
	return nil
}
func (p *NoOpEventPublisher) PublishSessionFinished(context.Context, string, string, string, int, float64, float64) error {
	return nil
}
func (p *NoOpEventPublisher) Close() error { return nil }
