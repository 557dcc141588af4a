// Package events carries domain notifications between the orchestration components and external listeners.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/logging"
)

// Topics published by the orchestration engine
const (
	TopicConfigCreated         = "config.created"
	TopicConfigUpdated         = "config.updated"
	TopicJobCreated            = "job.created"
	TopicJobCompleted          = "job.completed"
	TopicJobFailed             = "job.failed"
	TopicVerificationCompleted = "verification.completed"
	TopicVerificationFailed    = "verification.failed"
	TopicRecoveryCreated       = "recovery.created"
	TopicRecoveryCompleted     = "recovery.completed"
	TopicRecoveryFailed        = "recovery.failed"
)

// Event is the payload of every domain notification
type Event struct {
	Topic          string    `json:"topic"`
	TenantID       string    `json:"tenantId,omitempty"`
	ConfigID       string    `json:"configId,omitempty"`
	JobID          string    `json:"jobId,omitempty"`
	VerificationID string    `json:"verificationId,omitempty"`
	RecoveryJobID  string    `json:"recoveryJobId,omitempty"`
	Status         string    `json:"status,omitempty"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	RetryCount     int       `json:"retryCount"`
	MaxRetries     int       `json:"maxRetries"`
	Retryable      bool      `json:"retryable"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Handler processes one event. Handlers run on the subscription goroutine.
type Handler func(ctx context.Context, event Event)

// Publisher is the narrow interface the executors depend on
type Publisher interface {
	Publish(topic string, event Event) error
}

// Bus is an in-process publish/subscribe channel backed by watermill
type Bus struct {
	pubsub *gochannel.GoChannel
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBus creates a bus; a nil logger discards output
func NewBus(logger logrus.FieldLogger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{}),
		logger: logging.Component(logger, "events"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish serializes the event and delivers it to all current subscribers of topic
func (b *Bus) Publish(topic string, event Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("event bus closed")
	}

	event.Topic = topic
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for every subsequent event on topic
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus closed")
	}

	messages, err := b.pubsub.Subscribe(b.ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.WithError(err).WithField("topic", topic).Warn("Dropping malformed event")
				msg.Ack()
				continue
			}
			b.dispatch(handler, event)
			msg.Ack()
		}
	}()
	return nil
}

// dispatch runs a handler, containing panics so one listener cannot stop the subscription
func (b *Bus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("topic", event.Topic).Errorf("Event handler panicked: %v", r)
		}
	}()
	handler(b.ctx, event)
}

// Close stops all subscriptions and waits for running handlers to return
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
