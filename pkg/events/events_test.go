package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	require.NoError(t, bus.Subscribe(TopicJobFailed, rec.handle))

	require.NoError(t, bus.Publish(TopicJobFailed, Event{JobID: "job-1", RetryCount: 1, MaxRetries: 3, Retryable: true}))
	require.NoError(t, bus.Publish(TopicJobCompleted, Event{JobID: "job-2"}))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	got := rec.snapshot()[0]
	assert.Equal(t, TopicJobFailed, got.Topic)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.Retryable)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestMultipleSubscribersReceiveEvent(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a, b := &recorder{}, &recorder{}
	require.NoError(t, bus.Subscribe(TopicRecoveryCompleted, a.handle))
	require.NoError(t, bus.Subscribe(TopicRecoveryCompleted, b.handle))

	require.NoError(t, bus.Publish(TopicRecoveryCompleted, Event{RecoveryJobID: "rec-1"}))

	assert.Eventually(t, func() bool {
		return len(a.snapshot()) == 1 && len(b.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPanickingHandlerDoesNotStopSubscription(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	calls := 0
	require.NoError(t, bus.Subscribe(TopicJobCreated, func(ctx context.Context, e Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		rec.handle(ctx, e)
	}))

	require.NoError(t, bus.Publish(TopicJobCreated, Event{JobID: "first"}))
	require.NoError(t, bus.Publish(TopicJobCreated, Event{JobID: "second"}))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestClosedBus(t *testing.T) {
	bus := NewBus(nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(TopicJobCreated, Event{}))
	assert.Error(t, bus.Subscribe(TopicJobCreated, func(context.Context, Event) {}))
}
