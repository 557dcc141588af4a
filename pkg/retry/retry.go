// Package retry schedules delayed re-submission of failed jobs and wraps
// operations with bounded exponential-backoff retry.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// Coordinator owns the pending retry timers, keyed by the failed job's ID
type Coordinator struct {
	base     time.Duration
	maxDelay time.Duration
	logger   logrus.FieldLogger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewCoordinator creates a coordinator whose delays grow as base*2^n up to maxDelay
func NewCoordinator(base, maxDelay time.Duration, logger logrus.FieldLogger) *Coordinator {
	if base <= 0 {
		base = time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Coordinator{
		base:     base,
		maxDelay: maxDelay,
		logger:   logging.Component(logger, "retry"),
		timers:   make(map[string]*time.Timer),
	}
}

// Delay returns min(base * 2^retryCount, maxDelay)
func (c *Coordinator) Delay(retryCount int) time.Duration {
	b := c.newBackOff()
	delay := b.NextBackOff()
	for i := 0; i < retryCount && delay < c.maxDelay; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base
	b.MaxInterval = c.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ShouldRetry reports whether another attempt is allowed for a job at retryCount
func ShouldRetry(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// Schedule runs fn after the backoff delay for retryCount. It returns false when
// the coordinator is stopped. A timer already pending for jobID is replaced.
func (c *Coordinator) Schedule(jobID string, retryCount int, fn func()) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return 0, false
	}
	if existing, ok := c.timers[jobID]; ok {
		existing.Stop()
	}

	delay := c.Delay(retryCount)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		current, ok := c.timers[jobID]
		if !ok || current != timer {
			c.mu.Unlock()
			return
		}
		delete(c.timers, jobID)
		c.mu.Unlock()
		fn()
	})
	c.timers[jobID] = timer

	metrics.RetriesScheduled.Inc()
	c.logger.WithFields(logrus.Fields{
		logging.FieldJobID: jobID,
		"retry_count":      retryCount,
		"delay":            delay.String(),
	}).Info("Scheduled retry")
	return delay, true
}

// Cancel stops the pending retry for jobID, reporting whether one existed
func (c *Coordinator) Cancel(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer, ok := c.timers[jobID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(c.timers, jobID)
	return true
}

// Pending returns the number of retries waiting to fire
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop cancels every pending retry and rejects new ones until Resume is called
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.stopped = true
}

// Resume allows scheduling again after Stop
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
}

// Permanent marks err so that Do returns it without further attempts
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op up to attempts times with exponential backoff starting at base.
// It stops early when ctx is done or op returns an error wrapped with Permanent.
func Do(ctx context.Context, attempts int, base time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.Retry(op, policy)
}
