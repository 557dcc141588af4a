package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

type harness struct {
	store     *metadata.Store
	scheduler *Scheduler
	created   atomic.Int32
	executed  atomic.Int32
	running   atomic.Int32
	peak      atomic.Int32
	release   chan struct{}
}

func newHarness(t *testing.T, maxJobs int64) *harness {
	t.Helper()
	h := &harness{store: metadata.NewStore(""), release: make(chan struct{})}
	h.scheduler = NewScheduler(Options{
		Repository: h.store,
		CreateJob: func(ctx context.Context, cfg *types.BackupConfig) (*types.BackupJob, error) {
			n := h.created.Add(1)
			job := &types.BackupJob{ID: fmt.Sprintf("job-%d", n), ConfigID: cfg.ID, Status: types.StatusPending, CreatedAt: time.Now()}
			return job, h.store.CreateJob(ctx, job)
		},
		Execute: func(ctx context.Context, jobID string) (*types.BackupJob, error) {
			cur := h.running.Add(1)
			for {
				peak := h.peak.Load()
				if cur <= peak || h.peak.CompareAndSwap(peak, cur) {
					break
				}
			}
			<-h.release
			h.running.Add(-1)
			h.executed.Add(1)
			return nil, nil
		},
		MaxConcurrentJobs: maxJobs,
		Logger:            logging.Discard(),
	})
	t.Cleanup(func() {
		select {
		case <-h.release:
		default:
			close(h.release)
		}
		h.scheduler.Stop()
		h.scheduler.Wait()
	})
	return h
}

func (h *harness) addConfig(t *testing.T, id string, active bool) *types.BackupConfig {
	t.Helper()
	cfg := &types.BackupConfig{ID: id, TenantID: "t", BackupType: types.BackupTypeFilesystem, Schedule: "@hourly", Active: active, CreatedAt: time.Now()}
	require.NoError(t, h.store.CreateConfig(context.Background(), cfg))
	return cfg
}

func TestRegisterUnregister(t *testing.T) {
	h := newHarness(t, 2)
	cfg := h.addConfig(t, "cfg-1", true)

	handle, err := h.scheduler.Register(cfg)
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", handle.ConfigID)
	assert.Equal(t, []string{"cfg-1"}, h.scheduler.Registered())

	assert.True(t, h.scheduler.Unregister("cfg-1"))
	assert.Empty(t, h.scheduler.Registered())
	assert.False(t, h.scheduler.Unregister("cfg-1"))
	assert.Empty(t, h.scheduler.cronScheduler.Entries())
}

func TestReRegisterReplacesTrigger(t *testing.T) {
	h := newHarness(t, 2)
	cfg := h.addConfig(t, "cfg-1", true)

	first, err := h.scheduler.Register(cfg)
	require.NoError(t, err)
	cfg.Schedule = "*/5 * * * *"
	second, err := h.scheduler.Register(cfg)
	require.NoError(t, err)

	assert.NotEqual(t, first.EntryID, second.EntryID)
	assert.Len(t, h.scheduler.cronScheduler.Entries(), 1)
	assert.Equal(t, []string{"cfg-1"}, h.scheduler.Registered())
}

func TestRegisterInvalidSchedule(t *testing.T) {
	h := newHarness(t, 2)
	cfg := h.addConfig(t, "cfg-1", true)
	cfg.Schedule = "every day at noon"

	_, err := h.scheduler.Register(cfg)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Empty(t, h.scheduler.Registered())
}

func TestNextRunAfterStart(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.scheduler.Register(h.addConfig(t, "cfg-1", true))
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Start())
	require.NoError(t, h.scheduler.Start(), "start is idempotent")

	next, ok := h.scheduler.NextRun("cfg-1")
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	_, ok = h.scheduler.NextRun("missing")
	assert.False(t, ok)
}

func TestStopRemovesTriggers(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.scheduler.Register(h.addConfig(t, "cfg-1", true))
	require.NoError(t, err)
	_, err = h.scheduler.Register(h.addConfig(t, "cfg-2", true))
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Start())

	h.scheduler.Stop()
	h.scheduler.Stop()
	assert.Empty(t, h.scheduler.Registered())
}

func TestTickInactiveConfigRemovesTrigger(t *testing.T) {
	h := newHarness(t, 2)
	cfg := h.addConfig(t, "cfg-1", false)
	_, err := h.scheduler.Register(cfg)
	require.NoError(t, err)

	h.scheduler.tick("cfg-1")
	assert.Equal(t, int32(0), h.created.Load())
	assert.Empty(t, h.scheduler.Registered())

	_, err = h.scheduler.Register(&types.BackupConfig{ID: "gone", Schedule: "@daily"})
	require.NoError(t, err)
	h.scheduler.tick("gone")
	assert.Empty(t, h.scheduler.Registered())
}

func TestTickSkipsWhileInFlight(t *testing.T) {
	h := newHarness(t, 2)
	h.addConfig(t, "cfg-1", true)

	h.scheduler.tick("cfg-1")
	require.Eventually(t, func() bool { return h.running.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, h.scheduler.InFlight("cfg-1"))

	h.scheduler.tick("cfg-1")
	assert.Equal(t, int32(1), h.created.Load(), "no job is created while the previous run holds the lease")

	close(h.release)
	h.scheduler.Wait()
	assert.False(t, h.scheduler.InFlight("cfg-1"))
	assert.Equal(t, int32(1), h.executed.Load())

	h.scheduler.tick("cfg-1")
	h.scheduler.Wait()
	assert.Equal(t, int32(2), h.created.Load())
}

func TestConcurrencyLimit(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 5; i++ {
		h.addConfig(t, fmt.Sprintf("cfg-%d", i), true)
	}
	for i := 0; i < 5; i++ {
		h.scheduler.tick(fmt.Sprintf("cfg-%d", i))
	}

	require.Eventually(t, func() bool { return h.running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), h.running.Load())

	close(h.release)
	h.scheduler.Wait()
	assert.Equal(t, int32(5), h.executed.Load())
	assert.Equal(t, int32(2), h.peak.Load())
}

func TestDispatchWaitsForLease(t *testing.T) {
	h := newHarness(t, 4)
	h.addConfig(t, "cfg-1", true)

	h.scheduler.tick("cfg-1")
	require.Eventually(t, func() bool { return h.running.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.scheduler.Dispatch("cfg-1", "job-retry")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.running.Load(), "retry waits for the running execution")

	close(h.release)
	h.scheduler.Wait()
	assert.Equal(t, int32(2), h.executed.Load())
}

func TestRetentionScheduledOnStart(t *testing.T) {
	s := NewScheduler(Options{
		Repository: metadata.NewStore(""),
		Sweep:      func(ctx context.Context) {},
		Logger:     logging.Discard(),
	})
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Len(t, s.cronScheduler.Entries(), 1)
	assert.Empty(t, s.Registered())
}
