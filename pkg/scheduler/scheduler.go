// Package scheduler manages scheduled backup operations.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// DefaultRetentionSchedule runs the retention sweep at minute 15 of every hour
const DefaultRetentionSchedule = "15 * * * *"

// JobFactory persists a pending job for a config
type JobFactory func(ctx context.Context, cfg *types.BackupConfig) (*types.BackupJob, error)

// Runner executes a persisted job
type Runner func(ctx context.Context, jobID string) (*types.BackupJob, error)

// TriggerHandle identifies a registered trigger
type TriggerHandle struct {
	ConfigID string
	Schedule string
	EntryID  cron.EntryID
}

// Options configures a Scheduler
type Options struct {
	Repository        types.Repository
	CreateJob         JobFactory
	Execute           Runner
	MaxConcurrentJobs int64
	RetentionSchedule string
	Sweep             func(ctx context.Context)
	Logger            logrus.FieldLogger
}

// Scheduler handles cron scheduling for backups and retention
type Scheduler struct {
	cronScheduler *cron.Cron
	repo          types.Repository
	createJob     JobFactory
	execute       Runner
	sweep         func(ctx context.Context)
	retentionSpec string
	sem           *semaphore.Weighted
	logger        logrus.FieldLogger
	ctx           context.Context

	mu          sync.Mutex
	entries     map[string]TriggerHandle
	leases      map[string]chan struct{}
	retentionID cron.EntryID
	started     bool
	wg          sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(opts Options) *Scheduler {
	limit := opts.MaxConcurrentJobs
	if limit <= 0 {
		limit = 4
	}
	spec := opts.RetentionSchedule
	if spec == "" {
		spec = DefaultRetentionSchedule
	}
	return &Scheduler{
		cronScheduler: cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		repo:          opts.Repository,
		createJob:     opts.CreateJob,
		execute:       opts.Execute,
		sweep:         opts.Sweep,
		retentionSpec: spec,
		sem:           semaphore.NewWeighted(limit),
		logger:        logging.Component(opts.Logger, "scheduler"),
		ctx:           context.Background(),
		entries:       make(map[string]TriggerHandle),
		leases:        make(map[string]chan struct{}),
	}
}

// Register adds a trigger for cfg, replacing any existing one for the same config
func (s *Scheduler) Register(cfg *types.BackupConfig) (TriggerHandle, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return TriggerHandle{}, apperrors.Validation(fmt.Sprintf("invalid schedule %q", cfg.Schedule), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[cfg.ID]; ok {
		s.cronScheduler.Remove(old.EntryID)
		delete(s.entries, cfg.ID)
	}

	configID := cfg.ID
	entryID, err := s.cronScheduler.AddFunc(cfg.Schedule, func() {
		s.tick(configID)
	})
	if err != nil {
		return TriggerHandle{}, apperrors.Validation(fmt.Sprintf("invalid schedule %q", cfg.Schedule), err)
	}

	handle := TriggerHandle{ConfigID: cfg.ID, Schedule: cfg.Schedule, EntryID: entryID}
	s.entries[cfg.ID] = handle
	metrics.RegisteredTriggers.Set(float64(len(s.entries)))
	s.logger.WithField(logging.FieldConfigID, cfg.ID).Infof("Scheduled backup with cron expression: %s", cfg.Schedule)
	return handle, nil
}

// Unregister removes the trigger for configID. It reports whether one existed.
func (s *Scheduler) Unregister(configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregisterLocked(configID)
}

func (s *Scheduler) unregisterLocked(configID string) bool {
	handle, ok := s.entries[configID]
	if !ok {
		return false
	}
	s.cronScheduler.Remove(handle.EntryID)
	delete(s.entries, configID)
	metrics.RegisteredTriggers.Set(float64(len(s.entries)))
	s.logger.WithField(logging.FieldConfigID, configID).Info("Removed backup schedule")
	return true
}

// Registered returns the config ids with a live trigger
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextRun returns the next fire time of a config's trigger. The time is zero until the scheduler starts.
func (s *Scheduler) NextRun(configID string) (time.Time, bool) {
	s.mu.Lock()
	handle, ok := s.entries[configID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cronScheduler.Entry(handle.EntryID).Next, true
}

// Start begins firing triggers and schedules the retention sweep
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.sweep != nil {
		id, err := s.cronScheduler.AddFunc(s.retentionSpec, func() {
			s.sweep(s.ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule retention policy enforcement: %w", err)
		}
		s.retentionID = id
		s.logger.Infof("Scheduled retention policy enforcement: %s", s.retentionSpec)
	}

	s.cronScheduler.Start()
	s.started = true
	s.logger.Info("Backup scheduler started successfully")
	return nil
}

// Stop removes every trigger and halts the cron loop. Dispatched executions keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id := range s.entries {
		s.unregisterLocked(id)
	}
	if s.retentionID != 0 {
		s.cronScheduler.Remove(s.retentionID)
		s.retentionID = 0
	}
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()

	if wasStarted {
		ctx := s.cronScheduler.Stop()
		<-ctx.Done()
		s.logger.Info("Backup scheduler stopped")
	}
}

// Wait blocks until every dispatched execution has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) lease(configID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[configID]
	if !ok {
		l = make(chan struct{}, 1)
		s.leases[configID] = l
	}
	return l
}

// tryAcquire takes the per-config in-flight lease without blocking
func (s *Scheduler) tryAcquire(configID string) bool {
	select {
	case s.lease(configID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire waits for the per-config lease
func (s *Scheduler) acquire(ctx context.Context, configID string) error {
	select {
	case s.lease(configID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the in-flight lease of configID
func (s *Scheduler) Release(configID string) {
	select {
	case <-s.lease(configID):
	default:
	}
}

// InFlight reports whether an execution holds the lease for configID
func (s *Scheduler) InFlight(configID string) bool {
	return len(s.lease(configID)) > 0
}

// tick is the trigger callback of one config
func (s *Scheduler) tick(configID string) {
	log := s.logger.WithField(logging.FieldConfigID, configID)

	cfg, err := s.repo.GetConfig(s.ctx, configID)
	if err != nil || !cfg.Active {
		if err != nil && !apperrors.IsNotFound(err) {
			log.WithError(err).Error("Failed to load backup config")
			metrics.SchedulerTicks.WithLabelValues("error").Inc()
			return
		}
		log.Info("Backup config is gone or inactive, removing trigger")
		s.Unregister(configID)
		metrics.SchedulerTicks.WithLabelValues("inactive").Inc()
		return
	}

	if !s.tryAcquire(configID) {
		log.Warn("Previous backup still running, skipping this run")
		metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		return
	}

	job, err := s.createJob(s.ctx, cfg)
	if err != nil {
		s.Release(configID)
		log.WithError(err).Error("Failed to create scheduled backup job")
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return
	}

	metrics.SchedulerTicks.WithLabelValues("dispatched").Inc()
	s.run(configID, job.ID, true)
}

// Dispatch runs jobID asynchronously under the config's lease and the concurrency limit.
// It waits for the lease if another execution of the same config holds it.
func (s *Scheduler) Dispatch(configID, jobID string) {
	s.run(configID, jobID, false)
}

// RunNow executes jobID on the calling goroutine under the same lease and limit as scheduled runs
func (s *Scheduler) RunNow(ctx context.Context, configID, jobID string) (*types.BackupJob, error) {
	if err := s.acquire(ctx, configID); err != nil {
		return nil, fmt.Errorf("failed to acquire backup lease: %w", err)
	}
	defer s.Release(configID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire execution slot: %w", err)
	}
	defer s.sem.Release(1)

	return s.execute(ctx, jobID)
}

func (s *Scheduler) run(configID, jobID string, leased bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.logger.WithFields(logrus.Fields{logging.FieldConfigID: configID, logging.FieldJobID: jobID})

		if leased {
			defer s.Release(configID)
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				log.WithError(err).Error("Failed to acquire execution slot")
				return
			}
			defer s.sem.Release(1)
			if _, err := s.execute(s.ctx, jobID); err != nil {
				log.WithError(err).Error("Backup execution returned an error")
			}
			return
		}

		if _, err := s.RunNow(s.ctx, configID, jobID); err != nil {
			log.WithError(err).Error("Backup execution returned an error")
		}
	}()
}
