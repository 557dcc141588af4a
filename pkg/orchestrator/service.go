// Package orchestrator is the façade over configuration, scheduling, execution,
// verification, recovery and retention.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/recovery"
	"github.com/supporttools/GoDRGuard/pkg/retention"
	"github.com/supporttools/GoDRGuard/pkg/retry"
	"github.com/supporttools/GoDRGuard/pkg/scheduler"
	"github.com/supporttools/GoDRGuard/pkg/verify"
)

// Defaults applied when Options leaves a field unset
const (
	DefaultMaxRetries = 3
	DefaultRTOTarget  = 4 * time.Hour
	DefaultRPOTarget  = 24 * time.Hour
)

// Options holds the collaborators of a Service
type Options struct {
	Repository        types.Repository
	Strategies        *backup.Registry
	Backups           *backup.Executor
	Recoveries        *recovery.Executor
	Verifier          *verify.Verifier
	Cleaner           *retention.Cleaner
	Bus               *events.Bus
	Retry             *retry.Coordinator
	MaxConcurrentJobs int64
	RetentionSchedule string
	DefaultMaxRetries int
	RTOTarget         time.Duration
	RPOTarget         time.Duration
	Logger            logrus.FieldLogger
}

// Service is the orchestration façade
type Service struct {
	repo       types.Repository
	strategies *backup.Registry
	backups    *backup.Executor
	recoveries *recovery.Executor
	verifier   *verify.Verifier
	cleaner    *retention.Cleaner
	bus        *events.Bus
	retry      *retry.Coordinator
	scheduler  *scheduler.Scheduler
	maxRetries int
	rto        time.Duration
	rpo        time.Duration
	logger     logrus.FieldLogger
	now        func() time.Time

	mu         sync.Mutex
	running    bool
	listenOnce sync.Once
	listenErr  error
	background sync.WaitGroup
}

// New creates a stopped Service
func New(opts Options) *Service {
	s := &Service{
		repo:       opts.Repository,
		strategies: opts.Strategies,
		backups:    opts.Backups,
		recoveries: opts.Recoveries,
		verifier:   opts.Verifier,
		cleaner:    opts.Cleaner,
		bus:        opts.Bus,
		retry:      opts.Retry,
		maxRetries: opts.DefaultMaxRetries,
		rto:        opts.RTOTarget,
		rpo:        opts.RPOTarget,
		logger:     logging.Component(opts.Logger, "orchestrator"),
		now:        time.Now,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.rto <= 0 {
		s.rto = DefaultRTOTarget
	}
	if s.rpo <= 0 {
		s.rpo = DefaultRPOTarget
	}
	if s.retry == nil {
		s.retry = retry.NewCoordinator(time.Minute, time.Hour, opts.Logger)
	}

	var sweep func(ctx context.Context)
	if s.cleaner != nil {
		sweep = func(ctx context.Context) {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.WithError(err).Error("Error enforcing retention policies")
			}
		}
	}
	s.scheduler = scheduler.NewScheduler(scheduler.Options{
		Repository:        s.repo,
		CreateJob:         s.createJobForConfig,
		Execute:           s.backups.Execute,
		MaxConcurrentJobs: opts.MaxConcurrentJobs,
		RetentionSchedule: opts.RetentionSchedule,
		Sweep:             sweep,
		Logger:            opts.Logger,
	})
	return s
}

// Scheduler exposes the trigger state
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Start registers a trigger for every active config and begins scheduling. Calling it
// while running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.listen(); err != nil {
		return err
	}

	configs, err := s.repo.GetActiveConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active configs: %w", err)
	}
	for i := range configs {
		if _, err := s.scheduler.Register(&configs[i]); err != nil {
			s.logger.WithError(err).WithField(logging.FieldConfigID, configs[i].ID).Error("Failed to schedule backup config")
		}
	}

	s.retry.Resume()
	if err := s.scheduler.Start(); err != nil {
		s.scheduler.Stop()
		return err
	}
	s.running = true
	s.logger.Infof("Orchestrator started with %d backup triggers", len(s.scheduler.Registered()))
	return nil
}

// Stop cancels every trigger and pending retry. Executions already dispatched are left to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.scheduler.Stop()
	s.retry.Stop()
	s.running = false
	s.logger.Info("Orchestrator stopped")
}

// Running reports whether the scheduler is active
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until dispatched executions and background verifications return
func (s *Service) Wait() {
	s.scheduler.Wait()
	s.background.Wait()
}

// Close stops the service, waits for in-flight work and closes the event bus
func (s *Service) Close() error {
	s.Stop()
	s.Wait()
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

// Subscribe registers an external listener for topic
func (s *Service) Subscribe(topic string, handler events.Handler) error {
	if s.bus == nil {
		return fmt.Errorf("event bus is not configured")
	}
	return s.bus.Subscribe(topic, handler)
}

func (s *Service) publish(topic string, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(topic, event); err != nil {
		s.logger.WithError(err).Warnf("Failed to publish %s", topic)
	}
}

// CreateConfig validates and stores a new config, scheduling it when active
func (s *Service) CreateConfig(ctx context.Context, cfg *types.BackupConfig) (*types.BackupConfig, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = s.maxRetries
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if s.strategies != nil {
		if _, ok := s.strategies.Get(cfg.BackupType); !ok {
			return nil, apperrors.UnsupportedBackupType(string(cfg.BackupType))
		}
	}

	now := s.now()
	cfg.ID = uuid.NewString()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if err := s.repo.CreateConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to create backup config: %w", err)
	}

	if cfg.Active && s.Running() {
		if _, err := s.scheduler.Register(cfg); err != nil {
			return cfg, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		logging.FieldConfigID: cfg.ID,
		logging.FieldTenantID: cfg.TenantID,
	}).Infof("Created %s backup config %q", cfg.BackupType, cfg.Name)
	s.publish(events.TopicConfigCreated, events.Event{TenantID: cfg.TenantID, ConfigID: cfg.ID, Status: activeStatus(cfg)})
	return cfg, nil
}

// UpdateConfig replaces a stored config and keeps its trigger in step
func (s *Service) UpdateConfig(ctx context.Context, cfg *types.BackupConfig) (*types.BackupConfig, error) {
	existing, err := s.repo.GetConfig(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if cfg.TenantID != existing.TenantID {
		return nil, apperrors.Validation("backup config tenant cannot change", nil)
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = existing.EncryptionKey
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if s.strategies != nil {
		if _, ok := s.strategies.Get(cfg.BackupType); !ok {
			return nil, apperrors.UnsupportedBackupType(string(cfg.BackupType))
		}
	}

	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = s.now()
	if err := s.repo.UpdateConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to update backup config: %w", err)
	}
	if err := s.syncTrigger(cfg); err != nil {
		return cfg, err
	}

	s.publish(events.TopicConfigUpdated, events.Event{TenantID: cfg.TenantID, ConfigID: cfg.ID, Status: activeStatus(cfg)})
	return cfg, nil
}

// DeleteConfig deactivates a config and removes its trigger. Job history keeps referencing it.
func (s *Service) DeleteConfig(ctx context.Context, id string) error {
	cfg, err := s.repo.GetConfig(ctx, id)
	if err != nil {
		return err
	}
	cfg.Active = false
	cfg.UpdatedAt = s.now()
	if err := s.repo.UpdateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to deactivate backup config: %w", err)
	}
	s.scheduler.Unregister(id)
	s.publish(events.TopicConfigUpdated, events.Event{TenantID: cfg.TenantID, ConfigID: cfg.ID, Status: activeStatus(cfg)})
	return nil
}

func (s *Service) syncTrigger(cfg *types.BackupConfig) error {
	if !cfg.Active {
		s.scheduler.Unregister(cfg.ID)
		return nil
	}
	if !s.Running() {
		return nil
	}
	_, err := s.scheduler.Register(cfg)
	return err
}

func activeStatus(cfg *types.BackupConfig) string {
	if cfg.Active {
		return "active"
	}
	return "inactive"
}

// GetConfig returns one config
func (s *Service) GetConfig(ctx context.Context, id string) (*types.BackupConfig, error) {
	return s.repo.GetConfig(ctx, id)
}

// ListConfigs returns configs matching filter
func (s *Service) ListConfigs(ctx context.Context, filter types.ConfigFilter) ([]types.BackupConfig, error) {
	return s.repo.ListConfigs(ctx, filter)
}

// CreateJob persists a pending job for configID
func (s *Service) CreateJob(ctx context.Context, configID string) (*types.BackupJob, error) {
	cfg, err := s.repo.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	return s.createJobForConfig(ctx, cfg)
}

func (s *Service) createJobForConfig(ctx context.Context, cfg *types.BackupConfig) (*types.BackupJob, error) {
	return s.newJob(ctx, cfg, nil)
}

// newJob persists a pending job. parent is the failed attempt when this is a retry.
func (s *Service) newJob(ctx context.Context, cfg *types.BackupConfig, parent *types.BackupJob) (*types.BackupJob, error) {
	job := &types.BackupJob{
		ID:         uuid.NewString(),
		TenantID:   cfg.TenantID,
		ConfigID:   cfg.ID,
		Status:     types.StatusPending,
		MaxRetries: cfg.MaxRetries,
		Metadata:   map[string]string{},
		CreatedAt:  s.now(),
	}
	if parent != nil {
		job.ParentJobID = parent.ID
		job.RetryCount = parent.RetryCount + 1
		job.MaxRetries = parent.MaxRetries
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create backup job: %w", err)
	}

	s.publish(events.TopicJobCreated, events.Event{
		TenantID:   job.TenantID,
		ConfigID:   job.ConfigID,
		JobID:      job.ID,
		Status:     string(job.Status),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
	})
	return job, nil
}

// ExecuteJob runs a pending job on the calling goroutine, honouring the per-config lease
func (s *Service) ExecuteJob(ctx context.Context, jobID string) (*types.BackupJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.scheduler.RunNow(ctx, job.ConfigID, job.ID)
}

// GetJob returns one backup job
func (s *Service) GetJob(ctx context.Context, id string) (*types.BackupJob, error) {
	return s.repo.GetJob(ctx, id)
}

// ListJobs returns backup jobs matching filter
func (s *Service) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.BackupJob, error) {
	return s.repo.ListJobs(ctx, filter)
}

// VerifyJob runs a verification pass for a completed job
func (s *Service) VerifyJob(ctx context.Context, jobID string) (*types.BackupVerification, error) {
	return s.verifier.Verify(ctx, jobID)
}

// ListVerifications returns the verification records of a job, or all when jobID is empty
func (s *Service) ListVerifications(ctx context.Context, jobID string) ([]types.BackupVerification, error) {
	return s.repo.ListVerifications(ctx, jobID)
}

// CreateRecoveryJob validates and stores a pending recovery of a completed backup
func (s *Service) CreateRecoveryJob(ctx context.Context, rec *types.RecoveryJob) (*types.RecoveryJob, error) {
	if err := validateStruct("recovery job", rec); err != nil {
		return nil, err
	}
	job, err := s.repo.GetJob(ctx, rec.BackupJobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusCompleted {
		return nil, apperrors.Validation(fmt.Sprintf("backup job %s is %s, only completed backups can be restored", job.ID, job.Status), nil)
	}
	if job.TenantID != rec.TenantID {
		return nil, apperrors.Validation(fmt.Sprintf("backup job %s does not belong to tenant %s", job.ID, rec.TenantID), nil)
	}

	rec.ID = uuid.NewString()
	rec.Status = types.StatusPending
	rec.RecoveredRecords = 0
	rec.ResultCode = ""
	rec.CreatedAt = s.now()
	if err := s.repo.CreateRecoveryJob(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create recovery job: %w", err)
	}

	s.publish(events.TopicRecoveryCreated, events.Event{
		TenantID:      rec.TenantID,
		JobID:         rec.BackupJobID,
		RecoveryJobID: rec.ID,
		Status:        string(rec.Status),
	})
	return rec, nil
}

// ExecuteRecoveryJob runs a pending recovery job
func (s *Service) ExecuteRecoveryJob(ctx context.Context, id string) (*types.RecoveryJob, error) {
	return s.recoveries.Execute(ctx, id)
}

// ListRecoveryJobs returns recovery jobs matching filter
func (s *Service) ListRecoveryJobs(ctx context.Context, filter types.RecoveryFilter) ([]types.RecoveryJob, error) {
	return s.repo.ListRecoveryJobs(ctx, filter)
}

// Sweep runs the retention cleaner once
func (s *Service) Sweep(ctx context.Context) (retention.SweepResult, error) {
	if s.cleaner == nil {
		return retention.SweepResult{}, fmt.Errorf("retention cleaner is not configured")
	}
	return s.cleaner.Sweep(ctx)
}
