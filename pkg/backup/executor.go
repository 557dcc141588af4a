package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

// DefaultTimeout bounds a strategy run when neither the config nor the executor sets one
const DefaultTimeout = 2 * time.Hour

// Uploader copies a finished artifact offsite
type Uploader interface {
	Upload(ctx context.Context, bucket, key, path string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Executor drives a pending backup job to a terminal state
type Executor struct {
	repo      types.Repository
	registry  *Registry
	local     *local.Client
	uploader  Uploader
	publisher events.Publisher
	timeout   time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
}

// ExecutorOptions holds the executor's collaborators
type ExecutorOptions struct {
	Repository types.Repository
	Registry   *Registry
	Local      *local.Client
	Uploader   Uploader
	Publisher  events.Publisher
	Timeout    time.Duration
	Logger     logrus.FieldLogger
}

// NewExecutor creates a backup executor. Uploader may be nil when no s3:// locations are used.
func NewExecutor(opts ExecutorOptions) *Executor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		repo:      opts.Repository,
		registry:  opts.Registry,
		local:     opts.Local,
		uploader:  opts.Uploader,
		publisher: opts.Publisher,
		timeout:   timeout,
		logger:    logging.Component(opts.Logger, "backup-executor"),
		now:       time.Now,
	}
}

// Execute runs a pending job. Strategy failures are recorded on the job and do not
// surface as errors; errors are returned only when the job cannot be loaded, is not
// pending, or cannot be persisted.
func (e *Executor) Execute(ctx context.Context, jobID string) (*types.BackupJob, error) {
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusPending {
		return job, apperrors.Conflict(fmt.Sprintf("backup job %s is %s, not pending", job.ID, job.Status))
	}

	log := e.logger.WithFields(logrus.Fields{
		logging.FieldJobID:    job.ID,
		logging.FieldConfigID: job.ConfigID,
		logging.FieldTenantID: job.TenantID,
	})

	cfg, err := e.repo.GetConfig(ctx, job.ConfigID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			e.fail(ctx, log, job, "", err, false)
		}
		return job, err
	}

	start := e.now()
	job.Status = types.StatusRunning
	job.StartTime = &start
	if err := e.repo.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("failed to mark job running: %w", err)
	}

	strategy, ok := e.registry.Get(cfg.BackupType)
	if !ok {
		e.fail(ctx, log, job, string(cfg.BackupType), apperrors.UnsupportedBackupType(string(cfg.BackupType)), false)
		return job, nil
	}

	log.Infof("Starting %s backup (attempt %d of %d)", cfg.BackupType, job.RetryCount+1, job.MaxRetries+1)

	result, err := e.run(ctx, strategy, job, cfg)
	if err != nil {
		e.fail(ctx, log, job, string(cfg.BackupType), err, apperrors.IsRetryable(err))
		return job, nil
	}

	end := e.now()
	job.Status = types.StatusCompleted
	job.EndTime = &end
	job.DurationMs = end.Sub(start).Milliseconds()
	job.Path = result.Path
	job.Size = result.Size
	job.Checksum = result.Checksum
	if job.Metadata == nil {
		job.Metadata = make(map[string]string)
	}
	for k, v := range result.Metadata {
		job.Metadata[k] = v
	}
	if err := e.repo.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("failed to mark job completed: %w", err)
	}

	metrics.BackupCount.WithLabelValues(string(cfg.BackupType), "success").Inc()
	metrics.BackupDuration.WithLabelValues(string(cfg.BackupType)).Observe(end.Sub(start).Seconds())
	metrics.LastBackupTimestamp.WithLabelValues(cfg.ID).Set(float64(end.Unix()))
	if err := local.RecordBackupMetrics(job.Path, string(cfg.BackupType), cfg.ID); err != nil {
		log.WithError(err).Warn("Failed to record artifact size")
	}

	log.Infof("Backup completed: %s (%s) in %s", filepath.Base(job.Path), humanize.Bytes(uint64(job.Size)), end.Sub(start).Round(time.Millisecond))
	e.publish(events.TopicJobCompleted, job, true)
	return job, nil
}

// run applies the timeout, invokes the strategy and uploads the artifact when the location is remote
func (e *Executor) run(ctx context.Context, strategy Strategy, job *types.BackupJob, cfg *types.BackupConfig) (*Artifact, error) {
	loc, err := e.local.Resolve(cfg.StorageLocation)
	if err != nil {
		return nil, apperrors.Validation("invalid storage location", err)
	}
	if loc.Remote() && e.uploader == nil {
		return nil, apperrors.Validation(fmt.Sprintf("storage location %s requires S3 to be enabled", cfg.StorageLocation), nil)
	}

	timeout := e.timeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := strategy.Execute(runCtx, Request{
		Job:       job,
		Config:    cfg,
		Dir:       loc.ArtifactDir(cfg.TenantID, cfg.ID),
		Timestamp: e.now(),
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.BackupExecution(fmt.Sprintf("timed out after %s", timeout), err)
		}
		if apperrors.KindOf(err) == "" {
			err = apperrors.BackupExecution(string(cfg.BackupType), err)
		}
		return nil, err
	}

	if loc.Remote() {
		key := loc.ObjectKey(cfg.TenantID, cfg.ID, filepath.Base(result.Path))
		if err := e.uploader.Upload(runCtx, loc.Bucket, key, result.Path); err != nil {
			if _, rmErr := e.local.Remove(result.Path); rmErr != nil {
				e.logger.WithError(rmErr).Warn("Failed to remove staged artifact")
			}
			return nil, apperrors.BackupExecution("offsite upload failed", err)
		}
		if result.Metadata == nil {
			result.Metadata = make(map[string]string)
		}
		result.Metadata[types.MetaS3Bucket] = loc.Bucket
		result.Metadata[types.MetaS3Key] = key
	}
	return result, nil
}

// fail records err on the job and publishes job.failed
func (e *Executor) fail(ctx context.Context, log logrus.FieldLogger, job *types.BackupJob, backupType string, err error, retryable bool) {
	end := e.now()
	job.Status = types.StatusFailed
	job.EndTime = &end
	if job.StartTime != nil {
		job.DurationMs = end.Sub(*job.StartTime).Milliseconds()
	}
	job.ErrorMessage = err.Error()
	job.ErrorCode = apperrors.CodeOf(err, apperrors.CodeBackupExecutionFailed)
	job.Path = ""
	job.Checksum = ""
	if !retryable {
		if job.Metadata == nil {
			job.Metadata = make(map[string]string)
		}
		job.Metadata[types.MetaRetryable] = "false"
	}

	if updateErr := e.repo.UpdateJob(ctx, job); updateErr != nil {
		log.WithError(updateErr).Error("Failed to persist job failure")
	}

	if backupType != "" {
		metrics.BackupCount.WithLabelValues(backupType, "error").Inc()
	}
	log.WithError(err).Errorf("Backup failed (%s)", job.ErrorCode)
	e.publish(events.TopicJobFailed, job, retryable)
}

func (e *Executor) publish(topic string, job *types.BackupJob, retryable bool) {
	if e.publisher == nil {
		return
	}
	event := events.Event{
		TenantID:     job.TenantID,
		ConfigID:     job.ConfigID,
		JobID:        job.ID,
		Status:       string(job.Status),
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		Retryable:    job.Status == types.StatusFailed && retryable,
		OccurredAt:   e.now(),
	}
	if err := e.publisher.Publish(topic, event); err != nil {
		e.logger.WithError(err).Warnf("Failed to publish %s", topic)
	}
}
