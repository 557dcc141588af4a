package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// DefaultTimeout bounds a recovery run when the executor sets none
const DefaultTimeout = 4 * time.Hour

// Executor drives a pending recovery job to a terminal state
type Executor struct {
	repo      types.Repository
	registry  *Registry
	publisher events.Publisher
	timeout   time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewExecutor creates a recovery executor
func NewExecutor(repo types.Repository, registry *Registry, publisher events.Publisher, timeout time.Duration, logger logrus.FieldLogger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		repo:      repo,
		registry:  registry,
		publisher: publisher,
		timeout:   timeout,
		logger:    logging.Component(logger, "recovery-executor"),
		now:       time.Now,
	}
}

// Execute runs a pending recovery job. Strategy failures are recorded on the job;
// errors are returned when records are missing, the job is not pending, or
// persistence fails.
func (e *Executor) Execute(ctx context.Context, recoveryID string) (*types.RecoveryJob, error) {
	rec, err := e.repo.GetRecoveryJob(ctx, recoveryID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.StatusPending {
		return rec, apperrors.Conflict(fmt.Sprintf("recovery job %s is %s, not pending", rec.ID, rec.Status))
	}

	log := e.logger.WithFields(logrus.Fields{
		logging.FieldRecoveryID: rec.ID,
		logging.FieldJobID:      rec.BackupJobID,
		logging.FieldTenantID:   rec.TenantID,
	})

	job, err := e.repo.GetJob(ctx, rec.BackupJobID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			e.fail(ctx, log, rec, err)
		}
		return rec, err
	}
	cfg, err := e.repo.GetConfig(ctx, job.ConfigID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			e.fail(ctx, log, rec, err)
		}
		return rec, err
	}

	start := e.now()
	rec.Status = types.StatusRunning
	rec.StartTime = &start
	if err := e.repo.UpdateRecoveryJob(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to mark recovery running: %w", err)
	}

	if job.Status != types.StatusCompleted {
		e.fail(ctx, log, rec, apperrors.Validation(fmt.Sprintf("backup job %s is %s, only completed backups can be restored", job.ID, job.Status), nil))
		return rec, nil
	}
	if job.TenantID != rec.TenantID {
		e.fail(ctx, log, rec, apperrors.Validation(fmt.Sprintf("backup job %s does not belong to tenant %s", job.ID, rec.TenantID), nil))
		return rec, nil
	}

	strategy, ok := e.registry.Get(rec.RecoveryType)
	if !ok {
		e.fail(ctx, log, rec, apperrors.UnsupportedRecoveryType(string(rec.RecoveryType)))
		return rec, nil
	}

	log.Infof("Starting %s recovery from backup %s", rec.RecoveryType, job.ID)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	result, err := strategy.Execute(runCtx, Request{Recovery: rec, Job: job, Config: cfg})
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = apperrors.RecoveryExecution(fmt.Sprintf("timed out after %s", e.timeout), err)
		} else if apperrors.KindOf(err) == "" {
			err = apperrors.RecoveryExecution(string(rec.RecoveryType), err)
		}
		e.fail(ctx, log, rec, err)
		return rec, nil
	}

	end := e.now()
	rec.Status = types.StatusCompleted
	rec.EndTime = &end
	rec.DurationMs = end.Sub(start).Milliseconds()
	rec.RecoveredRecords = result.Records
	rec.ResultCode = result.ResultCode
	if err := e.repo.UpdateRecoveryJob(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to mark recovery completed: %w", err)
	}

	metrics.RecoveryCount.WithLabelValues(string(rec.RecoveryType), "success").Inc()
	metrics.RecoveryDuration.WithLabelValues(string(rec.RecoveryType)).Observe(end.Sub(start).Seconds())
	log.Infof("Recovery completed: %d records in %s", rec.RecoveredRecords, end.Sub(start).Round(time.Millisecond))
	e.publish(events.TopicRecoveryCompleted, rec)
	return rec, nil
}

func (e *Executor) fail(ctx context.Context, log logrus.FieldLogger, rec *types.RecoveryJob, err error) {
	end := e.now()
	rec.Status = types.StatusFailed
	rec.EndTime = &end
	if rec.StartTime != nil {
		rec.DurationMs = end.Sub(*rec.StartTime).Milliseconds()
	}
	rec.ErrorMessage = err.Error()
	rec.ErrorCode = failureCode(err)

	if updateErr := e.repo.UpdateRecoveryJob(ctx, rec); updateErr != nil {
		log.WithError(updateErr).Error("Failed to persist recovery failure")
	}
	metrics.RecoveryCount.WithLabelValues(string(rec.RecoveryType), "error").Inc()
	log.WithError(err).Errorf("Recovery failed (%s)", rec.ErrorCode)
	e.publish(events.TopicRecoveryFailed, rec)
}

// failureCode keeps the unsupported-type and not-found codes; every other failure is an execution failure
func failureCode(err error) string {
	switch {
	case apperrors.IsNotFound(err):
		return apperrors.CodeNotFound
	case apperrors.IsUnsupported(err):
		return apperrors.CodeOf(err, apperrors.CodeUnsupportedRecoveryType)
	default:
		return apperrors.CodeRecoveryExecutionFailed
	}
}

func (e *Executor) publish(topic string, rec *types.RecoveryJob) {
	if e.publisher == nil {
		return
	}
	event := events.Event{
		TenantID:      rec.TenantID,
		JobID:         rec.BackupJobID,
		RecoveryJobID: rec.ID,
		Status:        string(rec.Status),
		ErrorCode:     rec.ErrorCode,
		ErrorMessage:  rec.ErrorMessage,
		OccurredAt:    e.now(),
	}
	if err := e.publisher.Publish(topic, event); err != nil {
		e.logger.WithError(err).Warnf("Failed to publish %s", topic)
	}
}
