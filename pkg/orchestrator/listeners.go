package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/retry"
)

// listen subscribes the retry and verification listeners once per service
func (s *Service) listen() error {
	if s.bus == nil {
		return nil
	}
	s.listenOnce.Do(func() {
		if err := s.bus.Subscribe(events.TopicJobFailed, s.onJobFailed); err != nil {
			s.listenErr = err
			return
		}
		if s.verifier != nil {
			s.listenErr = s.bus.Subscribe(events.TopicJobCompleted, s.onJobCompleted)
		}
	})
	return s.listenErr
}

// onJobFailed schedules a delayed re-submission while the retry budget lasts
func (s *Service) onJobFailed(ctx context.Context, event events.Event) {
	log := s.logger.WithFields(logrus.Fields{
		logging.FieldJobID:    event.JobID,
		logging.FieldConfigID: event.ConfigID,
	})
	if !event.Retryable {
		log.Infof("Backup failed with %s, not retrying", event.ErrorCode)
		return
	}
	if !s.Running() {
		return
	}

	job, err := s.repo.GetJob(ctx, event.JobID)
	if err != nil {
		log.WithError(err).Error("Failed to load failed job for retry")
		return
	}
	if !retry.ShouldRetry(job.RetryCount, job.MaxRetries) {
		log.Warnf("Backup failed after %d retries, giving up", job.RetryCount)
		return
	}

	s.retry.Schedule(job.ID, job.RetryCount, func() {
		s.resubmit(job)
	})
}

// resubmit creates the next attempt of a failed job and dispatches it
func (s *Service) resubmit(failed *types.BackupJob) {
	ctx := context.Background()
	log := s.logger.WithFields(logrus.Fields{
		logging.FieldJobID:    failed.ID,
		logging.FieldConfigID: failed.ConfigID,
	})

	cfg, err := s.repo.GetConfig(ctx, failed.ConfigID)
	if err != nil {
		log.WithError(err).Error("Failed to load config for retry")
		return
	}
	if !cfg.Active {
		log.Info("Backup config was deactivated, dropping retry")
		return
	}

	job, err := s.newJob(ctx, cfg, failed)
	if err != nil {
		log.WithError(err).Error("Failed to create retry job")
		return
	}
	log.Infof("Retrying backup as job %s (retry %d of %d)", job.ID, job.RetryCount, job.MaxRetries)
	s.scheduler.Dispatch(cfg.ID, job.ID)
}

// onJobCompleted verifies every completed backup in the background
func (s *Service) onJobCompleted(ctx context.Context, event events.Event) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.verifier.Verify(context.Background(), event.JobID); err != nil {
			entry := s.logger.WithError(err).WithField(logging.FieldJobID, event.JobID)
			if apperrors.KindOf(err) == apperrors.KindConflict {
				entry.Debug("Verification skipped")
				return
			}
			entry.Error("Failed to verify backup")
		}
	}()
}
