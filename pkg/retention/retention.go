// Package retention removes completed backups that have outlived their config's retention window.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

// RemoteDeleter removes offsite artifact copies
type RemoteDeleter interface {
	Delete(ctx context.Context, bucket, key string) error
}

// SweepResult summarizes one retention pass
type SweepResult struct {
	Configs    int   `json:"configs"`
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	FreedBytes int64 `json:"freedBytes"`
}

// Cleaner enforces retention windows
type Cleaner struct {
	repo   types.Repository
	local  *local.Client
	remote RemoteDeleter
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewCleaner creates a cleaner. Remote may be nil when S3 is disabled.
func NewCleaner(repo types.Repository, localClient *local.Client, remote RemoteDeleter, logger logrus.FieldLogger) *Cleaner {
	return &Cleaner{
		repo:   repo,
		local:  localClient,
		remote: remote,
		logger: logging.Component(logger, "retention"),
		now:    time.Now,
	}
}

// WithClock replaces the cleaner's time source
func (c *Cleaner) WithClock(now func() time.Time) *Cleaner {
	c.now = now
	return c
}

// Sweep deletes completed jobs whose end time is older than their config's retention window.
// Failures on individual jobs are logged and counted; only listing the configs can fail the sweep.
func (c *Cleaner) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	c.logger.Info("Enforcing retention policies...")

	configs, err := c.repo.GetActiveConfigs(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load active configs: %w", err)
	}

	now := c.now()
	for i := range configs {
		cfg := &configs[i]
		if cfg.RetentionDays <= 0 {
			continue
		}
		result.Configs++

		cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
		jobs, err := c.repo.ListJobs(ctx, types.JobFilter{
			ConfigID:  cfg.ID,
			Status:    types.StatusCompleted,
			EndBefore: &cutoff,
		})
		if err != nil {
			c.logger.WithError(err).WithField(logging.FieldConfigID, cfg.ID).Error("Failed to list expired jobs")
			result.Failed++
			continue
		}

		for j := range jobs {
			job := &jobs[j]
			if job.Status != types.StatusCompleted || job.EndTime == nil || !job.EndTime.Before(cutoff) {
				continue
			}
			if err := c.deleteJob(ctx, job); err != nil {
				c.logger.WithError(err).WithField(logging.FieldJobID, job.ID).Warn("Failed to delete expired backup")
				metrics.RetentionDeletes.WithLabelValues("error").Inc()
				result.Failed++
				continue
			}
			metrics.RetentionDeletes.WithLabelValues("success").Inc()
			result.Deleted++
			result.FreedBytes += job.Size
		}
	}

	if result.Deleted > 0 || result.Failed > 0 {
		c.logger.Infof("Retention sweep removed %d backups (%s), %d failures",
			result.Deleted, humanize.Bytes(uint64(result.FreedBytes)), result.Failed)
	}
	return result, nil
}

// deleteJob removes a job's artifacts before its records so a failed removal is retried on the next sweep
func (c *Cleaner) deleteJob(ctx context.Context, job *types.BackupJob) error {
	if _, err := c.local.Remove(job.Path); err != nil {
		return err
	}

	if key := job.Metadata[types.MetaS3Key]; key != "" {
		bucket := job.Metadata[types.MetaS3Bucket]
		if c.remote == nil {
			c.logger.WithField(logging.FieldJobID, job.ID).Warnf("S3 is disabled, leaving s3://%s/%s in place", bucket, key)
		} else if err := c.remote.Delete(ctx, bucket, key); err != nil {
			return err
		}
	}

	if err := c.repo.DeleteVerificationsForJob(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to delete verifications: %w", err)
	}
	if err := c.repo.DeleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to delete job record: %w", err)
	}
	return nil
}
