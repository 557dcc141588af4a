package metadata

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// Repository handles database operations for orchestration records
type Repository struct {
	db *gorm.DB
}

var _ types.Repository = (*Repository)(nil)

// NewRepository creates a new metadata repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// notFound maps gorm's missing-row error onto the shared not-found kind
func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(entity, id)
	}
	return err
}

// GetActiveConfigs returns all configurations with the active flag set
func (r *Repository) GetActiveConfigs(ctx context.Context) ([]types.BackupConfig, error) {
	return r.ListConfigs(ctx, types.ConfigFilter{ActiveOnly: true})
}

// CreateConfig inserts a configuration
func (r *Repository) CreateConfig(ctx context.Context, cfg *types.BackupConfig) error {
	row := configRow(cfg)
	return r.db.WithContext(ctx).Create(&row).Error
}

// UpdateConfig replaces every column of an existing configuration
func (r *Repository) UpdateConfig(ctx context.Context, cfg *types.BackupConfig) error {
	row := configRow(cfg)
	return r.replace(ctx, &BackupConfig{}, "backup config", cfg.ID, &row)
}

// GetConfig retrieves a configuration by ID
func (r *Repository) GetConfig(ctx context.Context, id string) (*types.BackupConfig, error) {
	var row BackupConfig
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "backup config", id)
	}
	cfg := row.record()
	return &cfg, nil
}

// ListConfigs returns configurations matching the filter, oldest first
func (r *Repository) ListConfigs(ctx context.Context, filter types.ConfigFilter) ([]types.BackupConfig, error) {
	query := r.db.WithContext(ctx).Model(&BackupConfig{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.BackupType != "" {
		query = query.Where("backup_type = ?", string(filter.BackupType))
	}
	if filter.ActiveOnly {
		query = query.Where("active = ?", true)
	}

	var rows []BackupConfig
	if err := page(query.Order("created_at ASC"), filter.Offset, filter.Limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	configs := make([]types.BackupConfig, 0, len(rows))
	for _, row := range rows {
		configs = append(configs, row.record())
	}
	return configs, nil
}

// CreateJob inserts a backup job
func (r *Repository) CreateJob(ctx context.Context, job *types.BackupJob) error {
	row := jobRow(job)
	return r.db.WithContext(ctx).Create(&row).Error
}

// UpdateJob replaces every column of an existing backup job
func (r *Repository) UpdateJob(ctx context.Context, job *types.BackupJob) error {
	row := jobRow(job)
	return r.replace(ctx, &BackupJob{}, "backup job", job.ID, &row)
}

// GetJob retrieves a backup job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*types.BackupJob, error) {
	var row BackupJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "backup job", id)
	}
	job := row.record()
	return &job, nil
}

// ListJobs returns backup jobs matching the filter, newest first
func (r *Repository) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.BackupJob, error) {
	var rows []BackupJob
	query := r.jobQuery(ctx, filter).Order("created_at DESC").Order("id DESC")
	if err := page(query, filter.Offset, filter.Limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]types.BackupJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.record())
	}
	return jobs, nil
}

// DeleteJob removes a backup job record
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&BackupJob{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound("backup job", id)
	}
	return nil
}

// statusAggregate is one GROUP BY status row
type statusAggregate struct {
	Status   string
	Count    int64
	Size     int64
	Duration int64
}

// BackupJobStats aggregates backup jobs matching the filter. Limit and offset are ignored.
func (r *Repository) BackupJobStats(ctx context.Context, filter types.JobFilter) (types.JobStats, error) {
	var rows []statusAggregate
	err := r.jobQuery(ctx, filter).
		Select("status, COUNT(*) AS count, COALESCE(SUM(size), 0) AS size, COALESCE(SUM(duration_ms), 0) AS duration").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return types.JobStats{}, fmt.Errorf("failed to aggregate backup jobs: %w", err)
	}
	stats := fold(rows)
	for _, row := range rows {
		if types.JobStatus(row.Status) == types.StatusCompleted {
			stats.TotalSize = row.Size
		}
	}
	return stats, nil
}

func (r *Repository) jobQuery(ctx context.Context, filter types.JobFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&BackupJob{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.ConfigID != "" {
		query = query.Where("config_id = ?", filter.ConfigID)
	}
	if filter.BackupType != "" {
		configs := r.db.WithContext(ctx).Model(&BackupConfig{}).Select("id").Where("backup_type = ?", string(filter.BackupType))
		query = query.Where("config_id IN (?)", configs)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.EndBefore != nil {
		query = query.Where("end_time IS NOT NULL AND end_time < ?", *filter.EndBefore)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// CreateVerification inserts a verification record
func (r *Repository) CreateVerification(ctx context.Context, v *types.BackupVerification) error {
	row := verificationRow(v)
	return r.db.WithContext(ctx).Create(&row).Error
}

// UpdateVerification replaces every column of an existing verification record
func (r *Repository) UpdateVerification(ctx context.Context, v *types.BackupVerification) error {
	row := verificationRow(v)
	return r.replace(ctx, &BackupVerification{}, "backup verification", v.ID, &row)
}

// GetVerification retrieves a verification record by ID
func (r *Repository) GetVerification(ctx context.Context, id string) (*types.BackupVerification, error) {
	var row BackupVerification
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "backup verification", id)
	}
	v := row.record()
	return &v, nil
}

// ListVerifications returns the verifications of a job, or all when jobID is empty
func (r *Repository) ListVerifications(ctx context.Context, jobID string) ([]types.BackupVerification, error) {
	query := r.db.WithContext(ctx).Model(&BackupVerification{})
	if jobID != "" {
		query = query.Where("job_id = ?", jobID)
	}
	var rows []BackupVerification
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.BackupVerification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// verificationBatch bounds the IN list of a single verification query
const verificationBatch = 500

// ListVerificationsForJobs returns the verifications of the given jobs
func (r *Repository) ListVerificationsForJobs(ctx context.Context, jobIDs []string) ([]types.BackupVerification, error) {
	out := make([]types.BackupVerification, 0, len(jobIDs))
	for start := 0; start < len(jobIDs); start += verificationBatch {
		end := start + verificationBatch
		if end > len(jobIDs) {
			end = len(jobIDs)
		}
		var rows []BackupVerification
		if err := r.db.WithContext(ctx).Where("job_id IN ?", jobIDs[start:end]).Order("created_at ASC").Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, row.record())
		}
	}
	return out, nil
}

// DeleteVerificationsForJob removes every verification of a job
func (r *Repository) DeleteVerificationsForJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&BackupVerification{}).Error
}

// CreateRecoveryJob inserts a recovery job
func (r *Repository) CreateRecoveryJob(ctx context.Context, job *types.RecoveryJob) error {
	row := recoveryRow(job)
	return r.db.WithContext(ctx).Create(&row).Error
}

// UpdateRecoveryJob replaces every column of an existing recovery job
func (r *Repository) UpdateRecoveryJob(ctx context.Context, job *types.RecoveryJob) error {
	row := recoveryRow(job)
	return r.replace(ctx, &RecoveryJob{}, "recovery job", job.ID, &row)
}

// GetRecoveryJob retrieves a recovery job by ID
func (r *Repository) GetRecoveryJob(ctx context.Context, id string) (*types.RecoveryJob, error) {
	var row RecoveryJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "recovery job", id)
	}
	job := row.record()
	return &job, nil
}

// ListRecoveryJobs returns recovery jobs matching the filter, newest first
func (r *Repository) ListRecoveryJobs(ctx context.Context, filter types.RecoveryFilter) ([]types.RecoveryJob, error) {
	var rows []RecoveryJob
	query := r.recoveryQuery(ctx, filter).Order("created_at DESC")
	if err := page(query, filter.Offset, filter.Limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.RecoveryJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// RecoveryJobStats aggregates recovery jobs matching the filter
func (r *Repository) RecoveryJobStats(ctx context.Context, filter types.RecoveryFilter) (types.JobStats, error) {
	var rows []statusAggregate
	err := r.recoveryQuery(ctx, filter).
		Select("status, COUNT(*) AS count, 0 AS size, COALESCE(SUM(duration_ms), 0) AS duration").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return types.JobStats{}, fmt.Errorf("failed to aggregate recovery jobs: %w", err)
	}
	return fold(rows), nil
}

func (r *Repository) recoveryQuery(ctx context.Context, filter types.RecoveryFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&RecoveryJob{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.BackupJobID != "" {
		query = query.Where("backup_job_id = ?", filter.BackupJobID)
	}
	if filter.RecoveryType != "" {
		query = query.Where("recovery_type = ?", string(filter.RecoveryType))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// replace overwrites all columns of the row with primary key id. MySQL reports zero
// affected rows for an unchanged update, so existence is checked first.
func (r *Repository) replace(ctx context.Context, model interface{}, entity, id string, row interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return apperrors.NotFound(entity, id)
		}
		return tx.Model(model).Where("id = ?", id).Select("*").Updates(row).Error
	})
}

// fold turns per-status aggregates into JobStats. Average duration covers completed jobs only.
func fold(rows []statusAggregate) types.JobStats {
	var stats types.JobStats
	for _, row := range rows {
		stats.Total += row.Count
		switch types.JobStatus(row.Status) {
		case types.StatusPending:
			stats.Pending = row.Count
		case types.StatusRunning:
			stats.Running = row.Count
		case types.StatusCompleted:
			stats.Completed = row.Count
			if row.Count > 0 {
				stats.AverageDurationMs = float64(row.Duration) / float64(row.Count)
			}
		case types.StatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats
}

func page(query *gorm.DB, offset, limit int) *gorm.DB {
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	return query
}
