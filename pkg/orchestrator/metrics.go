package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// BackupMetrics aggregates job outcomes and verification coverage, optionally for one tenant
func (s *Service) BackupMetrics(ctx context.Context, tenantID string) (*types.BackupMetrics, error) {
	stats, err := s.repo.BackupJobStats(ctx, types.JobFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate backup jobs: %w", err)
	}

	m := &types.BackupMetrics{
		Total:             stats.Total,
		Pending:           stats.Pending,
		Running:           stats.Running,
		Completed:         stats.Completed,
		Failed:            stats.Failed,
		SuccessRate:       rate(stats.Completed, stats.Completed+stats.Failed),
		AverageDurationMs: stats.AverageDurationMs,
		TotalSize:         stats.TotalSize,
	}

	completed, err := s.repo.ListJobs(ctx, types.JobFilter{TenantID: tenantID, Status: types.StatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to list completed jobs: %w", err)
	}
	ids := make([]string, 0, len(completed))
	for _, job := range completed {
		ids = append(ids, job.ID)
	}
	verifications, err := s.repo.ListVerificationsForJobs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}

	latest := make(map[string]types.BackupVerification)
	for _, v := range verifications {
		if cur, ok := latest[v.JobID]; !ok || v.CreatedAt.After(cur.CreatedAt) {
			latest[v.JobID] = v
		}
	}
	for _, job := range completed {
		v, ok := latest[job.ID]
		switch {
		case !ok || v.Status == types.VerificationPending || v.Status == types.VerificationRunning:
			m.Unverified++
		case v.Status == types.VerificationPassed && v.ChecksumVerified && v.IntegrityVerified:
			m.Verified++
		default:
			m.VerificationFailed++
		}
	}
	return m, nil
}

// RecoveryMetrics aggregates recovery outcomes with RTO and RPO compliance, optionally for one tenant
func (s *Service) RecoveryMetrics(ctx context.Context, tenantID string) (*types.RecoveryMetrics, error) {
	stats, err := s.repo.RecoveryJobStats(ctx, types.RecoveryFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate recovery jobs: %w", err)
	}
	m := &types.RecoveryMetrics{
		Total:             stats.Total,
		Completed:         stats.Completed,
		Failed:            stats.Failed,
		SuccessRate:       rate(stats.Completed, stats.Completed+stats.Failed),
		AverageDurationMs: stats.AverageDurationMs,
	}

	recoveries, err := s.repo.ListRecoveryJobs(ctx, types.RecoveryFilter{TenantID: tenantID, Status: types.StatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to list completed recoveries: %w", err)
	}
	var withinRTO int64
	for _, r := range recoveries {
		if time.Duration(r.DurationMs)*time.Millisecond <= s.rto {
			withinRTO++
		}
	}
	m.RTOCompliance = rate(withinRTO, int64(len(recoveries)))

	configs, err := s.repo.ListConfigs(ctx, types.ConfigFilter{TenantID: tenantID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	cutoff := s.now().Add(-s.rpo)
	var withinRPO int64
	for _, cfg := range configs {
		jobs, err := s.repo.ListJobs(ctx, types.JobFilter{ConfigID: cfg.ID, Status: types.StatusCompleted})
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs for config %s: %w", cfg.ID, err)
		}
		for _, job := range jobs {
			if job.EndTime != nil && job.EndTime.After(cutoff) {
				withinRPO++
				break
			}
		}
	}
	m.RPOCompliance = rate(withinRPO, int64(len(configs)))
	return m, nil
}

// rate returns part/whole, or 0 when whole is 0
func rate(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
