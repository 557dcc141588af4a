// Package metadata provides the file-backed implementation of the orchestration repository.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// MetadataStore is the persisted snapshot of all records
type MetadataStore struct {
	Configs       []types.BackupConfig       `json:"configs"`
	Jobs          []types.BackupJob          `json:"jobs"`
	Verifications []types.BackupVerification `json:"verifications"`
	Recoveries    []types.RecoveryJob        `json:"recoveries"`
	LastUpdated   time.Time                  `json:"lastUpdated"`
	Version       string                     `json:"version"`
}

// Store keeps records in memory and optionally mirrors them to a JSON file
type Store struct {
	mutex    sync.RWMutex
	filepath string

	configs       map[string]types.BackupConfig
	jobs          map[string]types.BackupJob
	verifications map[string]types.BackupVerification
	recoveries    map[string]types.RecoveryJob
}

var _ types.Repository = (*Store)(nil)

// NewStore creates a store. An empty path keeps records in memory only.
func NewStore(path string) *Store {
	return &Store{
		filepath:      path,
		configs:       make(map[string]types.BackupConfig),
		jobs:          make(map[string]types.BackupJob),
		verifications: make(map[string]types.BackupVerification),
		recoveries:    make(map[string]types.RecoveryJob),
	}
}

// Load reads the metadata file, creating it when absent
func (s *Store) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.filepath == "" {
		return nil
	}

	if _, err := os.Stat(s.filepath); os.IsNotExist(err) {
		log.Printf("Metadata file does not exist at %s, will create new", s.filepath)
		return s.save()
	}

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}

	var snapshot MetadataStore
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	for _, c := range snapshot.Configs {
		s.configs[c.ID] = c
	}
	for _, j := range snapshot.Jobs {
		s.jobs[j.ID] = j
	}
	for _, v := range snapshot.Verifications {
		s.verifications[v.ID] = v
	}
	for _, r := range snapshot.Recoveries {
		s.recoveries[r.ID] = r
	}

	log.Printf("Loaded metadata with %d configs and %d backup jobs", len(s.configs), len(s.jobs))
	return nil
}

// Save persists the metadata to file
func (s *Store) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.save()
}

// save writes the snapshot; callers hold the write lock
func (s *Store) save() error {
	if s.filepath == "" {
		return nil
	}

	snapshot := MetadataStore{
		LastUpdated: time.Now(),
		Version:     "1.0",
	}
	for _, c := range s.configs {
		snapshot.Configs = append(snapshot.Configs, c)
	}
	for _, j := range s.jobs {
		snapshot.Jobs = append(snapshot.Jobs, j)
	}
	for _, v := range s.verifications {
		snapshot.Verifications = append(snapshot.Verifications, v)
	}
	for _, r := range s.recoveries {
		snapshot.Recoveries = append(snapshot.Recoveries, r)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filepath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for metadata: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves a truncated file
	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}
	return nil
}

// GetActiveConfigs returns all configurations with the active flag set
func (s *Store) GetActiveConfigs(ctx context.Context) ([]types.BackupConfig, error) {
	return s.ListConfigs(ctx, types.ConfigFilter{ActiveOnly: true})
}

// CreateConfig stores a new configuration
func (s *Store) CreateConfig(_ context.Context, cfg *types.BackupConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.configs[cfg.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("config already exists: %s", cfg.ID))
	}
	s.configs[cfg.ID] = copyConfig(*cfg)
	return s.save()
}

// UpdateConfig replaces an existing configuration
func (s *Store) UpdateConfig(_ context.Context, cfg *types.BackupConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.configs[cfg.ID]; !exists {
		return apperrors.NotFound("config", cfg.ID)
	}
	s.configs[cfg.ID] = copyConfig(*cfg)
	return s.save()
}

// GetConfig returns a configuration by ID
func (s *Store) GetConfig(_ context.Context, id string) (*types.BackupConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cfg, exists := s.configs[id]
	if !exists {
		return nil, apperrors.NotFound("config", id)
	}
	c := copyConfig(cfg)
	return &c, nil
}

// ListConfigs returns configurations ordered by creation time
func (s *Store) ListConfigs(_ context.Context, filter types.ConfigFilter) ([]types.BackupConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []types.BackupConfig
	for _, c := range s.configs {
		if filter.TenantID != "" && c.TenantID != filter.TenantID {
			continue
		}
		if filter.BackupType != "" && c.BackupType != filter.BackupType {
			continue
		}
		if filter.ActiveOnly && !c.Active {
			continue
		}
		result = append(result, copyConfig(c))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

// CreateJob stores a new backup job
func (s *Store) CreateJob(_ context.Context, job *types.BackupJob) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("job already exists: %s", job.ID))
	}
	s.jobs[job.ID] = copyJob(*job)
	return s.save()
}

// UpdateJob replaces an existing backup job
func (s *Store) UpdateJob(_ context.Context, job *types.BackupJob) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return apperrors.NotFound("backup job", job.ID)
	}
	s.jobs[job.ID] = copyJob(*job)
	return s.save()
}

// GetJob returns a backup job by ID
func (s *Store) GetJob(_ context.Context, id string) (*types.BackupJob, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("backup job", id)
	}
	j := copyJob(job)
	return &j, nil
}

// ListJobs returns backup jobs matching the filter, newest first
func (s *Store) ListJobs(_ context.Context, filter types.JobFilter) ([]types.BackupJob, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := s.matchJobs(filter)
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

// DeleteJob removes a backup job record
func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return apperrors.NotFound("backup job", id)
	}
	delete(s.jobs, id)
	return s.save()
}

// BackupJobStats aggregates backup jobs matching the filter
func (s *Store) BackupJobStats(_ context.Context, filter types.JobFilter) (types.JobStats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	filter.Limit, filter.Offset = 0, 0
	var stats types.JobStats
	var durationSum int64
	for _, j := range s.matchJobs(filter) {
		stats.Total++
		switch j.Status {
		case types.StatusPending:
			stats.Pending++
		case types.StatusRunning:
			stats.Running++
		case types.StatusCompleted:
			stats.Completed++
			stats.TotalSize += j.Size
			durationSum += j.DurationMs
		case types.StatusFailed:
			stats.Failed++
		}
	}
	if stats.Completed > 0 {
		stats.AverageDurationMs = float64(durationSum) / float64(stats.Completed)
	}
	return stats, nil
}

// matchJobs applies a job filter; callers hold the read lock
func (s *Store) matchJobs(filter types.JobFilter) []types.BackupJob {
	var result []types.BackupJob
	for _, j := range s.jobs {
		if filter.TenantID != "" && j.TenantID != filter.TenantID {
			continue
		}
		if filter.ConfigID != "" && j.ConfigID != filter.ConfigID {
			continue
		}
		if filter.BackupType != "" {
			cfg, ok := s.configs[j.ConfigID]
			if !ok || cfg.BackupType != filter.BackupType {
				continue
			}
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.EndBefore != nil && (j.EndTime == nil || !j.EndTime.Before(*filter.EndBefore)) {
			continue
		}
		if filter.CreatedAfter != nil && j.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !j.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		result = append(result, copyJob(j))
	}
	return result
}

// CreateVerification stores a new verification record
func (s *Store) CreateVerification(_ context.Context, v *types.BackupVerification) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.verifications[v.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("verification already exists: %s", v.ID))
	}
	s.verifications[v.ID] = *v
	return s.save()
}

// UpdateVerification replaces an existing verification record
func (s *Store) UpdateVerification(_ context.Context, v *types.BackupVerification) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.verifications[v.ID]; !exists {
		return apperrors.NotFound("verification", v.ID)
	}
	s.verifications[v.ID] = *v
	return s.save()
}

// GetVerification returns a verification record by ID
func (s *Store) GetVerification(_ context.Context, id string) (*types.BackupVerification, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	v, exists := s.verifications[id]
	if !exists {
		return nil, apperrors.NotFound("verification", id)
	}
	return &v, nil
}

// ListVerifications returns the verification records of a job, newest first
func (s *Store) ListVerifications(_ context.Context, jobID string) ([]types.BackupVerification, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []types.BackupVerification
	for _, v := range s.verifications {
		if jobID == "" || v.JobID == jobID {
			result = append(result, v)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListVerificationsForJobs returns the verification records of the given jobs, newest first
func (s *Store) ListVerificationsForJobs(_ context.Context, jobIDs []string) ([]types.BackupVerification, error) {
	wanted := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = true
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []types.BackupVerification
	for _, v := range s.verifications {
		if wanted[v.JobID] {
			result = append(result, v)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteVerificationsForJob removes every verification record of a job
func (s *Store) DeleteVerificationsForJob(_ context.Context, jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, v := range s.verifications {
		if v.JobID == jobID {
			delete(s.verifications, id)
		}
	}
	return s.save()
}

// CreateRecoveryJob stores a new recovery job
func (s *Store) CreateRecoveryJob(_ context.Context, job *types.RecoveryJob) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.recoveries[job.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("recovery job already exists: %s", job.ID))
	}
	s.recoveries[job.ID] = copyRecovery(*job)
	return s.save()
}

// UpdateRecoveryJob replaces an existing recovery job
func (s *Store) UpdateRecoveryJob(_ context.Context, job *types.RecoveryJob) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.recoveries[job.ID]; !exists {
		return apperrors.NotFound("recovery job", job.ID)
	}
	s.recoveries[job.ID] = copyRecovery(*job)
	return s.save()
}

// GetRecoveryJob returns a recovery job by ID
func (s *Store) GetRecoveryJob(_ context.Context, id string) (*types.RecoveryJob, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	job, exists := s.recoveries[id]
	if !exists {
		return nil, apperrors.NotFound("recovery job", id)
	}
	r := copyRecovery(job)
	return &r, nil
}

// ListRecoveryJobs returns recovery jobs matching the filter, newest first
func (s *Store) ListRecoveryJobs(_ context.Context, filter types.RecoveryFilter) ([]types.RecoveryJob, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := s.matchRecoveries(filter)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

// RecoveryJobStats aggregates recovery jobs matching the filter
func (s *Store) RecoveryJobStats(_ context.Context, filter types.RecoveryFilter) (types.JobStats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var stats types.JobStats
	var durationSum int64
	for _, r := range s.matchRecoveries(filter) {
		stats.Total++
		switch r.Status {
		case types.StatusPending:
			stats.Pending++
		case types.StatusRunning:
			stats.Running++
		case types.StatusCompleted:
			stats.Completed++
			durationSum += r.DurationMs
		case types.StatusFailed:
			stats.Failed++
		}
	}
	if stats.Completed > 0 {
		stats.AverageDurationMs = float64(durationSum) / float64(stats.Completed)
	}
	return stats, nil
}

func (s *Store) matchRecoveries(filter types.RecoveryFilter) []types.RecoveryJob {
	var result []types.RecoveryJob
	for _, r := range s.recoveries {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.BackupJobID != "" && r.BackupJobID != filter.BackupJobID {
			continue
		}
		if filter.RecoveryType != "" && r.RecoveryType != filter.RecoveryType {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.CreatedAfter != nil && r.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !r.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		result = append(result, copyRecovery(r))
	}
	return result
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyConfig(c types.BackupConfig) types.BackupConfig {
	if c.SourcePaths != nil {
		c.SourcePaths = append([]string(nil), c.SourcePaths...)
	}
	return c
}

func copyJob(j types.BackupJob) types.BackupJob {
	if j.Metadata != nil {
		m := make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			m[k] = v
		}
		j.Metadata = m
	}
	return j
}

func copyRecovery(r types.RecoveryJob) types.RecoveryJob {
	if r.SelectedItems != nil {
		r.SelectedItems = append([]string(nil), r.SelectedItems...)
	}
	return r
}
