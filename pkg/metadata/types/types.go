// Package types defines the backup orchestration records and the repository contract
package types

import (
	"context"
	"time"
)

// BackupType identifies the execution strategy used for a configuration
type BackupType string

const (
	// BackupTypeDatabaseFull dumps a whole database with an external tool
	BackupTypeDatabaseFull BackupType = "database_full"
	// BackupTypeFilesystem archives a set of directories
	BackupTypeFilesystem BackupType = "filesystem"
	// BackupTypeApplicationData exports a tenant's domain data as a document
	BackupTypeApplicationData BackupType = "application_data"
)

// JobStatus represents the lifecycle state of a backup or recovery job
type JobStatus string

const (
	// StatusPending indicates a job is persisted but not yet started
	StatusPending JobStatus = "pending"
	// StatusRunning indicates an executor owns the job
	StatusRunning JobStatus = "running"
	// StatusCompleted indicates a successful job
	StatusCompleted JobStatus = "completed"
	// StatusFailed indicates a failed job
	StatusFailed JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// VerificationStatus represents the state of a verification pass
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationRunning VerificationStatus = "running"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
)

// Verification types recorded on BackupVerification
const (
	VerificationTypeChecksumIntegrity        = "checksum_integrity"
	VerificationTypeChecksumIntegrityRestore = "checksum_integrity_restore"
)

// RecoveryType identifies the recovery strategy
type RecoveryType string

const (
	RecoveryTypeFullRestore RecoveryType = "full_restore"
	RecoveryTypePointInTime RecoveryType = "point_in_time"
	RecoveryTypeSelective   RecoveryType = "selective"
)

// Keys written to BackupJob.Metadata
const (
	MetaS3Bucket  = "s3_bucket"
	MetaS3Key     = "s3_key"
	MetaRetryable = "retryable"
	MetaEngine    = "engine"
	MetaDatabase  = "database"
	MetaFiles     = "files"
	MetaRecords   = "records"
	MetaSkipped   = "skipped_paths"
)

// ResultRecoveryNotSupported marks a recovery that completed without restoring anything
const ResultRecoveryNotSupported = "RECOVERY_NOT_SUPPORTED"

// BackupConfig describes what to back up for a tenant, when, and how long to keep it
type BackupConfig struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenantId" validate:"required"`
	Name             string     `json:"name"`
	BackupType       BackupType `json:"backupType" validate:"required"`
	Schedule         string     `json:"schedule" validate:"required"`
	RetentionDays    int        `json:"retentionDays" validate:"gte=0"`
	Compression      bool       `json:"compression"`
	Encryption       bool       `json:"encryption"`
	EncryptionKey    string     `json:"-" validate:"required_if=Encryption true"`
	StorageLocation  string     `json:"storageLocation" validate:"required"`
	ConnectionString string     `json:"connectionString,omitempty"`
	SourcePaths      []string   `json:"sourcePaths,omitempty"`
	MaxRetries       int        `json:"maxRetries" validate:"gte=0,lte=10"`
	TimeoutSeconds   int        `json:"timeoutSeconds" validate:"gte=0"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// BackupJob is one execution attempt for a configuration
type BackupJob struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	ConfigID     string            `json:"configId"`
	ParentJobID  string            `json:"parentJobId,omitempty"`
	Status       JobStatus         `json:"status"`
	StartTime    *time.Time        `json:"startTime,omitempty"`
	EndTime      *time.Time        `json:"endTime,omitempty"`
	DurationMs   int64             `json:"durationMs"`
	Size         int64             `json:"size"`
	Path         string            `json:"path,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// BackupVerification records the outcome of a post-backup validation pass
type BackupVerification struct {
	ID                string             `json:"id"`
	JobID             string             `json:"jobId"`
	Status            VerificationStatus `json:"status"`
	VerificationType  string             `json:"verificationType"`
	ChecksumVerified  bool               `json:"checksumVerified"`
	IntegrityVerified bool               `json:"integrityVerified"`
	RestoreTested     bool               `json:"restoreTested"`
	DurationMs        int64              `json:"durationMs"`
	ErrorMessage      string             `json:"errorMessage,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// RecoveryJob restores data from a completed backup job
type RecoveryJob struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenantId" validate:"required"`
	BackupJobID      string       `json:"backupJobId" validate:"required"`
	Status           JobStatus    `json:"status"`
	RecoveryType     RecoveryType `json:"recoveryType" validate:"required"`
	TargetLocation   string       `json:"targetLocation"`
	PointInTime      *time.Time   `json:"pointInTime,omitempty"`
	SelectedItems    []string     `json:"selectedItems,omitempty"`
	RecoveredRecords int64        `json:"recoveredRecords"`
	ResultCode       string       `json:"resultCode,omitempty"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	ErrorCode        string       `json:"errorCode,omitempty"`
	StartTime        *time.Time   `json:"startTime,omitempty"`
	EndTime          *time.Time   `json:"endTime,omitempty"`
	DurationMs       int64        `json:"durationMs"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// ConfigFilter narrows configuration listings
type ConfigFilter struct {
	TenantID   string
	BackupType BackupType
	ActiveOnly bool
	Limit      int
	Offset     int
}

// JobFilter narrows backup job listings. Zero values are ignored.
type JobFilter struct {
	TenantID      string
	ConfigID      string
	BackupType    BackupType
	Status        JobStatus
	EndBefore     *time.Time
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// RecoveryFilter narrows recovery job listings
type RecoveryFilter struct {
	TenantID      string
	BackupJobID   string
	RecoveryType  RecoveryType
	Status        JobStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// JobStats holds repository-side aggregates over a set of jobs
type JobStats struct {
	Total             int64
	Pending           int64
	Running           int64
	Completed         int64
	Failed            int64
	TotalSize         int64
	AverageDurationMs float64
}

// BackupMetrics are derived from backup job and verification aggregates
type BackupMetrics struct {
	Total              int64   `json:"total"`
	Pending            int64   `json:"pending"`
	Running            int64   `json:"running"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	SuccessRate        float64 `json:"successRate"`
	AverageDurationMs  float64 `json:"averageDurationMs"`
	TotalSize          int64   `json:"totalSize"`
	Verified           int64   `json:"verified"`
	VerificationFailed int64   `json:"verificationFailed"`
	Unverified         int64   `json:"unverified"`
}

// RecoveryMetrics are derived from recovery job aggregates
type RecoveryMetrics struct {
	Total             int64   `json:"total"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"successRate"`
	AverageDurationMs float64 `json:"averageDurationMs"`
	RTOCompliance     float64 `json:"rtoCompliance"`
	RPOCompliance     float64 `json:"rpoCompliance"`
}

// Repository is the durable store for configurations and job records
type Repository interface {
	GetActiveConfigs(ctx context.Context) ([]BackupConfig, error)
	CreateConfig(ctx context.Context, cfg *BackupConfig) error
	UpdateConfig(ctx context.Context, cfg *BackupConfig) error
	GetConfig(ctx context.Context, id string) (*BackupConfig, error)
	ListConfigs(ctx context.Context, filter ConfigFilter) ([]BackupConfig, error)

	CreateJob(ctx context.Context, job *BackupJob) error
	UpdateJob(ctx context.Context, job *BackupJob) error
	GetJob(ctx context.Context, id string) (*BackupJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]BackupJob, error)
	DeleteJob(ctx context.Context, id string) error
	BackupJobStats(ctx context.Context, filter JobFilter) (JobStats, error)

	CreateVerification(ctx context.Context, v *BackupVerification) error
	UpdateVerification(ctx context.Context, v *BackupVerification) error
	GetVerification(ctx context.Context, id string) (*BackupVerification, error)
	ListVerifications(ctx context.Context, jobID string) ([]BackupVerification, error)
	ListVerificationsForJobs(ctx context.Context, jobIDs []string) ([]BackupVerification, error)
	DeleteVerificationsForJob(ctx context.Context, jobID string) error

	CreateRecoveryJob(ctx context.Context, job *RecoveryJob) error
	UpdateRecoveryJob(ctx context.Context, job *RecoveryJob) error
	GetRecoveryJob(ctx context.Context, id string) (*RecoveryJob, error)
	ListRecoveryJobs(ctx context.Context, filter RecoveryFilter) ([]RecoveryJob, error)
	RecoveryJobStats(ctx context.Context, filter RecoveryFilter) (JobStats, error)
}
