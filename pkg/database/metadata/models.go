// Package metadata provides the gorm-backed relational store for orchestration records
package metadata

import (
	"time"

	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// BackupConfig is the backup_configs row
type BackupConfig struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	TenantID         string    `gorm:"type:varchar(255);not null;index"`
	Name             string    `gorm:"type:varchar(255)"`
	BackupType       string    `gorm:"type:varchar(50);not null;index"`
	Schedule         string    `gorm:"type:varchar(100);not null"`
	RetentionDays    int       `gorm:"not null;default:0"`
	Compression      bool      `gorm:"not null;default:false"`
	Encryption       bool      `gorm:"not null;default:false"`
	EncryptionKey    string    `gorm:"type:varchar(255)"`
	StorageLocation  string    `gorm:"type:varchar(1024);not null"`
	ConnectionString string    `gorm:"type:text"`
	SourcePaths      []string  `gorm:"type:text;serializer:json"`
	MaxRetries       int       `gorm:"not null;default:0"`
	TimeoutSeconds   int       `gorm:"not null;default:0"`
	Active           bool      `gorm:"not null;default:true;index"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

// TableName specifies the table name for the BackupConfig model
func (BackupConfig) TableName() string {
	return "backup_configs"
}

// BackupJob is the backup_jobs row
type BackupJob struct {
	ID           string            `gorm:"primaryKey;type:varchar(64)"`
	TenantID     string            `gorm:"type:varchar(255);not null;index"`
	ConfigID     string            `gorm:"type:varchar(64);not null;index"`
	ParentJobID  string            `gorm:"type:varchar(64)"`
	Status       string            `gorm:"type:varchar(20);not null;index"`
	StartTime    *time.Time
	EndTime      *time.Time        `gorm:"index"`
	DurationMs   int64             `gorm:"not null;default:0"`
	Size         int64             `gorm:"not null;default:0"`
	Path         string            `gorm:"type:varchar(1024)"`
	Checksum     string            `gorm:"type:varchar(64)"`
	ErrorMessage string            `gorm:"type:text"`
	ErrorCode    string            `gorm:"type:varchar(64)"`
	RetryCount   int               `gorm:"not null;default:0"`
	MaxRetries   int               `gorm:"not null;default:0"`
	Metadata     map[string]string `gorm:"type:text;serializer:json"`
	CreatedAt    time.Time         `gorm:"not null;index"`
}

// TableName specifies the table name for the BackupJob model
func (BackupJob) TableName() string {
	return "backup_jobs"
}

// BackupVerification is the backup_verifications row
type BackupVerification struct {
	ID                string    `gorm:"primaryKey;type:varchar(64)"`
	JobID             string    `gorm:"type:varchar(64);not null;index"`
	Status            string    `gorm:"type:varchar(20);not null"`
	VerificationType  string    `gorm:"type:varchar(64)"`
	ChecksumVerified  bool      `gorm:"not null;default:false"`
	IntegrityVerified bool      `gorm:"not null;default:false"`
	RestoreTested     bool      `gorm:"not null;default:false"`
	DurationMs        int64     `gorm:"not null;default:0"`
	ErrorMessage      string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"not null"`
}

// TableName specifies the table name for the BackupVerification model
func (BackupVerification) TableName() string {
	return "backup_verifications"
}

// RecoveryJob is the recovery_jobs row
type RecoveryJob struct {
	ID               string     `gorm:"primaryKey;type:varchar(64)"`
	TenantID         string     `gorm:"type:varchar(255);not null;index"`
	BackupJobID      string     `gorm:"type:varchar(64);not null;index"`
	Status           string     `gorm:"type:varchar(20);not null;index"`
	RecoveryType     string     `gorm:"type:varchar(50);not null"`
	TargetLocation   string     `gorm:"type:varchar(1024)"`
	PointInTime      *time.Time
	SelectedItems    []string   `gorm:"type:text;serializer:json"`
	RecoveredRecords int64      `gorm:"not null;default:0"`
	ResultCode       string     `gorm:"type:varchar(64)"`
	ErrorMessage     string     `gorm:"type:text"`
	ErrorCode        string     `gorm:"type:varchar(64)"`
	StartTime        *time.Time
	EndTime          *time.Time
	DurationMs       int64      `gorm:"not null;default:0"`
	CreatedAt        time.Time  `gorm:"not null;index"`
}

// TableName specifies the table name for the RecoveryJob model
func (RecoveryJob) TableName() string {
	return "recovery_jobs"
}

func configRow(c *types.BackupConfig) BackupConfig {
	return BackupConfig{
		ID:               c.ID,
		TenantID:         c.TenantID,
		Name:             c.Name,
		BackupType:       string(c.BackupType),
		Schedule:         c.Schedule,
		RetentionDays:    c.RetentionDays,
		Compression:      c.Compression,
		Encryption:       c.Encryption,
		EncryptionKey:    c.EncryptionKey,
		StorageLocation:  c.StorageLocation,
		ConnectionString: c.ConnectionString,
		SourcePaths:      c.SourcePaths,
		MaxRetries:       c.MaxRetries,
		TimeoutSeconds:   c.TimeoutSeconds,
		Active:           c.Active,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (m BackupConfig) record() types.BackupConfig {
	return types.BackupConfig{
		ID:               m.ID,
		TenantID:         m.TenantID,
		Name:             m.Name,
		BackupType:       types.BackupType(m.BackupType),
		Schedule:         m.Schedule,
		RetentionDays:    m.RetentionDays,
		Compression:      m.Compression,
		Encryption:       m.Encryption,
		EncryptionKey:    m.EncryptionKey,
		StorageLocation:  m.StorageLocation,
		ConnectionString: m.ConnectionString,
		SourcePaths:      m.SourcePaths,
		MaxRetries:       m.MaxRetries,
		TimeoutSeconds:   m.TimeoutSeconds,
		Active:           m.Active,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func jobRow(j *types.BackupJob) BackupJob {
	return BackupJob{
		ID:           j.ID,
		TenantID:     j.TenantID,
		ConfigID:     j.ConfigID,
		ParentJobID:  j.ParentJobID,
		Status:       string(j.Status),
		StartTime:    j.StartTime,
		EndTime:      j.EndTime,
		DurationMs:   j.DurationMs,
		Size:         j.Size,
		Path:         j.Path,
		Checksum:     j.Checksum,
		ErrorMessage: j.ErrorMessage,
		ErrorCode:    j.ErrorCode,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		Metadata:     j.Metadata,
		CreatedAt:    j.CreatedAt,
	}
}

func (m BackupJob) record() types.BackupJob {
	return types.BackupJob{
		ID:           m.ID,
		TenantID:     m.TenantID,
		ConfigID:     m.ConfigID,
		ParentJobID:  m.ParentJobID,
		Status:       types.JobStatus(m.Status),
		StartTime:    m.StartTime,
		EndTime:      m.EndTime,
		DurationMs:   m.DurationMs,
		Size:         m.Size,
		Path:         m.Path,
		Checksum:     m.Checksum,
		ErrorMessage: m.ErrorMessage,
		ErrorCode:    m.ErrorCode,
		RetryCount:   m.RetryCount,
		MaxRetries:   m.MaxRetries,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
	}
}

func verificationRow(v *types.BackupVerification) BackupVerification {
	return BackupVerification{
		ID:                v.ID,
		JobID:             v.JobID,
		Status:            string(v.Status),
		VerificationType:  v.VerificationType,
		ChecksumVerified:  v.ChecksumVerified,
		IntegrityVerified: v.IntegrityVerified,
		RestoreTested:     v.RestoreTested,
		DurationMs:        v.DurationMs,
		ErrorMessage:      v.ErrorMessage,
		CreatedAt:         v.CreatedAt,
	}
}

func (m BackupVerification) record() types.BackupVerification {
	return types.BackupVerification{
		ID:                m.ID,
		JobID:             m.JobID,
		Status:            types.VerificationStatus(m.Status),
		VerificationType:  m.VerificationType,
		ChecksumVerified:  m.ChecksumVerified,
		IntegrityVerified: m.IntegrityVerified,
		RestoreTested:     m.RestoreTested,
		DurationMs:        m.DurationMs,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
	}
}

func recoveryRow(r *types.RecoveryJob) RecoveryJob {
	return RecoveryJob{
		ID:               r.ID,
		TenantID:         r.TenantID,
		BackupJobID:      r.BackupJobID,
		Status:           string(r.Status),
		RecoveryType:     string(r.RecoveryType),
		TargetLocation:   r.TargetLocation,
		PointInTime:      r.PointInTime,
		SelectedItems:    r.SelectedItems,
		RecoveredRecords: r.RecoveredRecords,
		ResultCode:       r.ResultCode,
		ErrorMessage:     r.ErrorMessage,
		ErrorCode:        r.ErrorCode,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		DurationMs:       r.DurationMs,
		CreatedAt:        r.CreatedAt,
	}
}

func (m RecoveryJob) record() types.RecoveryJob {
	return types.RecoveryJob{
		ID:               m.ID,
		TenantID:         m.TenantID,
		BackupJobID:      m.BackupJobID,
		Status:           types.JobStatus(m.Status),
		RecoveryType:     types.RecoveryType(m.RecoveryType),
		TargetLocation:   m.TargetLocation,
		PointInTime:      m.PointInTime,
		SelectedItems:    m.SelectedItems,
		RecoveredRecords: m.RecoveredRecords,
		ResultCode:       m.ResultCode,
		ErrorMessage:     m.ErrorMessage,
		ErrorCode:        m.ErrorCode,
		StartTime:        m.StartTime,
		EndTime:          m.EndTime,
		DurationMs:       m.DurationMs,
		CreatedAt:        m.CreatedAt,
	}
}
