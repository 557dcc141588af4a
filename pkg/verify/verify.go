// Package verify validates completed backup artifacts.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// RestoreDatabasePrefix names throwaway restore-test databases
const RestoreDatabasePrefix = "drguard_verify_"

// teardownTimeout bounds the drop of a restore-test database
const teardownTimeout = 2 * time.Minute

// Verifier checks artifacts of completed backup jobs
type Verifier struct {
	repo      types.Repository
	resolver  database.Resolver
	restore   config.RestoreTestConfig
	publisher events.Publisher
	logger    logrus.FieldLogger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewVerifier creates a verifier. Restore tests run only when restore.Enabled is set.
func NewVerifier(repo types.Repository, resolver database.Resolver, restore config.RestoreTestConfig, publisher events.Publisher, logger logrus.FieldLogger) *Verifier {
	return &Verifier{
		repo:      repo,
		resolver:  resolver,
		restore:   restore,
		publisher: publisher,
		logger:    logging.Component(logger, "verifier"),
		now:       time.Now,
		inFlight:  make(map[string]struct{}),
	}
}

func (v *Verifier) acquire(jobID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, busy := v.inFlight[jobID]; busy {
		return false
	}
	v.inFlight[jobID] = struct{}{}
	return true
}

func (v *Verifier) release(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.inFlight, jobID)
}

// Verify runs a verification pass for a completed job. The returned record is
// "passed" when the procedure ran to the end, whatever the individual check results;
// it is "failed" when the procedure itself could not run.
func (v *Verifier) Verify(ctx context.Context, jobID string) (*types.BackupVerification, error) {
	job, err := v.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusCompleted {
		return nil, apperrors.Conflict(fmt.Sprintf("backup job %s is %s, only completed jobs can be verified", job.ID, job.Status))
	}
	if !v.acquire(job.ID) {
		return nil, apperrors.Conflict(fmt.Sprintf("verification already running for backup job %s", job.ID))
	}
	defer v.release(job.ID)

	start := v.now()
	record := &types.BackupVerification{
		ID:               uuid.NewString(),
		JobID:            job.ID,
		Status:           types.VerificationRunning,
		VerificationType: types.VerificationTypeChecksumIntegrity,
		CreatedAt:        start,
	}
	if err := v.repo.CreateVerification(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create verification record: %w", err)
	}

	log := v.logger.WithFields(logrus.Fields{
		logging.FieldJobID:    job.ID,
		logging.FieldConfigID: job.ConfigID,
	})

	procErr := v.run(ctx, log, job, record)

	record.DurationMs = v.now().Sub(start).Milliseconds()
	topic := events.TopicVerificationCompleted
	if procErr != nil {
		record.Status = types.VerificationFailed
		record.ErrorMessage = procErr.Error()
		topic = events.TopicVerificationFailed
		log.WithError(procErr).Error("Verification procedure failed")
	} else {
		record.Status = types.VerificationPassed
		log.Infof("Verification finished: checksum=%t integrity=%t restore=%t",
			record.ChecksumVerified, record.IntegrityVerified, record.RestoreTested)
	}

	if err := v.repo.UpdateVerification(ctx, record); err != nil {
		return record, fmt.Errorf("failed to update verification record: %w", err)
	}

	metrics.VerificationCount.WithLabelValues(string(record.Status),
		strconv.FormatBool(record.ChecksumVerified),
		strconv.FormatBool(record.IntegrityVerified)).Inc()

	if v.publisher != nil {
		event := events.Event{
			TenantID:       job.TenantID,
			ConfigID:       job.ConfigID,
			JobID:          job.ID,
			VerificationID: record.ID,
			Status:         string(record.Status),
			ErrorMessage:   record.ErrorMessage,
			OccurredAt:     v.now(),
		}
		if procErr != nil {
			event.ErrorCode = apperrors.CodeVerificationFailed
		}
		if err := v.publisher.Publish(topic, event); err != nil {
			log.WithError(err).Warnf("Failed to publish %s", topic)
		}
	}
	return record, nil
}

// run fills in the check results. Failed checks are results, not errors.
func (v *Verifier) run(ctx context.Context, log logrus.FieldLogger, job *types.BackupJob, record *types.BackupVerification) error {
	if job.Path == "" || job.Checksum == "" {
		return apperrors.Verification("backup job has no artifact path or checksum recorded", nil)
	}
	cfg, err := v.repo.GetConfig(ctx, job.ConfigID)
	if err != nil {
		return apperrors.Verification("failed to load backup config", err)
	}

	record.IntegrityVerified = checkIntegrity(job.Path)
	sum, _, err := artifact.Checksum(job.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Failed to hash artifact")
	}
	record.ChecksumVerified = err == nil && sum == job.Checksum
	if !record.IntegrityVerified {
		log.Warnf("Artifact %s is missing or empty", job.Path)
	} else if !record.ChecksumVerified {
		log.Warnf("Artifact %s does not match its recorded checksum", job.Path)
	}

	if cfg.BackupType != types.BackupTypeDatabaseFull || !v.restore.Enabled {
		return nil
	}
	record.VerificationType = types.VerificationTypeChecksumIntegrityRestore
	if !record.ChecksumVerified || !record.IntegrityVerified {
		return nil
	}

	notes, err := v.restoreTest(ctx, log, job, cfg)
	if err != nil {
		log.WithError(err).Warn("Restore test failed")
		notes = append(notes, "restore test failed: "+err.Error())
	} else {
		record.RestoreTested = true
	}
	record.ErrorMessage = strings.Join(notes, "; ")
	return nil
}

// checkIntegrity reports whether path is an existing, regular, non-empty file
func checkIntegrity(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// restoreTest restores the artifact into a throwaway database and drops it again.
// Teardown failures are returned as notes, never as errors.
func (v *Verifier) restoreTest(ctx context.Context, log logrus.FieldLogger, job *types.BackupJob, cfg *types.BackupConfig) (notes []string, err error) {
	provider, conn, err := v.resolver.Resolve(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	admin, err := v.adminConnection(conn)
	if err != nil {
		return nil, err
	}

	name := RestoreDatabasePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := provider.CreateDatabase(ctx, admin, name); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}

	defer func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if dropErr := provider.DropDatabase(dropCtx, admin, name); dropErr != nil {
			metrics.RestoreTestTeardownFailures.Inc()
			log.WithError(dropErr).Errorf("Failed to drop restore-test database %s, manual cleanup required", name)
			notes = append(notes, fmt.Sprintf("restore-test database %s was not dropped: %v", name, dropErr))
		}
	}()

	r, err := artifact.Open(job.Path, artifact.OptionsForPath(job.Path, cfg.EncryptionKey))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return nil, provider.Restore(ctx, admin.WithDatabase(name), r)
}

// adminConnection returns the server connection used to provision throwaway databases
func (v *Verifier) adminConnection(conn common.Connection) (common.Connection, error) {
	var dsn string
	switch conn.Scheme {
	case "mysql":
		dsn = v.restore.MySQLAdminDSN
	case "postgres":
		dsn = v.restore.PostgresAdmin
	}
	if dsn == "" {
		return conn, nil
	}
	admin, err := common.ParseConnectionString(dsn)
	if err != nil {
		return common.Connection{}, fmt.Errorf("invalid restore-test admin connection: %w", err)
	}
	return admin, nil
}
