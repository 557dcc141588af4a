package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// TenantDataImporter writes an exported tenant document back into the application store
type TenantDataImporter interface {
	Import(ctx context.Context, data *backup.TenantData) (int64, error)
	Close() error
}

// ImporterFactory opens an importer for a connection string
type ImporterFactory func(connectionString string) (TenantDataImporter, error)

// FullRestoreStrategy replays a complete artifact into its target
type FullRestoreStrategy struct {
	fetcher  *Fetcher
	resolver database.Resolver
	importer ImporterFactory
	logger   logrus.FieldLogger
}

// NewFullRestoreStrategy creates the full_restore strategy
func NewFullRestoreStrategy(fetcher *Fetcher, resolver database.Resolver, importer ImporterFactory, logger logrus.FieldLogger) *FullRestoreStrategy {
	return &FullRestoreStrategy{
		fetcher:  fetcher,
		resolver: resolver,
		importer: importer,
		logger:   logging.Component(logger, "recovery-full"),
	}
}

// Type implements Strategy
func (s *FullRestoreStrategy) Type() types.RecoveryType {
	return types.RecoveryTypeFullRestore
}

// Execute implements Strategy
func (s *FullRestoreStrategy) Execute(ctx context.Context, req Request) (*Result, error) {
	path, err := s.fetcher.Fetch(ctx, req.Job, req.Config)
	if err != nil {
		return nil, apperrors.RecoveryExecution("artifact unavailable", err)
	}

	r, err := artifact.Open(path, artifact.OptionsForPath(path, req.Config.EncryptionKey))
	if err != nil {
		return nil, apperrors.RecoveryExecution("failed to open artifact", err)
	}
	defer r.Close()

	var records int64
	switch req.Config.BackupType {
	case types.BackupTypeDatabaseFull:
		records, err = s.restoreDatabase(ctx, req, r)
	case types.BackupTypeFilesystem:
		records, err = s.restoreFiles(req, r)
	case types.BackupTypeApplicationData:
		records, err = s.restoreApplicationData(ctx, req, r)
	default:
		return nil, apperrors.Validation(fmt.Sprintf("cannot restore backups of type %s", req.Config.BackupType), nil)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Records: records}, nil
}

func targetConnection(req Request) string {
	if req.Recovery.TargetLocation != "" {
		return req.Recovery.TargetLocation
	}
	return req.Config.ConnectionString
}

func (s *FullRestoreStrategy) restoreDatabase(ctx context.Context, req Request, r io.Reader) (int64, error) {
	provider, conn, err := s.resolver.Resolve(targetConnection(req))
	if err != nil {
		return 0, apperrors.Validation("invalid restore target", err)
	}

	s.logger.WithField(logging.FieldRecoveryID, req.Recovery.ID).Infof("Restoring into %s", conn.Redacted())

	counter := &statementCounter{}
	if err := provider.Restore(ctx, conn, io.TeeReader(r, counter)); err != nil {
		return 0, apperrors.RecoveryExecution(provider.Name()+" restore failed", err)
	}
	counter.Close()
	return counter.Count(), nil
}

func (s *FullRestoreStrategy) restoreFiles(req Request, r io.Reader) (int64, error) {
	if req.Recovery.TargetLocation == "" {
		return 0, apperrors.Validation("filesystem recovery requires a target directory", nil)
	}
	files, err := artifact.ExtractTar(r, req.Recovery.TargetLocation)
	if err != nil {
		return 0, apperrors.RecoveryExecution("failed to extract archive", err)
	}
	return int64(files), nil
}

func (s *FullRestoreStrategy) restoreApplicationData(ctx context.Context, req Request, r io.Reader) (int64, error) {
	var data backup.TenantData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return 0, apperrors.RecoveryExecution("failed to decode tenant document", err)
	}
	if data.TenantID != req.Recovery.TenantID {
		return 0, apperrors.Validation(fmt.Sprintf("backup belongs to tenant %s, not %s", data.TenantID, req.Recovery.TenantID), nil)
	}

	importer, err := s.importer(targetConnection(req))
	if err != nil {
		return 0, apperrors.RecoveryExecution("failed to open application store", err)
	}
	defer importer.Close()

	n, err := importer.Import(ctx, &data)
	if err != nil {
		return 0, apperrors.RecoveryExecution("failed to import tenant data", err)
	}
	return n, nil
}
