package backup

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// DatabaseStrategy dumps a whole database with the engine's dump tool
type DatabaseStrategy struct {
	resolver database.Resolver
	logger   logrus.FieldLogger
}

// NewDatabaseStrategy creates a database_full strategy
func NewDatabaseStrategy(resolver database.Resolver, logger logrus.FieldLogger) *DatabaseStrategy {
	return &DatabaseStrategy{resolver: resolver, logger: logging.Component(logger, "backup-database")}
}

// Type implements Strategy
func (s *DatabaseStrategy) Type() types.BackupType {
	return types.BackupTypeDatabaseFull
}

// Execute implements Strategy
func (s *DatabaseStrategy) Execute(ctx context.Context, req Request) (*Artifact, error) {
	if req.Config.ConnectionString == "" {
		return nil, apperrors.Validation("database backup requires a connection string", nil)
	}

	provider, conn, err := s.resolver.Resolve(req.Config.ConnectionString)
	if err != nil {
		return nil, apperrors.Validation("invalid connection string", err)
	}

	path, err := req.Target("db", ".sql")
	if err != nil {
		return nil, apperrors.BackupExecution("failed to prepare target", err)
	}

	s.logger.WithField(logging.FieldJobID, req.Job.ID).Infof("Running %s", provider.DumpCommand(conn))

	w, err := artifact.Create(path, req.Options())
	if err != nil {
		return nil, apperrors.BackupExecution("failed to create artifact", err)
	}
	if err := provider.Dump(ctx, conn, w); err != nil {
		w.Abort()
		return nil, apperrors.BackupExecution(provider.Name()+" dump failed", err)
	}

	result, err := finish(w, map[string]string{
		types.MetaEngine:   provider.Name(),
		types.MetaDatabase: conn.Database,
	})
	if err != nil {
		return nil, apperrors.BackupExecution("failed to finalize artifact", err)
	}
	return result, nil
}
