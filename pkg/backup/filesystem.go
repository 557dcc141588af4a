package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// DefaultSourcePaths are archived when a filesystem config names no paths
var DefaultSourcePaths = []string{"src", "config", "schema"}

// FilesystemStrategy archives a set of directories into a tar file
type FilesystemStrategy struct {
	baseDir string
	logger  logrus.FieldLogger
}

// NewFilesystemStrategy creates a filesystem strategy. Relative source paths
// are resolved against baseDir.
func NewFilesystemStrategy(baseDir string, logger logrus.FieldLogger) *FilesystemStrategy {
	return &FilesystemStrategy{baseDir: baseDir, logger: logging.Component(logger, "backup-filesystem")}
}

// Type implements Strategy
func (s *FilesystemStrategy) Type() types.BackupType {
	return types.BackupTypeFilesystem
}

func (s *FilesystemStrategy) roots(cfg *types.BackupConfig) []string {
	paths := cfg.SourcePaths
	if len(paths) == 0 {
		paths = DefaultSourcePaths
	}
	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.baseDir, p)
		}
		roots = append(roots, p)
	}
	return roots
}

// Execute implements Strategy
func (s *FilesystemStrategy) Execute(ctx context.Context, req Request) (*Artifact, error) {
	roots := s.roots(req.Config)

	path, err := req.Target("fs", ".tar")
	if err != nil {
		return nil, apperrors.BackupExecution("failed to prepare target", err)
	}

	w, err := artifact.Create(path, req.Options())
	if err != nil {
		return nil, apperrors.BackupExecution("failed to create artifact", err)
	}

	var skipped []string
	files, err := artifact.WriteTar(&ctxWriter{ctx: ctx, w: w}, roots, func(root string) {
		s.logger.WithField(logging.FieldJobID, req.Job.ID).Warnf("Source directory %s does not exist, skipping", root)
		skipped = append(skipped, root)
	})
	if err != nil {
		w.Abort()
		return nil, apperrors.BackupExecution("failed to archive source directories", err)
	}
	if len(skipped) == len(roots) {
		w.Abort()
		return nil, apperrors.BackupExecution(fmt.Sprintf("none of the source directories exist: %s", strings.Join(roots, ", ")), nil)
	}

	meta := map[string]string{types.MetaFiles: strconv.Itoa(files)}
	if len(skipped) > 0 {
		meta[types.MetaSkipped] = strings.Join(skipped, ",")
	}
	result, err := finish(w, meta)
	if err != nil {
		return nil, apperrors.BackupExecution("failed to finalize artifact", err)
	}
	return result, nil
}

// ctxWriter stops a long archive run once ctx is done
type ctxWriter struct {
	ctx context.Context
	w   *artifact.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}
