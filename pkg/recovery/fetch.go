package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

// Downloader fetches an offsite artifact copy
type Downloader interface {
	Download(ctx context.Context, bucket, key, dest string) error
}

// Fetcher makes a backup job's artifact available on local disk
type Fetcher struct {
	local      *local.Client
	downloader Downloader
	logger     logrus.FieldLogger
}

// NewFetcher creates a fetcher. Downloader may be nil when S3 is disabled.
func NewFetcher(localClient *local.Client, downloader Downloader, logger logrus.FieldLogger) *Fetcher {
	return &Fetcher{local: localClient, downloader: downloader, logger: logging.Component(logger, "recovery-fetch")}
}

// Fetch returns the local artifact path, downloading the offsite copy when the
// local file is gone, and checks it against the recorded checksum.
func (f *Fetcher) Fetch(ctx context.Context, job *types.BackupJob, cfg *types.BackupConfig) (string, error) {
	if job.Path == "" {
		return "", fmt.Errorf("backup job %s has no artifact", job.ID)
	}

	path := job.Path
	_, err := os.Stat(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		path, err = f.download(ctx, job, cfg)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	if job.Checksum != "" {
		sum, _, err := artifact.Checksum(path)
		if err != nil {
			return "", err
		}
		if sum != job.Checksum {
			return "", fmt.Errorf("artifact %s does not match its recorded checksum", filepath.Base(path))
		}
	}
	return path, nil
}

func (f *Fetcher) download(ctx context.Context, job *types.BackupJob, cfg *types.BackupConfig) (string, error) {
	bucket, key := job.Metadata[types.MetaS3Bucket], job.Metadata[types.MetaS3Key]
	if key == "" || bucket == "" {
		return "", fmt.Errorf("artifact %s is missing and has no offsite copy", job.Path)
	}
	if f.downloader == nil {
		return "", fmt.Errorf("artifact %s is only available in S3, which is not enabled", job.Path)
	}

	loc, err := f.local.Resolve(cfg.StorageLocation)
	if err != nil {
		return "", err
	}
	dir, err := f.local.EnsureBackupPath(loc, job.TenantID, job.ConfigID)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(job.Path))

	f.logger.WithField(logging.FieldJobID, job.ID).Infof("Local artifact missing, downloading s3://%s/%s", bucket, key)
	if err := f.downloader.Download(ctx, bucket, key, dest); err != nil {
		return "", err
	}
	return dest, nil
}
