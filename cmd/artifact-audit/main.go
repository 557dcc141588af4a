// artifact-audit compares backup artifacts on disk and in S3 against the job records that reference them
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/config"
	dbmeta "github.com/supporttools/GoDRGuard/pkg/database/metadata"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/storage"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

var (
	dryRun        = flag.Bool("dry-run", true, "Report only; never delete anything")
	deleteOrphans = flag.Bool("delete-orphans", false, "Delete artifacts that no job record references")
	verbose       = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal     = flag.Bool("local", true, "Scan local artifact directories")
	scanS3        = flag.Bool("s3", true, "Scan S3 prefixes of s3:// storage locations")
)

// RemoteObject is one object found under an S3 storage location
type RemoteObject struct {
	Bucket string
	Key    string
	Size   int64
}

// Report is the outcome of one audit
type Report struct {
	LocalFiles    int
	RemoteObjects int
	OrphanLocal   []local.FileInfo
	OrphanRemote  []RemoteObject
	Missing       []types.BackupJob
	Deleted       int
	FreedBytes    int64
}

type auditor struct {
	repo   types.Repository
	local  *local.Client
	s3     s3iface.S3API
	logger logrus.FieldLogger
}

func main() {
	flag.Parse()

	if err := config.LoadConfiguration(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	level := config.CFG.Logging.Level
	if *verbose {
		level = "debug"
	}
	logger := logging.New(level, config.CFG.Logging.Format, os.Stderr)

	ctx := context.Background()
	repo, closeRepo, err := openRepository(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open metadata store")
	}
	defer closeRepo()

	a := &auditor{
		repo:   repo,
		local:  local.NewClient(config.CFG.Local.BackupDirectory),
		logger: logger,
	}
	if *scanS3 && config.CFG.S3.Enabled {
		svc, err := newS3Service(config.CFG.S3)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create S3 session")
		}
		a.s3 = svc
	}

	report, err := a.run(ctx, *scanLocal, *deleteOrphans && !*dryRun)
	if err != nil {
		logger.WithError(err).Fatal("Audit failed")
	}
	printReport(os.Stdout, report, *dryRun)
}

func openRepository(logger logrus.FieldLogger) (types.Repository, func(), error) {
	if config.CFG.MetadataDB.Enabled {
		db, err := dbmeta.Open(config.CFG.MetadataDB, config.CFG.Debug, logger)
		if err != nil {
			return nil, nil, err
		}
		return dbmeta.NewRepository(db), func() { _ = dbmeta.Close(db) }, nil
	}
	store := metadata.NewStore(config.CFG.Local.MetadataFile)
	if err := store.Load(); err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func newS3Service(cfg config.S3Config) (*s3.S3, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// run scans every storage location referenced by a config and cross-checks the job records
func (a *auditor) run(ctx context.Context, scanLocal, remove bool) (*Report, error) {
	configs, err := a.repo.ListConfigs(ctx, types.ConfigFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	jobs, err := a.repo.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list backup jobs: %w", err)
	}

	paths := make(map[string]bool)
	keys := make(map[string]bool)
	for _, job := range jobs {
		if job.Path != "" {
			paths[filepath.Clean(job.Path)] = true
		}
		if key := job.Metadata[types.MetaS3Key]; key != "" {
			keys[job.Metadata[types.MetaS3Bucket]+"/"+key] = true
		}
	}

	report := &Report{}
	if scanLocal {
		if err := a.auditLocal(configs, paths, report); err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if job.Status != types.StatusCompleted || job.Path == "" {
				continue
			}
			if _, err := os.Stat(job.Path); os.IsNotExist(err) && job.Metadata[types.MetaS3Key] == "" {
				report.Missing = append(report.Missing, job)
			}
		}
	}
	if a.s3 != nil {
		if err := a.auditRemote(ctx, configs, keys, report); err != nil {
			return nil, err
		}
	}

	if remove {
		a.removeOrphans(ctx, report)
	}
	return report, nil
}

func (a *auditor) auditLocal(configs []types.BackupConfig, referenced map[string]bool, report *Report) error {
	seen := make(map[string]bool)
	for _, cfg := range configs {
		loc, err := a.local.Resolve(cfg.StorageLocation)
		if err != nil {
			a.logger.WithError(err).WithField(logging.FieldConfigID, cfg.ID).Warn("Skipping unparseable storage location")
			continue
		}
		dir := loc.ArtifactDir(cfg.TenantID, cfg.ID)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		files, err := a.local.ListArtifacts(dir)
		if err != nil {
			return err
		}
		a.logger.Debugf("Found %d artifacts in %s", len(files), dir)
		for _, f := range files {
			report.LocalFiles++
			if !referenced[filepath.Clean(f.Path)] {
				report.OrphanLocal = append(report.OrphanLocal, f)
			}
		}
	}
	return nil
}

func (a *auditor) auditRemote(ctx context.Context, configs []types.BackupConfig, referenced map[string]bool, report *Report) error {
	seen := make(map[string]bool)
	for _, cfg := range configs {
		loc, err := storage.ParseLocation(cfg.StorageLocation, a.local.StagingRoot())
		if err != nil || !loc.Remote() {
			continue
		}
		prefix := loc.ObjectKey(cfg.TenantID, cfg.ID, "") + "/"
		if seen[loc.Bucket+"/"+prefix] {
			continue
		}
		seen[loc.Bucket+"/"+prefix] = true

		err = a.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(loc.Bucket),
			Prefix: aws.String(strings.TrimPrefix(prefix, "/")),
		}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				report.RemoteObjects++
				key := aws.StringValue(obj.Key)
				if !referenced[loc.Bucket+"/"+key] {
					report.OrphanRemote = append(report.OrphanRemote, RemoteObject{
						Bucket: loc.Bucket,
						Key:    key,
						Size:   aws.Int64Value(obj.Size),
					})
				}
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to list s3://%s/%s: %w", loc.Bucket, prefix, err)
		}
	}
	return nil
}

func (a *auditor) removeOrphans(ctx context.Context, report *Report) {
	for _, f := range report.OrphanLocal {
		removed, err := a.local.Remove(f.Path)
		if err != nil {
			a.logger.WithError(err).Warnf("Failed to delete %s", f.Path)
			continue
		}
		if removed {
			report.Deleted++
			report.FreedBytes += f.Size
		}
	}
	if a.s3 == nil {
		return
	}
	for _, obj := range report.OrphanRemote {
		_, err := a.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(obj.Bucket),
			Key:    aws.String(obj.Key),
		})
		if err != nil {
			a.logger.WithError(err).Warnf("Failed to delete s3://%s/%s", obj.Bucket, obj.Key)
			continue
		}
		report.Deleted++
		report.FreedBytes += obj.Size
	}
}

func printReport(w io.Writer, report *Report, dryRun bool) {
	fmt.Fprintf(w, "Scanned %d local artifacts and %d S3 objects\n", report.LocalFiles, report.RemoteObjects)

	sort.Slice(report.OrphanLocal, func(i, j int) bool { return report.OrphanLocal[i].Path < report.OrphanLocal[j].Path })
	fmt.Fprintf(w, "Orphaned local artifacts: %d\n", len(report.OrphanLocal))
	for _, f := range report.OrphanLocal {
		fmt.Fprintf(w, "  %s (%s, modified %s)\n", f.Path, humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime))
	}

	fmt.Fprintf(w, "Orphaned S3 objects: %d\n", len(report.OrphanRemote))
	for _, obj := range report.OrphanRemote {
		fmt.Fprintf(w, "  s3://%s/%s (%s)\n", obj.Bucket, obj.Key, humanize.Bytes(uint64(obj.Size)))
	}

	fmt.Fprintf(w, "Completed jobs with missing artifacts: %d\n", len(report.Missing))
	for _, job := range report.Missing {
		fmt.Fprintf(w, "  %s (config %s): %s\n", job.ID, job.ConfigID, job.Path)
	}

	if report.Deleted > 0 {
		fmt.Fprintf(w, "Deleted %d orphans, freed %s\n", report.Deleted, humanize.Bytes(uint64(report.FreedBytes)))
	} else if dryRun && len(report.OrphanLocal)+len(report.OrphanRemote) > 0 {
		fmt.Fprintln(w, "Dry run: rerun with -dry-run=false -delete-orphans to remove orphans")
	}
}
