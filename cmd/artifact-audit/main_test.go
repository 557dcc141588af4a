package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]*s3.Object
	deleted []string
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	fn(&s3.ListObjectsV2Output{Contents: f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Prefix)]}, true)
	return nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type auditFixture struct {
	auditor *auditor
	s3      *fakeS3
	known   string
	orphan  string
}

func newAuditFixture(t *testing.T) *auditFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	store := metadata.NewStore("")
	localClient := local.NewClient(filepath.Join(dir, "staging"))

	localCfg := &types.BackupConfig{ID: "cfg-local", TenantID: "tenant-a", BackupType: types.BackupTypeFilesystem, StorageLocation: filepath.Join(dir, "backups")}
	remoteCfg := &types.BackupConfig{ID: "cfg-remote", TenantID: "tenant-a", BackupType: types.BackupTypeDatabaseFull, StorageLocation: "s3://dr-bucket/prod"}
	require.NoError(t, store.CreateConfig(ctx, localCfg))
	require.NoError(t, store.CreateConfig(ctx, remoteCfg))

	artifactDir := filepath.Join(dir, "backups", "tenant-a", "cfg-local")
	require.NoError(t, os.MkdirAll(artifactDir, 0750))
	known := filepath.Join(artifactDir, "fs-20240101T000000Z.tar.gz")
	orphan := filepath.Join(artifactDir, "fs-20231201T000000Z.tar.gz")
	require.NoError(t, os.WriteFile(known, []byte("known"), 0600))
	require.NoError(t, os.WriteFile(orphan, []byte("orphaned artifact"), 0600))

	require.NoError(t, store.CreateJob(ctx, &types.BackupJob{ID: "job-local", TenantID: "tenant-a", ConfigID: "cfg-local", Status: types.StatusCompleted, Path: known, CreatedAt: time.Now()}))
	require.NoError(t, store.CreateJob(ctx, &types.BackupJob{ID: "job-gone", TenantID: "tenant-a", ConfigID: "cfg-local", Status: types.StatusCompleted, Path: filepath.Join(artifactDir, "missing.tar.gz"), CreatedAt: time.Now()}))
	require.NoError(t, store.CreateJob(ctx, &types.BackupJob{
		ID: "job-remote", TenantID: "tenant-a", ConfigID: "cfg-remote", Status: types.StatusCompleted,
		Path:     filepath.Join(dir, "staging", "dr-bucket", "prod", "tenant-a", "cfg-remote", "db.sql.gz"),
		Metadata: map[string]string{types.MetaS3Bucket: "dr-bucket", types.MetaS3Key: "prod/tenant-a/cfg-remote/db.sql.gz"},
	}))

	fake := &fakeS3{objects: map[string][]*s3.Object{
		"dr-bucket/prod/tenant-a/cfg-remote/": {
			{Key: aws.String("prod/tenant-a/cfg-remote/db.sql.gz"), Size: aws.Int64(100)},
			{Key: aws.String("prod/tenant-a/cfg-remote/stale.sql.gz"), Size: aws.Int64(2048)},
		},
	}}

	return &auditFixture{
		auditor: &auditor{repo: store, local: localClient, s3: fake, logger: logging.Discard()},
		s3:      fake,
		known:   known,
		orphan:  orphan,
	}
}

func TestAuditReportsOrphansAndMissing(t *testing.T) {
	f := newAuditFixture(t)

	report, err := f.auditor.run(context.Background(), true, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.LocalFiles)
	assert.Equal(t, 2, report.RemoteObjects)
	require.Len(t, report.OrphanLocal, 1)
	assert.Equal(t, f.orphan, report.OrphanLocal[0].Path)
	require.Len(t, report.OrphanRemote, 1)
	assert.Equal(t, "prod/tenant-a/cfg-remote/stale.sql.gz", report.OrphanRemote[0].Key)
	require.Len(t, report.Missing, 1)
	assert.Equal(t, "job-gone", report.Missing[0].ID)
	assert.Zero(t, report.Deleted)
	assert.FileExists(t, f.orphan)

	var out bytes.Buffer
	printReport(&out, report, true)
	assert.Contains(t, out.String(), "Orphaned local artifacts: 1")
	assert.Contains(t, out.String(), "s3://dr-bucket/prod/tenant-a/cfg-remote/stale.sql.gz (2.0 kB)")
	assert.Contains(t, out.String(), "Dry run")
}

func TestAuditDeletesOrphans(t *testing.T) {
	f := newAuditFixture(t)

	report, err := f.auditor.run(context.Background(), true, true)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, int64(len("orphaned artifact")+2048), report.FreedBytes)
	assert.NoFileExists(t, f.orphan)
	assert.FileExists(t, f.known)
	assert.Equal(t, []string{"dr-bucket/prod/tenant-a/cfg-remote/stale.sql.gz"}, f.s3.deleted)
}

func TestAuditWithoutS3(t *testing.T) {
	f := newAuditFixture(t)
	f.auditor.s3 = nil

	report, err := f.auditor.run(context.Background(), true, false)
	require.NoError(t, err)
	assert.Zero(t, report.RemoteObjects)
	assert.Empty(t, report.OrphanRemote)
	assert.Len(t, report.OrphanLocal, 1)
}
