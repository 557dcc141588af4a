package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRemote struct {
	err     error
	deleted []string
}

func (r *fakeRemote) Delete(ctx context.Context, bucket, key string) error {
	if r.err != nil {
		return r.err
	}
	r.deleted = append(r.deleted, bucket+"/"+key)
	return nil
}

func addJob(t *testing.T, store *metadata.Store, dir, id string, status types.JobStatus, age time.Duration, meta map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, id+".tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("artifact "+id), 0600))
	end := now.Add(-age)
	require.NoError(t, store.CreateJob(context.Background(), &types.BackupJob{
		ID:        id,
		TenantID:  "tenant-a",
		ConfigID:  "cfg-1",
		Status:    status,
		EndTime:   &end,
		Path:      path,
		Size:      10,
		Metadata:  meta,
		CreatedAt: end,
	}))
	require.NoError(t, store.CreateVerification(context.Background(), &types.BackupVerification{ID: "ver-" + id, JobID: id}))
	return path
}

func setup(t *testing.T, retentionDays int) (*metadata.Store, string) {
	t.Helper()
	store := metadata.NewStore("")
	require.NoError(t, store.CreateConfig(context.Background(), &types.BackupConfig{
		ID:            "cfg-1",
		TenantID:      "tenant-a",
		BackupType:    types.BackupTypeFilesystem,
		RetentionDays: retentionDays,
		Active:        true,
	}))
	return store, t.TempDir()
}

func TestSweepRetentionWindow(t *testing.T) {
	ctx := context.Background()
	store, dir := setup(t, 30)
	day := 24 * time.Hour
	expired := addJob(t, store, dir, "old", types.StatusCompleted, 31*day, nil)
	fresh := addJob(t, store, dir, "fresh", types.StatusCompleted, 29*day, nil)

	cleaner := NewCleaner(store, local.NewClient(""), nil, logging.Discard()).WithClock(func() time.Time { return now })
	result, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, int64(10), result.FreedBytes)

	assert.NoFileExists(t, expired)
	_, err = store.GetJob(ctx, "old")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = store.GetVerification(ctx, "ver-old")
	assert.True(t, apperrors.IsNotFound(err))

	assert.FileExists(t, fresh)
	_, err = store.GetJob(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSweepOnlyTouchesCompletedJobs(t *testing.T) {
	ctx := context.Background()
	store, dir := setup(t, 7)
	failed := addJob(t, store, dir, "failed", types.StatusFailed, 60*24*time.Hour, nil)
	running := addJob(t, store, dir, "running", types.StatusRunning, 60*24*time.Hour, nil)

	cleaner := NewCleaner(store, local.NewClient(""), nil, logging.Discard()).WithClock(func() time.Time { return now })
	result, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deleted)
	assert.FileExists(t, failed)
	assert.FileExists(t, running)

	jobs, err := store.ListJobs(ctx, types.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSweepKeepsForeverWithoutRetentionDays(t *testing.T) {
	store, dir := setup(t, 0)
	path := addJob(t, store, dir, "ancient", types.StatusCompleted, 3650*24*time.Hour, nil)

	cleaner := NewCleaner(store, local.NewClient(""), nil, logging.Discard()).WithClock(func() time.Time { return now })
	result, err := cleaner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Configs)
	assert.FileExists(t, path)
}

func TestSweepMissingArtifactStillDeletesRecord(t *testing.T) {
	ctx := context.Background()
	store, dir := setup(t, 1)
	path := addJob(t, store, dir, "old", types.StatusCompleted, 48*time.Hour, nil)
	require.NoError(t, os.Remove(path))

	cleaner := NewCleaner(store, local.NewClient(""), nil, logging.Discard()).WithClock(func() time.Time { return now })
	result, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
}

func TestSweepDeletesRemoteCopies(t *testing.T) {
	ctx := context.Background()
	store, dir := setup(t, 1)
	addJob(t, store, dir, "old", types.StatusCompleted, 48*time.Hour, map[string]string{
		types.MetaS3Bucket: "dr-bucket",
		types.MetaS3Key:    "tenant-a/cfg-1/old.tar.gz",
	})

	remote := &fakeRemote{}
	cleaner := NewCleaner(store, local.NewClient(""), remote, logging.Discard()).WithClock(func() time.Time { return now })
	result, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, []string{"dr-bucket/tenant-a/cfg-1/old.tar.gz"}, remote.deleted)
}

func TestSweepContinuesAfterFailures(t *testing.T) {
	ctx := context.Background()
	store, dir := setup(t, 1)
	addJob(t, store, dir, "remote", types.StatusCompleted, 48*time.Hour, map[string]string{
		types.MetaS3Bucket: "dr-bucket",
		types.MetaS3Key:    "k",
	})
	plain := addJob(t, store, dir, "plain", types.StatusCompleted, 72*time.Hour, nil)

	cleaner := NewCleaner(store, local.NewClient(""), &fakeRemote{err: errors.New("access denied")}, logging.Discard()).
		WithClock(func() time.Time { return now })
	result, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Failed)
	assert.NoFileExists(t, plain)

	_, err = store.GetJob(ctx, "remote")
	assert.NoError(t, err, "the record is kept so the next sweep retries")
}
