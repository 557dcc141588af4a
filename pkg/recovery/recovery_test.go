package recovery

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

const mysqlDump = `-- MySQL dump
CREATE TABLE orders (id int);
INSERT INTO orders VALUES (1),(2);
INSERT INTO orders VALUES (3);
insert into orders values (4);
`

const pgDump = `CREATE TABLE public.orders (id integer);
COPY public.orders (id) FROM stdin;
1
2
3
\.
INSERT INTO public.audit VALUES (1);
`

type fakeProvider struct {
	restored string
	target   common.Connection
}

func (p *fakeProvider) Name() string { return "mysql" }

func (p *fakeProvider) Dump(ctx context.Context, conn common.Connection, output io.Writer) error {
	return nil
}

func (p *fakeProvider) Restore(ctx context.Context, conn common.Connection, input io.Reader) error {
	body, err := io.ReadAll(input)
	p.restored = string(body)
	p.target = conn
	return err
}

func (p *fakeProvider) DumpCommand(conn common.Connection) string { return "" }

func (p *fakeProvider) CreateDatabase(ctx context.Context, admin common.Connection, name string) error {
	return nil
}

func (p *fakeProvider) DropDatabase(ctx context.Context, admin common.Connection, name string) error {
	return nil
}

type fakeResolver struct {
	provider *fakeProvider
}

func (r *fakeResolver) Resolve(connectionString string) (database.Provider, database.Connection, error) {
	conn, err := common.ParseConnectionString(connectionString)
	if err != nil {
		return nil, database.Connection{}, err
	}
	return r.provider, conn, nil
}

type fakeImporter struct {
	data *backup.TenantData
}

func (i *fakeImporter) Import(ctx context.Context, data *backup.TenantData) (int64, error) {
	i.data = data
	return int64(data.Records()), nil
}

func (i *fakeImporter) Close() error { return nil }

type fakeDownloader struct {
	body  []byte
	calls int
}

func (d *fakeDownloader) Download(ctx context.Context, bucket, key, dest string) error {
	d.calls++
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}
	return os.WriteFile(dest, d.body, 0600)
}

type fixture struct {
	store      *metadata.Store
	provider   *fakeProvider
	importer   *fakeImporter
	downloader *fakeDownloader
	executor   *Executor
	topics     []string
	dir        string
}

func (f *fixture) Publish(topic string, event events.Event) error {
	f.topics = append(f.topics, topic)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      metadata.NewStore(""),
		provider:   &fakeProvider{},
		importer:   &fakeImporter{},
		downloader: &fakeDownloader{},
		dir:        t.TempDir(),
	}
	fetcher := NewFetcher(local.NewClient(filepath.Join(f.dir, "staging")), f.downloader, nil)
	registry := NewRegistry(
		NewFullRestoreStrategy(fetcher, &fakeResolver{provider: f.provider},
			func(string) (TenantDataImporter, error) { return f.importer, nil }, nil),
		NewPointInTimeStrategy(nil),
		NewSelectiveStrategy(nil),
	)
	f.executor = NewExecutor(f.store, registry, f, time.Minute, logging.Discard())
	return f
}

// seed stores a config, a completed backup job with an artifact holding body, and a pending recovery job
func (f *fixture) seed(t *testing.T, backupType types.BackupType, body []byte, opts artifact.Options, rec types.RecoveryJob) *types.RecoveryJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateConfig(ctx, &types.BackupConfig{
		ID:               "cfg-1",
		TenantID:         "tenant-a",
		BackupType:       backupType,
		ConnectionString: "mysql://app:pw@db.internal/orders",
		EncryptionKey:    opts.Passphrase,
		StorageLocation:  filepath.Join(f.dir, "backups"),
		Active:           true,
	}))

	path := filepath.Join(f.dir, "backups", "tenant-a", "cfg-1", artifact.FileName("artifact", opts))
	w, err := artifact.Create(path, opts)
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	result, err := w.Close()
	require.NoError(t, err)

	end := time.Now()
	require.NoError(t, f.store.CreateJob(ctx, &types.BackupJob{
		ID:        "job-1",
		TenantID:  "tenant-a",
		ConfigID:  "cfg-1",
		Status:    types.StatusCompleted,
		EndTime:   &end,
		Path:      result.Path,
		Size:      result.Size,
		Checksum:  result.Checksum,
		Metadata:  map[string]string{},
		CreatedAt: end,
	}))

	rec.ID = "rec-1"
	rec.TenantID = "tenant-a"
	rec.BackupJobID = "job-1"
	rec.Status = types.StatusPending
	rec.CreatedAt = time.Now()
	require.NoError(t, f.store.CreateRecoveryJob(ctx, &rec))
	return &rec
}

func TestStatementCounter(t *testing.T) {
	tests := []struct {
		name string
		dump string
		want int64
	}{
		{"mysql inserts", mysqlDump, 3},
		{"postgres copy block", pgDump, 4},
		{"no trailing newline", "INSERT INTO t VALUES (1);\nINSERT INTO t VALUES (2);", 2},
		{"crlf", "INSERT INTO t VALUES (1);\r\nCOPY t (id) FROM stdin;\r\n1\r\n\\.\r\n", 2},
		{"schema only", "CREATE TABLE t (id int);\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &statementCounter{}
			// small writes exercise lines split across buffers
			for _, chunk := range splitEvery(tt.dump, 7) {
				n, err := c.Write([]byte(chunk))
				require.NoError(t, err)
				require.Equal(t, len(chunk), n)
			}
			require.NoError(t, c.Close())
			assert.Equal(t, tt.want, c.Count())
		})
	}
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func TestPointInTimeIsPlaceholder(t *testing.T) {
	f := newFixture(t)
	pit := time.Now().Add(-time.Hour)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypePointInTime, PointInTime: &pit})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(0), result.RecoveredRecords)
	assert.Equal(t, types.ResultRecoveryNotSupported, result.ResultCode)
	assert.Empty(t, f.provider.restored, "nothing is restored")
	assert.Equal(t, []string{events.TopicRecoveryCompleted}, f.topics)
}

func TestSelectiveIsPlaceholder(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeFilesystem, []byte("x"), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeSelective, SelectedItems: []string{"config"}})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, types.ResultRecoveryNotSupported, result.ResultCode)
}

func TestFullRestoreDatabase(t *testing.T) {
	f := newFixture(t)
	opts := artifact.Options{Compress: true, Encrypt: true, Passphrase: "secret"}
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), opts,
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore, TargetLocation: "mysql://root:pw@restore.internal/orders_restored"})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, result.Status, result.ErrorMessage)
	assert.Equal(t, int64(3), result.RecoveredRecords)
	assert.Empty(t, result.ResultCode)
	assert.Equal(t, mysqlDump, f.provider.restored)
	assert.Equal(t, "restore.internal", f.provider.target.Host)
	assert.Equal(t, "orders_restored", f.provider.target.Database)
	assert.NotNil(t, result.EndTime)
}

func TestFullRestoreDefaultsToConfigConnection(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, result.Status, result.ErrorMessage)
	assert.Equal(t, "db.internal", f.provider.target.Host)
}

func TestFullRestoreFilesystem(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(src, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.yaml"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.yaml"), []byte("b"), 0644))

	var buf strings.Builder
	_, err := artifact.WriteTar(&buf, []string{src}, nil)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "restore")
	rec := f.seed(t, types.BackupTypeFilesystem, []byte(buf.String()), artifact.Options{Compress: true},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore, TargetLocation: target})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, result.Status, result.ErrorMessage)
	assert.Equal(t, int64(2), result.RecoveredRecords)
	assert.FileExists(t, filepath.Join(target, "config", "a.yaml"))
}

func TestFullRestoreFilesystemNeedsTarget(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeFilesystem, []byte("x"), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "requires a target directory")
	assert.Equal(t, apperrors.CodeRecoveryExecutionFailed, result.ErrorCode)
}

func TestFullRestoreApplicationData(t *testing.T) {
	f := newFixture(t)
	doc, err := json.Marshal(backup.TenantData{
		TenantID:     "tenant-a",
		Users:        []backup.Row{{"id": "u1"}},
		Integrations: []backup.Row{{"id": "i1"}, {"id": "i2"}},
	})
	require.NoError(t, err)
	rec := f.seed(t, types.BackupTypeApplicationData, doc, artifact.Options{Compress: true},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, result.Status, result.ErrorMessage)
	assert.Equal(t, int64(3), result.RecoveredRecords)
	require.NotNil(t, f.importer.data)
	assert.Len(t, f.importer.data.Integrations, 2)
}

func TestFullRestoreDownloadsMissingArtifact(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	f.downloader.body, err = os.ReadFile(job.Path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(job.Path))
	job.Metadata[types.MetaS3Bucket] = "dr-bucket"
	job.Metadata[types.MetaS3Key] = "tenant-a/cfg-1/artifact"
	require.NoError(t, f.store.UpdateJob(context.Background(), job))

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, result.Status, result.ErrorMessage)
	assert.Equal(t, 1, f.downloader.calls)
	assert.Equal(t, mysqlDump, f.provider.restored)
}

func TestFullRestoreRejectsModifiedArtifact(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})
	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(job.Path, []byte("DROP DATABASE orders;"), 0600))

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, apperrors.CodeRecoveryExecutionFailed, result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "checksum")
	assert.Empty(t, f.provider.restored)
	assert.Equal(t, []string{events.TopicRecoveryFailed}, f.topics)
}

func TestExecuteUnsupportedRecoveryType(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: "bare_metal"})

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, apperrors.CodeUnsupportedRecoveryType, result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "Unsupported recovery type: bare_metal")
}

func TestExecuteRequiresCompletedBackup(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})
	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	job.Status = types.StatusFailed
	require.NoError(t, f.store.UpdateJob(context.Background(), job))

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "only completed backups can be restored")
	assert.Equal(t, apperrors.CodeRecoveryExecutionFailed, result.ErrorCode)

	stored, err := f.store.GetRecoveryJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, apperrors.CodeRecoveryExecutionFailed, stored.ErrorCode)
}

func TestExecuteTenantMismatchIsExecutionFailure(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypeFullRestore})
	rec.TenantID = "tenant-b"
	require.NoError(t, f.store.UpdateRecoveryJob(context.Background(), rec))

	result, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "does not belong to tenant tenant-b")
	assert.Equal(t, apperrors.CodeRecoveryExecutionFailed, result.ErrorCode)
}

func TestExecuteOnlyPendingRecoveries(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, types.BackupTypeDatabaseFull, []byte(mysqlDump), artifact.Options{},
		types.RecoveryJob{RecoveryType: types.RecoveryTypePointInTime})

	_, err := f.executor.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	_, err = f.executor.Execute(context.Background(), rec.ID)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))

	_, err = f.executor.Execute(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}
