package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putErrors int
	putCalls  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErrors > 0 {
		f.putErrors--
		return nil, errors.New("503 slow down")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestUploadDownloadDelete(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	client := NewWithAPI(api, nil)

	src := writeArtifact(t, "dump contents")
	require.NoError(t, client.Upload(ctx, "bucket", "t1/c1/artifact.sql.gz", src))
	assert.Equal(t, []byte("dump contents"), api.objects["bucket/t1/c1/artifact.sql.gz"])

	dest := filepath.Join(t.TempDir(), "restore", "artifact.sql.gz")
	require.NoError(t, client.Download(ctx, "bucket", "t1/c1/artifact.sql.gz", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "dump contents", string(data))

	require.NoError(t, client.Delete(ctx, "bucket", "t1/c1/artifact.sql.gz"))
	assert.Empty(t, api.objects)
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	api := newFakeAPI()
	api.putErrors = 1
	client := NewWithAPI(api, nil)

	require.NoError(t, client.Upload(context.Background(), "bucket", "key", writeArtifact(t, "x")))
	assert.Equal(t, 2, api.putCalls)
}

func TestUploadMissingFileIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	client := NewWithAPI(api, nil)

	err := client.Upload(context.Background(), "bucket", "key", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open artifact")
	assert.Equal(t, 0, api.putCalls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	api := newFakeAPI()
	api.putErrors = 100
	client := NewWithAPI(api, nil)
	client.attempts = 1

	src := writeArtifact(t, "x")
	for i := 0; i < 5; i++ {
		assert.Error(t, client.Upload(context.Background(), "bucket", "key", src))
	}
	assert.Equal(t, "open", client.State())

	calls := api.putCalls
	assert.Error(t, client.Upload(context.Background(), "bucket", "key", src))
	assert.Equal(t, calls, api.putCalls, "open breaker short-circuits the call")
}
