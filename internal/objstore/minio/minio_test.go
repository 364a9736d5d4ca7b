package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fruitsalade/objstore/internal/objstore"
)

func TestTranslate(t *testing.T) {
	for _, code := range []string{"NoSuchKey", "NoSuchUpload", "NotFound"} {
		err := translate(minio.ErrorResponse{Code: code})
		assert.ErrorIs(t, err, objstore.ErrNotFound, code)
	}
	err := translate(minio.ErrorResponse{Code: "AccessDenied"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, objstore.ErrNotFound))
	assert.NoError(t, translate(nil))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(objstore.BucketConfig{Bucket: "b"})
	assert.Error(t, err)
	_, err = New(objstore.BucketConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	d, err := New(objstore.BucketConfig{Endpoint: "https://play.example.com", Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "https", d.client.EndpointURL().Scheme)
}

// setupMinIO starts a MinIO container and returns a Bucket over a fresh
// bucket in it.
func setupMinIO(t *testing.T) (*objstore.Bucket, *minio.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start MinIO container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
	})
	require.NoError(t, err)
	require.NoError(t, client.MakeBucket(ctx, "data", minio.MakeBucketOptions{}))
	require.NoError(t, client.MakeBucket(ctx, "backup", minio.MakeBucketOptions{}))

	cfg := objstore.BucketConfig{Platform: objstore.PlatformMinIO, Endpoint: endpoint, Bucket: "data"}
	b := objstore.NewBucket(cfg, NewWithClient(client, "data"), objstore.Options{})
	t.Cleanup(func() { b.Close() })
	return b, client
}

func TestIntegration_DirectoryEmulation(t *testing.T) {
	b, _ := setupMinIO(t)
	ctx := context.Background()

	_, ok := b.Mkdir(ctx, "docs")
	require.True(t, ok)
	_, ok = b.Mkdir(ctx, "docs/")
	require.True(t, ok)
	require.True(t, b.PutObject(ctx, "docs/a.txt", bytes.NewReader([]byte("a")), 1))
	require.True(t, b.PutObject(ctx, "docs/deep/b.txt", bytes.NewReader([]byte("b")), 1))

	list := b.List(ctx, "docs/", "/")
	var keys []string
	for _, fi := range list {
		keys = append(keys, fi.Key)
	}
	assert.ElementsMatch(t, []string{"docs/a.txt", "docs/deep/"}, keys)

	root := b.List(ctx, "", "/")
	require.Len(t, root, 1, "mkdir twice must not duplicate the folder")
	assert.True(t, root[0].IsFolder)

	require.True(t, b.DeleteRecursive(ctx, "docs/"))
	b.ClearCache("")
	assert.Empty(t, b.List(ctx, "", "/"))
}

func TestIntegration_MultipartOutOfOrder(t *testing.T) {
	b, _ := setupMinIO(t)
	ctx := context.Background()

	// Every part except the last must be at least 5 MiB.
	const partSize = 5 * 1024 * 1024
	p1 := bytes.Repeat([]byte("1"), partSize)
	p2 := []byte("tail")

	id := b.UploadID(ctx, "big.bin")
	require.NotEmpty(t, id)
	require.True(t, b.UploadPart(ctx, "big.bin", id, 2, bytes.NewReader(p2), int64(len(p2))))
	require.True(t, b.UploadPart(ctx, "big.bin", id, 1, bytes.NewReader(p1), int64(len(p1))))

	nums, ok := b.ListParts(ctx, "big.bin", id)
	require.True(t, ok)
	assert.Equal(t, []int32{1, 2}, nums)

	require.True(t, b.CompleteMultipartUpload(ctx, "big.bin", id, int64(len(p1)+len(p2))))

	obj, ok := b.GetObject(ctx, "big.bin", int64(partSize), 0)
	require.True(t, ok)
	defer obj.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(data))
}

func TestIntegration_CopyAndPresign(t *testing.T) {
	b, client := setupMinIO(t)
	ctx := context.Background()

	require.True(t, b.PutObject(ctx, "album/1.jpg", bytes.NewReader([]byte("x")), 1))
	copied, ok := b.CopyObject(ctx, "data", "album/", "backup", "album/")
	require.True(t, ok)
	assert.Contains(t, copied, "album/1.jpg")

	_, err := client.StatObject(ctx, "backup", "album/1.jpg", minio.StatObjectOptions{})
	assert.NoError(t, err)

	url := b.PresignedURL(ctx, "album/1.jpg", time.Minute)
	assert.Contains(t, url, "X-Amz-Signature")
	assert.True(t, b.BucketExists(ctx))
}
