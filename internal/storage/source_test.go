package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/objstore"
)

func TestMountFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mounts:
  - id: photos
    username: alice
    folder_name: photos
    platform: MinIO
    endpoint: localhost:9000
    bucket: alice-photos
    access_key: ak
    secret_key: sk
  - username: bob
    folder_name: backup
    platform: local
    endpoint: /srv
    bucket: bob
`), 0644))

	f := NewMountFile(path)
	mounts, err := f.List(context.Background())
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, objstore.PlatformMinIO, mounts[0].Platform)
	assert.Equal(t, "sk", mounts[0].SecretKey)
	assert.Equal(t, "bob/backup", mounts[1].ID)

	_, err = f.Put(context.Background(), mounts[0])
	assert.True(t, errs.IsInvalidInput(err))
	assert.True(t, errs.IsInvalidInput(f.Delete(context.Background(), "photos")))
}

func TestMountFile_RejectsUnknownPlatform(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mounts:\n  - {id: x, platform: ftp, bucket: b}\n"), 0644))
	_, err := NewMountFile(path).List(context.Background())
	assert.Error(t, err)
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("0123456789abcdef-secret")
	require.NoError(t, err)

	sealed, err := s.Seal("AKIAEXAMPLE", "alice/photos#access")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "AKIAEXAMPLE")

	plain, err := s.Open(sealed, "alice/photos#access")
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", plain)

	_, err = s.Open(sealed, "bob/photos#access")
	assert.Error(t, err, "value bound to another mount")

	other, _ := NewSealer("another-secret-of-16+")
	_, err = other.Open(sealed, "alice/photos#access")
	assert.Error(t, err)

	_, err = NewSealer("short")
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource()
	cfg, err := s.Put(context.Background(), objstore.BucketConfig{Bucket: "x"})
	require.NoError(t, err)
	assert.Equal(t, "mount-1", cfg.ID)
	list, _ := s.List(context.Background())
	assert.Len(t, list, 1)
	require.NoError(t, s.Delete(context.Background(), cfg.ID))
	assert.True(t, errs.IsNotFound(s.Delete(context.Background(), cfg.ID)))
}
