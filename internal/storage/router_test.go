package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/objstore/objstoretest"
)

// fakeFactory builds in-memory buckets and remembers each driver.
type fakeFactory struct {
	mu      sync.Mutex
	srv     *objstoretest.Server
	drivers map[string][]*objstoretest.Driver
	fail    error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{srv: objstoretest.NewServer(), drivers: make(map[string][]*objstoretest.Driver)}
}

func (f *fakeFactory) build(_ context.Context, cfg objstore.BucketConfig) (objstore.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	d := f.srv.Driver(cfg.Platform, cfg.Bucket)
	f.drivers[cfg.ID] = append(f.drivers[cfg.ID], d)
	return objstore.NewBucket(cfg, d, objstore.Options{}), nil
}

func (f *fakeFactory) built(id string) []*objstoretest.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[id]
}

func mountCfg(id, user, folder, bucket string) objstore.BucketConfig {
	return objstore.BucketConfig{ID: id, Username: user, FolderName: folder, Platform: objstore.PlatformMinIO, Bucket: bucket}
}

func newTestRouter(t *testing.T, src MountSource, localRoot string) (*Router, *fakeFactory) {
	t.Helper()
	f := newFakeFactory()
	r, err := NewRouter(context.Background(), RouterConfig{Source: src, LocalRoot: localRoot, Factory: f.build})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, f
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "/a/b", CleanPath("a//b"))
	assert.Equal(t, "/a/b/", CleanPath("/a/./b/"))
	assert.Equal(t, "/", CleanPath(""))
	assert.Equal(t, "/b", CleanPath("/a/../../b"))
}

func TestRouter_ResolveLongestPrefix(t *testing.T) {
	src := NewStaticSource(
		mountCfg("m1", "alice", "photos", "b1"),
		mountCfg("m2", "alice", "photos/raw", "b2"),
	)
	r, _ := newTestRouter(t, src, "")

	m, key, err := r.Resolve("/alice/photos/raw/img.cr2")
	require.NoError(t, err)
	assert.Equal(t, "m2", m.Config.ID)
	assert.Equal(t, "img.cr2", key)

	m, key, err = r.Resolve("/alice/photos/2024/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.Config.ID)
	assert.Equal(t, "2024/a.jpg", key)

	m, key, err = r.Resolve("/alice/photos/")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.Config.ID)
	assert.Empty(t, key, "mount root resolves to the empty key")

	_, key, err = r.Resolve("/alice/photos/dir/")
	require.NoError(t, err)
	assert.Equal(t, "dir/", key)
}

func TestRouter_Unmapped(t *testing.T) {
	r, _ := newTestRouter(t, NewStaticSource(mountCfg("m1", "alice", "photos", "b1")), "")

	_, _, err := r.Resolve("/alice/photosx/a")
	assert.True(t, errs.IsUnmapped(err))
	_, _, err = r.Resolve("/bob/photos/a")
	assert.True(t, errs.IsUnmapped(err))
}

func TestRouter_LocalFallback(t *testing.T) {
	r, f := newTestRouter(t, NewStaticSource(mountCfg("m1", "alice", "photos", "b1")), "/srv/data")

	m, key, err := r.Resolve("/alice/notes/todo.txt")
	require.NoError(t, err)
	assert.True(t, m.Local)
	assert.Equal(t, "notes/todo.txt", key)
	assert.Equal(t, "/srv/data", m.Config.Endpoint)
	assert.Equal(t, objstore.PlatformLocal, m.Config.Platform)

	again, _, err := r.Resolve("/alice/other")
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Len(t, f.built("local:alice"), 1)
}

func TestRouter_ReloadReusesUnchanged(t *testing.T) {
	src := NewStaticSource(mountCfg("m1", "alice", "a", "b1"), mountCfg("m2", "bob", "b", "b2"))
	r, f := newTestRouter(t, src, "")
	ctx := context.Background()

	changed := mountCfg("m2", "bob", "b", "b2-new")
	_, err := src.Put(ctx, changed)
	require.NoError(t, err)
	require.NoError(t, src.Delete(ctx, "m1"))
	_, err = src.Put(ctx, mountCfg("m3", "carol", "c", "b3"))
	require.NoError(t, err)

	require.NoError(t, r.Reload(ctx))

	assert.Len(t, f.built("m2"), 2)
	assert.True(t, f.built("m2")[0].Closed(), "replaced provider closed")
	assert.False(t, f.built("m2")[1].Closed())
	assert.True(t, f.built("m1")[0].Closed(), "removed provider closed")
	assert.Len(t, r.Mounts(), 2)

	require.NoError(t, r.Reload(ctx))
	assert.Len(t, f.built("m3"), 1, "unchanged mount reused")
}

func TestRouter_ReloadSkipsBrokenMount(t *testing.T) {
	f := newFakeFactory()
	f.fail = errors.New("bad credentials")
	r, err := NewRouter(context.Background(), RouterConfig{
		Source:  NewStaticSource(mountCfg("m1", "alice", "a", "b1")),
		Factory: f.build,
	})
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.Mounts())
}

func TestRouter_PutMountKeepsMaskedCredentials(t *testing.T) {
	cfg := mountCfg("m1", "alice", "a", "b1")
	cfg.AccessKey, cfg.SecretKey = "AKIAREAL", "secret-real"
	src := NewStaticSource(cfg)
	r, _ := newTestRouter(t, src, "")

	update := cfg.Masked()
	update.Bucket = "b1"
	update.Region = "eu-west-1"
	m, err := r.PutMount(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, "secret-real", m.Config.SecretKey)
	assert.Equal(t, "AKIAREAL", m.Config.AccessKey)
	assert.Equal(t, "eu-west-1", m.Config.Region)

	stored, _ := src.List(context.Background())
	assert.Equal(t, "secret-real", stored[0].SecretKey)
}

func TestRouter_PutMountValidates(t *testing.T) {
	r, _ := newTestRouter(t, NewStaticSource(), "")
	ctx := context.Background()

	_, err := r.PutMount(ctx, objstore.BucketConfig{Platform: "gcs", Username: "a", FolderName: "b", Bucket: "x"})
	assert.True(t, errs.IsInvalidInput(err))

	_, err = r.PutMount(ctx, objstore.BucketConfig{Platform: objstore.PlatformS3, Username: "a", Bucket: "x"})
	assert.True(t, errs.IsInvalidInput(err))

	m, err := r.PutMount(ctx, mountCfg("", "dave", "docs", "bucket"))
	require.NoError(t, err)
	assert.NotEmpty(t, m.Config.ID)

	got, key, err := r.Resolve("/dave/docs/x.txt")
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Equal(t, "x.txt", key)
}

func TestRouter_RemoveMount(t *testing.T) {
	r, f := newTestRouter(t, NewStaticSource(mountCfg("m1", "alice", "a", "b1")), "")
	require.NoError(t, r.RemoveMount(context.Background(), "m1"))
	assert.True(t, f.built("m1")[0].Closed())

	_, _, err := r.Resolve("/alice/a/x")
	assert.True(t, errs.IsUnmapped(err))
	assert.True(t, errs.IsNotFound(r.RemoveMount(context.Background(), "m1")))
}
