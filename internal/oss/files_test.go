package oss

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/events"
)

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestMkdir_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		e, err := h.svc.Mkdir(ctx, "/alice/photos/a/b/")
		require.NoError(t, err)
		assert.True(t, e.IsFolder)
	}
	assert.Equal(t, 1, h.driver("photos").Calls("put"))

	list, err := h.svc.List(ctx, "/alice/photos/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names(list))
	assert.True(t, h.notes.has(events.KindCreated, "/alice/photos/a/b"))
}

func TestMkdir_ImplicitFolderGetsMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Seed("photos", "a/b/c.txt", []byte("x"))

	_, err := h.svc.Mkdir(ctx, "/alice/photos/a/b")
	require.NoError(t, err)
	_, ok := h.srv.Object("photos", "a/b/")
	require.True(t, ok, "marker object stored")

	require.NoError(t, h.svc.Delete(ctx, "/alice/photos/a/b/c.txt"))
	e, err := h.svc.Info(ctx, "/alice/photos/a/b")
	require.NoError(t, err)
	assert.True(t, e.IsFolder)
}

func TestMkdir_FileInTheWay(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("photos", "taken", []byte("x"))

	_, err := h.svc.Mkdir(context.Background(), "/alice/photos/taken")
	assert.True(t, errs.IsAlreadyExists(err))
}

func TestList_FoldersFirstAndMountsShown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Seed("photos", "b.txt", []byte("b"))
	h.srv.Seed("photos", "a.txt", []byte("a"))
	h.srv.Seed("photos", "zdir/c.txt", []byte("c"))

	list, err := h.svc.List(ctx, "/alice/photos")
	require.NoError(t, err)
	assert.Equal(t, []string{"zdir", "a.txt", "b.txt"}, names(list))
	assert.Equal(t, "/alice/photos/zdir", list[0].Path)
	assert.Equal(t, "photos", list[0].MountID)

	// Nothing is mounted at /alice itself; its listing shows the mounts.
	list, err = h.svc.List(ctx, "/alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"archive", "backup", "photos"}, names(list))

	_, err = h.svc.List(ctx, "/alice/photos/missing")
	assert.True(t, errs.IsNotFound(err))
	_, err = h.svc.List(ctx, "/bob")
	assert.True(t, errs.IsUnmapped(err))
}

func TestDelete_LargeFolderInBatches(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2500; i++ {
		h.srv.Seed("photos", fmt.Sprintf("big/%04d.dat", i), []byte("x"))
	}

	require.NoError(t, h.svc.Delete(context.Background(), "/alice/photos/big"))
	assert.Equal(t, 3, h.driver("photos").Calls("delete_batch"))
	assert.Empty(t, h.srv.Keys("photos"))
	assert.True(t, h.notes.has(events.KindDeleted, "/alice/photos/big"))
}

func TestDelete_InvalidatesCachedInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Write(ctx, "/alice/photos/c.txt", strings.NewReader("cached"), 6)
	require.NoError(t, err)
	_, ok := h.store.get("/alice/photos/c.txt")
	require.True(t, ok)

	heads := h.driver("photos").Calls("head")
	_, err = h.svc.Info(ctx, "/alice/photos/c.txt")
	require.NoError(t, err)
	assert.Equal(t, heads, h.driver("photos").Calls("head"), "info is served from the cache")

	require.NoError(t, h.svc.Delete(ctx, "/alice/photos/c.txt"))
	_, err = h.svc.Info(ctx, "/alice/photos/c.txt")
	assert.True(t, errs.IsNotFound(err))
	_, ok = h.store.get("/alice/photos/c.txt")
	assert.False(t, ok)
}

func TestDelete_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Seed("photos", "keep.txt", []byte("k"))

	assert.True(t, errs.IsInvalidInput(h.svc.Delete(ctx, "/alice/photos")))
	err := h.svc.Delete(ctx, "/alice/photos/keep.txt", "/alice/photos/gone.txt", "/alice/photos/never.txt")
	assert.True(t, errs.IsNotFound(err))
	_, ok := h.srv.Object("photos", "keep.txt")
	assert.False(t, ok, "paths before the failure stay deleted")
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Seed("photos", "dir/old.txt", []byte("content"))
	h.srv.Seed("photos", "dir/other.txt", []byte("other"))
	h.srv.Seed("photos", "f/", nil)
	h.srv.Seed("photos", "f/1.txt", []byte("1"))

	e, err := h.svc.Rename(ctx, "/alice/photos/dir/old.txt", "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "/alice/photos/dir/new.txt", e.Path)
	assert.Equal(t, "content", h.object(t, "photos", "dir/new.txt"))
	_, ok := h.srv.Object("photos", "dir/old.txt")
	assert.False(t, ok)
	assert.True(t, h.notes.has(events.KindDeleted, "/alice/photos/dir/old.txt"))

	_, err = h.svc.Rename(ctx, "/alice/photos/dir/new.txt", "other.txt")
	assert.True(t, errs.IsAlreadyExists(err))
	_, err = h.svc.Rename(ctx, "/alice/photos/dir/new.txt", "../x")
	assert.True(t, errs.IsInvalidInput(err))
	_, err = h.svc.Rename(ctx, "/alice/photos/dir/none.txt", "x")
	assert.True(t, errs.IsNotFound(err))

	e, err = h.svc.Rename(ctx, "/alice/photos/f", "g")
	require.NoError(t, err)
	assert.True(t, e.IsFolder)
	assert.Equal(t, []string{"dir/new.txt", "dir/other.txt", "g/", "g/1.txt"}, h.srv.Keys("photos"))
}

func TestWrite_CreatedThenUpdated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Write(ctx, "/alice/photos/note.md", strings.NewReader("v1"), 2)
	require.NoError(t, err)
	assert.True(t, h.notes.has(events.KindCreated, "/alice/photos/note.md"))

	e, err := h.svc.Write(ctx, "/alice/photos/note.md", strings.NewReader("v2!"), 3)
	require.NoError(t, err)
	assert.True(t, h.notes.has(events.KindUpdated, "/alice/photos/note.md"))
	assert.EqualValues(t, 3, e.Size)
	assert.Equal(t, "v2!", h.object(t, "photos", "note.md"))
}

func TestOpenRangeAndPresign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Seed("photos", "r.txt", []byte("hello world"))

	obj, err := h.svc.Open(ctx, "/alice/photos/r.txt", 6, 5)
	require.NoError(t, err)
	data, err := io.ReadAll(obj.Body)
	obj.Close()
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	_, err = h.svc.Open(ctx, "/alice/photos/none.txt", 0, 0)
	assert.True(t, errs.IsNotFound(err))

	url, err := h.svc.Presign(ctx, "/alice/photos/r.txt", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "mem://photos/r.txt?expires=60", url)
}

func TestWrites_RejectedWhileFolderIsLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAlbum(h)

	// A move of album/ holds its lock for the whole transfer.
	_, unlock, err := mustResolve(t, h, "/alice/photos/album").provider().Lock(ctx, "album/")
	require.NoError(t, err)

	_, err = h.svc.Write(ctx, "/alice/photos/album/3.jpg", strings.NewReader("3"), 1)
	assert.True(t, errs.IsLocked(err), "write: %v", err)
	_, err = h.svc.Mkdir(ctx, "/alice/photos/album/sub")
	assert.True(t, errs.IsLocked(err), "mkdir: %v", err)
	_, err = h.svc.UploadChunk(ctx, chunk("/alice/photos/album/big.bin", 1, 2, "aa", 4))
	assert.True(t, errs.IsLocked(err), "upload: %v", err)
	assert.Zero(t, h.driver("photos").Calls("put"))
	assert.Zero(t, h.driver("photos").Calls("create_multipart"))

	// Elsewhere in the mount writes go through.
	_, err = h.svc.Write(ctx, "/alice/photos/other.txt", strings.NewReader("o"), 1)
	assert.NoError(t, err)

	unlock()
	_, err = h.svc.Write(ctx, "/alice/photos/album/3.jpg", strings.NewReader("3"), 1)
	assert.NoError(t, err)
}
