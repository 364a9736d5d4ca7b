package objstore_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/objstore/objstoretest"
)

func newBucket(t *testing.T) (*objstore.Bucket, *objstoretest.Driver, *objstoretest.Server) {
	t.Helper()
	srv := objstoretest.NewServer()
	d := srv.Driver(objstore.PlatformMinIO, "data")
	b := objstore.NewBucket(objstore.BucketConfig{Bucket: "data", Platform: objstore.PlatformMinIO}, d, objstore.Options{})
	t.Cleanup(func() { b.Close() })
	return b, d, srv
}

func keys(list []objstore.FileInfo) []string {
	out := make([]string, len(list))
	for i, fi := range list {
		out[i] = fi.Key
	}
	return out
}

func TestBucket_ListRollsUpFoldersAndSkipsPrefix(t *testing.T) {
	b, _, srv := newBucket(t)
	srv.Seed("data", "docs/", nil)
	srv.Seed("data", "docs/a.txt", []byte("a"))
	srv.Seed("data", "docs/sub/", nil)
	srv.Seed("data", "docs/sub/b.txt", []byte("b"))
	srv.Seed("data", "docs/deep/x/y.txt", []byte("y"))

	list := b.List(context.Background(), "docs", "/")
	got := strings.Join(keys(list), ",")
	if got != "docs/a.txt,docs/deep/,docs/sub/" {
		t.Fatalf("List = %s", got)
	}
	for _, fi := range list {
		if strings.HasSuffix(fi.Key, "/") && !fi.IsFolder {
			t.Errorf("rolled-up prefix %q not a folder", fi.Key)
		}
	}
}

func TestBucket_ListIsCachedUntilMutation(t *testing.T) {
	b, d, _ := newBucket(t)
	ctx := context.Background()

	b.List(ctx, "", "/")
	b.List(ctx, "", "/")
	if n := d.Calls("list"); n != 1 {
		t.Fatalf("list calls = %d, want 1", n)
	}

	if !b.PutObject(ctx, "new.txt", strings.NewReader("x"), 1) {
		t.Fatal("PutObject failed")
	}
	list := b.List(ctx, "", "/")
	if d.Calls("list") != 2 {
		t.Error("listing not refreshed after write")
	}
	if len(list) != 1 || list[0].Key != "new.txt" {
		t.Errorf("List = %v", keys(list))
	}
}

func TestBucket_ListPaginates(t *testing.T) {
	b, d, srv := newBucket(t)
	d.PageSize = 3
	for i := 0; i < 10; i++ {
		srv.Seed("data", fmt.Sprintf("f%02d", i), []byte("x"))
	}
	if got := len(b.List(context.Background(), "", "/")); got != 10 {
		t.Errorf("List returned %d entries, want 10", got)
	}
	all, ok := b.ListAll(context.Background(), "")
	if !ok {
		t.Fatal("ListAll failed")
	}
	if got := len(all); got != 10 {
		t.Errorf("ListAll returned %d entries, want 10", got)
	}
}

func TestBucket_MkdirIdempotent(t *testing.T) {
	b, d, srv := newBucket(t)
	ctx := context.Background()

	first, ok := b.Mkdir(ctx, "reports")
	if !ok || first.Key != "reports/" || !first.IsFolder {
		t.Fatalf("Mkdir = %+v, %v", first, ok)
	}
	second, ok := b.Mkdir(ctx, "reports/")
	if !ok || second.Key != first.Key {
		t.Fatalf("second Mkdir = %+v, %v", second, ok)
	}
	if n := d.Calls("put"); n != 1 {
		t.Errorf("put calls = %d, want 1", n)
	}
	if got := srv.Keys("data"); len(got) != 1 || got[0] != "reports/" {
		t.Errorf("keys = %v", got)
	}
}

func TestBucket_MkdirMarksImplicitFolder(t *testing.T) {
	b, _, srv := newBucket(t)
	ctx := context.Background()
	srv.Seed("data", "a/b/c.txt", []byte("x"))

	// Listing the parent caches a/b/ as an implicit folder first.
	if got := b.List(ctx, "a/", "/"); len(got) != 1 {
		t.Fatalf("List = %v", keys(got))
	}
	if _, ok := b.Mkdir(ctx, "a/b/"); !ok {
		t.Fatal("Mkdir failed")
	}
	if _, ok := srv.Object("data", "a/b/"); !ok {
		t.Fatal("no marker stored for a/b/")
	}
	if !b.DeleteObject(ctx, "a/b/c.txt") {
		t.Fatal("DeleteObject failed")
	}
	if !b.Exists(ctx, "a/b/") {
		t.Error("folder vanished with its last child")
	}
}

func TestBucket_GetFileInfoImplicitFolder(t *testing.T) {
	b, _, srv := newBucket(t)
	srv.Seed("data", "implicit/file.txt", []byte("x"))

	fi, ok := b.GetFileInfo(context.Background(), "implicit/")
	if !ok || !fi.IsFolder {
		t.Fatalf("GetFileInfo(implicit/) = %+v, %v", fi, ok)
	}
	if _, ok := b.GetFileInfo(context.Background(), "missing/"); ok {
		t.Error("missing folder reported as existing")
	}
}

func TestBucket_DeleteInvalidatesCache(t *testing.T) {
	b, _, srv := newBucket(t)
	ctx := context.Background()
	srv.Seed("data", "a.txt", []byte("abc"))

	if _, ok := b.GetFileInfo(ctx, "a.txt"); !ok {
		t.Fatal("seeded object not found")
	}
	if !b.DeleteObject(ctx, "a.txt") {
		t.Fatal("DeleteObject failed")
	}
	if b.Exists(ctx, "a.txt") {
		t.Error("deleted object still reported from cache")
	}
}

func TestBucket_DeleteRecursiveBatches(t *testing.T) {
	b, d, srv := newBucket(t)
	for i := 0; i < 2500; i++ {
		srv.Seed("data", fmt.Sprintf("big/%04d", i), nil)
	}
	srv.Seed("data", "keep.txt", []byte("k"))

	if !b.DeleteRecursive(context.Background(), "big") {
		t.Fatal("DeleteRecursive failed")
	}
	if n := d.Calls("delete_batch"); n != 3 {
		t.Errorf("batch calls = %d, want 3", n)
	}
	if got := srv.Keys("data"); len(got) != 1 || got[0] != "keep.txt" {
		t.Errorf("remaining keys = %v", got)
	}
}

func TestBucket_DeleteRecursiveStopsOnFailure(t *testing.T) {
	b, d, srv := newBucket(t)
	for i := 0; i < 1500; i++ {
		srv.Seed("data", fmt.Sprintf("big/%04d", i), nil)
	}
	d.FailOn("delete_batch", errors.New("boom"))

	if b.DeleteRecursive(context.Background(), "big/") {
		t.Fatal("DeleteRecursive reported success")
	}
	if n := d.Calls("delete_batch"); n != 1 {
		t.Errorf("batch calls after failure = %d, want 1", n)
	}
}

func TestBucket_DeleteRecursiveRefusesRoot(t *testing.T) {
	b, d, srv := newBucket(t)
	srv.Seed("data", "a", nil)
	if b.DeleteRecursive(context.Background(), "/") {
		t.Error("root delete allowed")
	}
	if d.Calls("list") != 0 {
		t.Error("root delete listed the bucket")
	}
}

func TestBucket_FailuresAreNegativeResults(t *testing.T) {
	b, d, _ := newBucket(t)
	ctx := context.Background()
	d.FailOn("put", errors.New("access denied"))
	d.FailOn("list", errors.New("network down"))

	if b.PutObject(ctx, "x", strings.NewReader("x"), 1) {
		t.Error("PutObject succeeded despite failure")
	}
	if list := b.List(ctx, "", "/"); list != nil {
		t.Errorf("List = %v, want nil", list)
	}
}

func TestBucket_MultipartOutOfOrder(t *testing.T) {
	b, d, srv := newBucket(t)
	ctx := context.Background()

	id := b.UploadID(ctx, "big.bin")
	if id == "" {
		t.Fatal("UploadID returned empty")
	}
	if again := b.UploadID(ctx, "big.bin"); again != id {
		t.Errorf("UploadID not reused: %q vs %q", again, id)
	}
	if d.Calls("create_multipart") != 1 {
		t.Errorf("create_multipart calls = %d", d.Calls("create_multipart"))
	}

	for _, n := range []int32{3, 1, 2} {
		body := bytes.Repeat([]byte{byte('a' + n - 1)}, 4)
		if !b.UploadPart(ctx, "big.bin", id, n, bytes.NewReader(body), 4) {
			t.Fatalf("UploadPart %d failed", n)
		}
	}
	nums, ok := b.ListParts(ctx, "big.bin", id)
	if !ok || len(nums) != 3 || nums[0] != 1 || nums[2] != 3 {
		t.Fatalf("ListParts = %v, %v", nums, ok)
	}

	if b.CompleteMultipartUpload(ctx, "big.bin", id, 13) {
		t.Error("complete succeeded with wrong total size")
	}
	if !b.CompleteMultipartUpload(ctx, "big.bin", id, 12) {
		t.Fatal("CompleteMultipartUpload failed")
	}
	data, _ := srv.Object("data", "big.bin")
	if string(data) != "aaaabbbbcccc" {
		t.Errorf("assembled = %q", data)
	}
	if b.ActiveUploadID(ctx, "big.bin") != "" {
		t.Error("session still active after completion")
	}
}

func TestBucket_ActiveUploadIDRecoversFromProvider(t *testing.T) {
	srv := objstoretest.NewServer()
	first := objstore.NewBucket(objstore.BucketConfig{}, srv.Driver(objstore.PlatformS3, "data"), objstore.Options{})
	id := first.InitiateMultipartUpload(context.Background(), "resume.bin")
	first.Close()

	// A fresh bucket has an empty cache, as after a restart.
	second := objstore.NewBucket(objstore.BucketConfig{}, srv.Driver(objstore.PlatformS3, "data"), objstore.Options{})
	defer second.Close()
	if got := second.ActiveUploadID(context.Background(), "resume.bin"); got != id {
		t.Errorf("ActiveUploadID = %q, want %q", got, id)
	}
	if got := second.ActiveUploadID(context.Background(), "other.bin"); got != "" {
		t.Errorf("ActiveUploadID(other) = %q, want empty", got)
	}
}

func TestBucket_StaleSessionHintIsDropped(t *testing.T) {
	srv := objstoretest.NewServer()
	ctx := context.Background()
	a := objstore.NewBucket(objstore.BucketConfig{}, srv.Driver(objstore.PlatformS3, "data"), objstore.Options{})
	defer a.Close()
	b := objstore.NewBucket(objstore.BucketConfig{}, srv.Driver(objstore.PlatformS3, "data"), objstore.Options{})
	defer b.Close()

	id := a.UploadID(ctx, "shared.bin")
	// Another instance aborts the session a still has cached.
	b.AbortMultipartUpload(ctx, "shared.bin", b.ActiveUploadID(ctx, "shared.bin"))

	if a.UploadPart(ctx, "shared.bin", id, 1, bytes.NewReader([]byte("x")), 1) {
		t.Fatal("part accepted for an aborted session")
	}
	next := a.UploadID(ctx, "shared.bin")
	if next == "" || next == id {
		t.Fatalf("UploadID after abort = %q, want a new session", next)
	}
}

func TestBucket_AbortClearsSession(t *testing.T) {
	b, _, srv := newBucket(t)
	ctx := context.Background()
	id := b.UploadID(ctx, "k")
	b.AbortMultipartUpload(ctx, "k", id)
	if srv.Uploads() != 0 {
		t.Error("provider session not aborted")
	}
	if b.ActiveUploadID(ctx, "k") != "" {
		t.Error("cached session survived abort")
	}
}

func TestBucket_ReapSessions(t *testing.T) {
	b, _, srv := newBucket(t)
	ctx := context.Background()
	b.InitiateMultipartUpload(ctx, "stale")
	srv.AgeUploads(48 * time.Hour)
	b.InitiateMultipartUpload(ctx, "young")

	if n := b.ReapSessions(ctx); n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if srv.Uploads() != 1 {
		t.Errorf("uploads left = %d, want 1", srv.Uploads())
	}
}

func TestBucket_ReplaysNonSeekableBodies(t *testing.T) {
	b, d, srv := newBucket(t)
	d.RequireSeekable = true
	body := io.MultiReader(strings.NewReader("hel"), strings.NewReader("lo"))
	if !b.UploadFile(context.Background(), "r.txt", body, 5) {
		t.Fatal("UploadFile failed")
	}
	if data, _ := srv.Object("data", "r.txt"); string(data) != "hello" {
		t.Errorf("stored = %q", data)
	}
}

func TestBucket_CopyFolderNative(t *testing.T) {
	srv := objstoretest.NewServer()
	src := objstore.NewBucket(objstore.BucketConfig{}, srv.Driver(objstore.PlatformS3, "src"), objstore.Options{})
	defer src.Close()
	srv.Driver(objstore.PlatformS3, "dst")
	srv.Seed("src", "album/", nil)
	srv.Seed("src", "album/1.jpg", []byte("1"))
	srv.Seed("src", "album/sub/2.jpg", []byte("2"))

	copied, ok := src.CopyObject(context.Background(), "src", "album/", "dst", "backup/album/")
	if !ok {
		t.Fatal("CopyObject failed")
	}
	if len(copied) != 3 || copied[0] != "backup/album/" {
		t.Errorf("copied = %v", copied)
	}
	if data, ok := srv.Object("dst", "backup/album/sub/2.jpg"); !ok || string(data) != "2" {
		t.Errorf("nested object not copied: %q %v", data, ok)
	}
}

func TestBucket_CloseStopsAndClosesDriver(t *testing.T) {
	srv := objstoretest.NewServer()
	d := srv.Driver(objstore.PlatformLocal, "x")
	b := objstore.NewBucket(objstore.BucketConfig{}, d, objstore.Options{HousekeepingInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !d.Closed() {
		t.Error("driver not closed")
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
