package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/metrics"
)

const (
	defaultSessionTTL           = 24 * time.Hour
	defaultHousekeepingInterval = 15 * time.Minute
)

// Options tune the shared layer around a driver.
type Options struct {
	// MemoryThreshold is the largest non-seekable body buffered in memory.
	MemoryThreshold int64
	// TempDir holds replay spool files; empty means os.TempDir.
	TempDir string
	// SessionTTL is the age after which an unfinished multipart session is
	// aborted by housekeeping.
	SessionTTL time.Duration
	// HousekeepingInterval is the period of the background task.
	HousekeepingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MemoryThreshold <= 0 {
		o.MemoryThreshold = DefaultMemoryThreshold
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = defaultSessionTTL
	}
	if o.HousekeepingInterval <= 0 {
		o.HousekeepingInterval = defaultHousekeepingInterval
	}
	return o
}

// Bucket implements Provider on top of a platform Driver. It owns the
// metadata caches, the per-object lock registry and one housekeeping
// goroutine, which Close stops.
type Bucket struct {
	driver Driver
	cfg    BucketConfig
	opts   Options
	log    *zap.Logger

	cache      *MetaCache
	locks      *LockRegistry
	completing *LockRegistry

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ Provider = (*Bucket)(nil)

// NewBucket wraps d and starts its housekeeping task.
func NewBucket(cfg BucketConfig, d Driver, opts Options) *Bucket {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bucket{
		driver:     d,
		cfg:        cfg,
		opts:       opts,
		log:        logging.L().With(logging.Provider(string(d.Platform()), d.Bucket())...),
		cache:      NewMetaCache(),
		locks:      NewLockRegistry(),
		completing: NewLockRegistry(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	metrics.ProviderOpened()
	go b.housekeeping(ctx)
	return b
}

// Platform returns the driver's platform.
func (b *Bucket) Platform() Platform { return b.driver.Platform() }

// Config returns the configuration the bucket was built from.
func (b *Bucket) Config() BucketConfig { return b.cfg }

// Name returns the native bucket name.
func (b *Bucket) Name() string { return b.driver.Bucket() }

func (b *Bucket) observe(op, key string, start time.Time, err error) bool {
	notFound := errors.Is(err, ErrNotFound)
	metrics.RecordProviderOperation(string(b.driver.Platform()), op, time.Since(start), err == nil || notFound)
	switch {
	case err == nil:
		return true
	case notFound:
		b.log.Debug("object not found", zap.String("op", op), zap.String("key", key))
	default:
		b.log.Error("provider operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	}
	return false
}

// ─── Metadata ───────────────────────────────────────────────────────────────

// GetFileInfo returns metadata for key. Folder keys without a marker object
// resolve when at least one object exists below them.
func (b *Bucket) GetFileInfo(ctx context.Context, key string) (FileInfo, bool) {
	if fi, ok := b.cache.File(key); ok {
		return fi, true
	}
	if key == "" {
		return b.rootInfo(), true
	}

	start := time.Now()
	fi, err := b.driver.Head(ctx, key)
	if errors.Is(err, ErrNotFound) && IsFolderKey(key) {
		page, lerr := b.driver.ListPage(ctx, key, "/", "")
		if lerr == nil && (len(page.Objects) > 0 || len(page.Prefixes) > 0) {
			fi, err = NewFileInfo(b.driver.Bucket(), key, 0, time.Time{}, ""), nil
		}
	}
	if !b.observe("head_object", key, start, err) {
		return FileInfo{}, false
	}
	b.cache.PutFile(fi)
	return fi, true
}

func (b *Bucket) rootInfo() FileInfo {
	return FileInfo{BucketName: b.driver.Bucket(), IsFolder: true}
}

// Exists reports whether key exists.
func (b *Bucket) Exists(ctx context.Context, key string) bool {
	_, ok := b.GetFileInfo(ctx, key)
	return ok
}

// List returns the immediate children of prefix.
func (b *Bucket) List(ctx context.Context, prefix, delimiter string) []FileInfo {
	prefix = FolderKey(prefix)
	cacheable := delimiter == "/"
	if cacheable {
		if list, ok := b.cache.List(prefix); ok {
			return list
		}
	}

	var (
		out   []FileInfo
		seen  = make(map[string]int)
		token string
	)
	add := func(fi FileInfo) {
		if fi.Key == prefix || fi.Key == "" {
			return
		}
		if i, ok := seen[fi.Key]; ok {
			// A marker and a common prefix name the same folder; keep the
			// marker's metadata.
			if !out[i].LastModified.IsZero() {
				return
			}
			out[i] = fi
			return
		}
		seen[fi.Key] = len(out)
		out = append(out, fi)
	}

	for {
		start := time.Now()
		page, err := b.driver.ListPage(ctx, prefix, delimiter, token)
		if !b.observe("list_objects", prefix, start, err) {
			return nil
		}
		for _, fi := range page.Objects {
			add(fi)
		}
		for _, p := range page.Prefixes {
			add(NewFileInfo(b.driver.Bucket(), p, 0, time.Time{}, ""))
		}
		if page.Next == "" {
			break
		}
		token = page.Next
	}

	if cacheable {
		b.cache.PutList(prefix, out)
		for _, fi := range out {
			b.cache.PutFile(fi)
		}
	}
	return out
}

// ListAll returns every descendant of prefix without a delimiter. The bool is
// false when a page could not be read, so an empty tree and a failed walk
// stay apart.
func (b *Bucket) ListAll(ctx context.Context, prefix string) ([]FileInfo, bool) {
	prefix = FolderKey(prefix)
	var (
		out   []FileInfo
		token string
	)
	for {
		start := time.Now()
		page, err := b.driver.ListPage(ctx, prefix, "", token)
		if !b.observe("list_objects_recursive", prefix, start, err) {
			return nil, false
		}
		for _, fi := range page.Objects {
			if fi.Key != prefix {
				out = append(out, fi)
			}
		}
		if page.Next == "" {
			return out, true
		}
		token = page.Next
	}
}

// GetObject opens key, optionally a byte range of it (length 0 reads to the end).
func (b *Bucket) GetObject(ctx context.Context, key string, offset, length int64) (*Object, bool) {
	start := time.Now()
	obj, err := b.driver.Get(ctx, key, offset, length)
	if !b.observe("get_object", key, start, err) {
		return nil, false
	}
	return obj, true
}

// ─── Writes ─────────────────────────────────────────────────────────────────

func (b *Bucket) replayable(body io.Reader, size int64) (io.Reader, func(), error) {
	if !b.driver.SeekableBody() {
		return body, func() {}, nil
	}
	r, err := NewReplayable(body, size, b.opts.MemoryThreshold, b.opts.TempDir)
	if err != nil {
		return nil, func() {}, err
	}
	return r, func() { r.Close() }, nil
}

func (b *Bucket) put(ctx context.Context, op, key string, body io.Reader, size int64) bool {
	start := time.Now()
	r, release, err := b.replayable(body, size)
	if err == nil {
		defer release()
		err = b.driver.Put(ctx, key, r, size)
	}
	b.cache.Invalidate(key)
	if !b.observe(op, key, start, err) {
		return false
	}
	metrics.RecordBytesUploaded(string(b.driver.Platform()), size)
	return true
}

// PutObject writes a small object in one request.
func (b *Bucket) PutObject(ctx context.Context, key string, body io.Reader, size int64) bool {
	return b.put(ctx, "put_object", key, body, size)
}

// UploadFile streams an object of any size, buffering non-seekable bodies
// when the driver needs to re-read them.
func (b *Bucket) UploadFile(ctx context.Context, key string, body io.Reader, size int64) bool {
	return b.put(ctx, "upload_file", key, body, size)
}

// Mkdir creates a folder marker. Existing markers are returned unchanged; a
// folder that only exists implicitly, through objects below it, gets one so
// it outlives its last child.
func (b *Bucket) Mkdir(ctx context.Context, key string) (FileInfo, bool) {
	key = FolderKey(key)
	if key == "" {
		return b.rootInfo(), true
	}
	if fi, ok := b.GetFileInfo(ctx, key); ok {
		if !fi.LastModified.IsZero() {
			return fi, true
		}
		// Implicit folders carry no modification time; HEAD tells whether
		// a marker was written meanwhile.
		if fi, err := b.driver.Head(ctx, key); err == nil {
			b.cache.PutFile(fi)
			return fi, true
		}
	}

	start := time.Now()
	err := b.driver.Put(ctx, key, bytes.NewReader(nil), 0)
	b.cache.Invalidate(key)
	if !b.observe("mkdir", key, start, err) {
		return FileInfo{}, false
	}
	fi := NewFileInfo(b.driver.Bucket(), key, 0, time.Now(), "")
	b.cache.PutFile(fi)
	return fi, true
}

// DeleteObject removes a single key.
func (b *Bucket) DeleteObject(ctx context.Context, key string) bool {
	start := time.Now()
	err := b.driver.Delete(ctx, key)
	b.cache.Invalidate(key)
	return b.observe("delete_object", key, start, err)
}

// DeleteRecursive removes prefix and everything below it, MaxDeleteBatch
// keys per request. It stops at the first failed batch.
func (b *Bucket) DeleteRecursive(ctx context.Context, prefix string) bool {
	prefix = FolderKey(prefix)
	if prefix == "" {
		b.log.Warn("refusing recursive delete of bucket root")
		return false
	}

	ctx, unlock, err := b.Lock(ctx, prefix)
	if err != nil {
		return b.observe("delete_recursive", prefix, time.Now(), err)
	}
	defer unlock()
	defer b.cache.Invalidate(prefix)

	var (
		pending []string
		folders []string
		token   string
	)
	flush := func(n int) bool {
		batch := pending[:n]
		start := time.Now()
		err := b.driver.DeleteBatch(ctx, batch)
		if !b.observe("delete_batch", prefix, start, err) {
			return false
		}
		pending = pending[n:]
		return true
	}

	for {
		start := time.Now()
		page, err := b.driver.ListPage(ctx, prefix, "", token)
		if !b.observe("list_objects_recursive", prefix, start, err) {
			return false
		}
		for _, fi := range page.Objects {
			// Folder keys go last: on a filesystem a directory can only be
			// removed once everything below it is gone.
			if IsFolderKey(fi.Key) {
				folders = append(folders, fi.Key)
				continue
			}
			pending = append(pending, fi.Key)
		}
		for len(pending) >= MaxDeleteBatch {
			if !flush(MaxDeleteBatch) {
				return false
			}
		}
		if page.Next == "" {
			break
		}
		token = page.Next
	}

	sortDeepestFirst(folders)
	pending = append(pending, folders...)
	for len(pending) > 0 {
		if !flush(min(len(pending), MaxDeleteBatch)) {
			return false
		}
	}
	return true
}

// sortDeepestFirst orders keys so every key precedes its parent folders.
func sortDeepestFirst(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i], "/"), strings.Count(keys[j], "/")
		if di != dj {
			return di > dj
		}
		return keys[i] > keys[j]
	})
}

// ─── Multipart ──────────────────────────────────────────────────────────────

// InitiateMultipartUpload starts a new session and remembers it.
func (b *Bucket) InitiateMultipartUpload(ctx context.Context, key string) string {
	start := time.Now()
	id, err := b.driver.CreateMultipart(ctx, key)
	if !b.observe("create_multipart_upload", key, start, err) {
		return ""
	}
	b.cache.PutUpload(key, id)
	b.log.Info("multipart upload initiated", zap.String("key", key), zap.String("upload_id", id))
	return id
}

// ActiveUploadID returns the session for key from the cache, falling back to
// the provider's list of in-progress uploads. It never creates a session.
func (b *Bucket) ActiveUploadID(ctx context.Context, key string) string {
	if s, ok := b.cache.Upload(key); ok {
		return s.UploadID
	}
	start := time.Now()
	uploads, err := b.driver.ListUploads(ctx, key)
	if !b.observe("list_multipart_uploads", key, start, err) {
		return ""
	}
	var latest Upload
	for _, u := range uploads {
		if u.Key == key && (latest.UploadID == "" || u.Initiated.After(latest.Initiated)) {
			latest = u
		}
	}
	if latest.UploadID != "" {
		b.cache.PutUpload(key, latest.UploadID)
	}
	return latest.UploadID
}

// UploadID returns the active session for key, initiating one if none exists.
// Concurrent first parts of one key share a single session.
func (b *Bucket) UploadID(ctx context.Context, key string) string {
	if id := b.ActiveUploadID(ctx, key); id != "" {
		return id
	}
	ctx, unlock, err := b.completing.Lock(ctx, key)
	if err != nil {
		b.observe("create_multipart_upload", key, time.Now(), err)
		return ""
	}
	defer unlock()
	if s, ok := b.cache.Upload(key); ok {
		return s.UploadID
	}
	return b.InitiateMultipartUpload(ctx, key)
}

// UploadPart uploads one part. Parts of the same object may be sent
// concurrently; no lock is taken.
func (b *Bucket) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) bool {
	start := time.Now()
	r, release, err := b.replayable(body, size)
	if err == nil {
		defer release()
		err = b.driver.PutPart(ctx, key, uploadID, partNumber, r, size)
	}
	if !b.observe("upload_part", key, start, err) {
		b.forgetSession(key, uploadID, err)
		return false
	}
	metrics.RecordBytesUploaded(string(b.driver.Platform()), size)
	return true
}

// ListParts returns the part numbers the provider holds for the session,
// in ascending order.
func (b *Bucket) ListParts(ctx context.Context, key, uploadID string) ([]int32, bool) {
	start := time.Now()
	parts, err := b.driver.ListParts(ctx, key, uploadID)
	if !b.observe("list_parts", key, start, err) {
		b.forgetSession(key, uploadID, err)
		return nil, false
	}
	nums := make([]int32, 0, len(parts))
	for _, p := range parts {
		nums = append(nums, p.Number)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, true
}

// forgetSession drops the cached session hint once the provider no longer
// knows the upload, e.g. after another instance completed or aborted it.
func (b *Bucket) forgetSession(key, uploadID string, err error) {
	if errors.Is(err, ErrNotFound) {
		b.cache.DropUpload(key, uploadID)
	}
}

// AbortMultipartUpload discards the session. Local state is cleared even
// when the provider call fails.
func (b *Bucket) AbortMultipartUpload(ctx context.Context, key, uploadID string) {
	defer b.cache.DropUpload(key, "")
	if uploadID == "" {
		return
	}
	start := time.Now()
	err := b.driver.AbortMultipart(ctx, key, uploadID)
	if b.observe("abort_multipart_upload", key, start, err) {
		metrics.RecordMultipart(string(b.driver.Platform()), "aborted")
	}
}

// CompleteMultipartUpload assembles the session's parts in part-number
// order. Calls for the same key are serialized.
func (b *Bucket) CompleteMultipartUpload(ctx context.Context, key, uploadID string, totalSize int64) bool {
	ctx, unlock, err := b.completing.Lock(ctx, key)
	if err != nil {
		return b.observe("complete_multipart_upload", key, time.Now(), err)
	}
	defer unlock()

	start := time.Now()
	parts, err := b.driver.ListParts(ctx, key, uploadID)
	if !b.observe("list_parts", key, start, err) {
		return false
	}
	if len(parts) == 0 {
		b.log.Warn("multipart upload has no parts", zap.String("key", key), zap.String("upload_id", uploadID))
		return false
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	var sum int64
	for _, p := range parts {
		sum += p.Size
	}
	if totalSize > 0 && sum != totalSize {
		b.log.Error("multipart size mismatch",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.Int64("expected", totalSize),
			zap.Int64("actual", sum))
		return false
	}

	start = time.Now()
	err = b.driver.CompleteMultipart(ctx, key, uploadID, parts)
	b.cache.Invalidate(key)
	if !b.observe("complete_multipart_upload", key, start, err) {
		return false
	}
	b.cache.DropUpload(key, uploadID)
	metrics.RecordMultipart(string(b.driver.Platform()), "completed")
	b.log.Info("multipart upload completed",
		zap.String("key", key),
		zap.String("upload_id", uploadID),
		zap.Int("parts", len(parts)),
		zap.Int64("size", sum))
	return true
}

// ─── Copy, presign, misc ────────────────────────────────────────────────────

// CopyObject copies natively. For folder keys every object below srcKey is
// copied to the same relative key below dstKey; the first failure stops it.
func (b *Bucket) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) ([]string, bool) {
	sameBucket := dstBucket == b.driver.Bucket()
	copyOne := func(src, dst string) bool {
		start := time.Now()
		err := b.driver.Copy(ctx, srcBucket, src, dstBucket, dst)
		if sameBucket {
			b.cache.Invalidate(dst)
		}
		if !b.observe("copy_object", src, start, err) {
			return false
		}
		metrics.RecordCopyObject("native")
		return true
	}

	if !IsFolderKey(srcKey) {
		if !copyOne(srcKey, dstKey) {
			return nil, false
		}
		return []string{dstKey}, true
	}

	dstKey = FolderKey(dstKey)
	var copied []string
	sawMarker := false
	children, ok := b.ListAll(ctx, srcKey)
	if !ok {
		return nil, false
	}
	for _, fi := range children {
		dst := dstKey + strings.TrimPrefix(fi.Key, srcKey)
		if !copyOne(fi.Key, dst) {
			return copied, false
		}
		copied = append(copied, dst)
	}
	if fi, ok := b.GetFileInfo(ctx, srcKey); ok && !fi.LastModified.IsZero() {
		sawMarker = copyOne(srcKey, dstKey)
	}
	if sawMarker {
		copied = append([]string{dstKey}, copied...)
	}
	if sameBucket {
		b.cache.Invalidate(dstKey)
	}
	return copied, len(copied) > 0
}

// PresignedURL returns a time-limited GET URL, or "" when unsupported.
func (b *Bucket) PresignedURL(ctx context.Context, key string, expiry time.Duration) string {
	start := time.Now()
	url, err := b.driver.Presign(ctx, key, expiry)
	if !b.observe("presign", key, start, err) {
		return ""
	}
	return url
}

// BucketExists checks the configured bucket is reachable.
func (b *Bucket) BucketExists(ctx context.Context) bool {
	start := time.Now()
	ok, err := b.driver.BucketExists(ctx)
	return b.observe("head_bucket", "", start, err) && ok
}

// Lock acquires the per-object lock for key.
func (b *Bucket) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	return b.locks.Lock(ctx, key)
}

// Locked reports whether key or one of its parent folders is locked by
// someone other than the holder recorded in ctx.
func (b *Bucket) Locked(ctx context.Context, key string) bool {
	for k := key; k != ""; k = ParentKey(k) {
		if b.locks.HeldByOther(ctx, k) {
			return true
		}
	}
	return false
}

// ClearCache drops cached metadata for key.
func (b *Bucket) ClearCache(key string) {
	b.cache.Invalidate(key)
}

// Close stops housekeeping and releases the driver.
func (b *Bucket) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
		b.cache.Reset()
		err = b.driver.Close()
		metrics.ProviderClosed()
		b.log.Info("provider closed")
	})
	return err
}

// ─── Housekeeping ───────────────────────────────────────────────────────────

func (b *Bucket) housekeeping(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reapSessions(ctx)
		}
	}
}

// reapSessions aborts multipart sessions older than SessionTTL, both the
// ones this process remembers and the ones only the provider knows about.
func (b *Bucket) reapSessions(ctx context.Context) int {
	cutoff := time.Now().Add(-b.opts.SessionTTL)
	stale := b.cache.StaleUploads(cutoff)

	start := time.Now()
	uploads, err := b.driver.ListUploads(ctx, "")
	if b.observe("list_multipart_uploads", "", start, err) {
		for _, u := range uploads {
			if !u.Initiated.IsZero() && u.Initiated.Before(cutoff) {
				stale[u.Key] = u.UploadID
			}
		}
	}

	reaped := 0
	for key, id := range stale {
		unlock, ok := b.completing.TryLock(key)
		if !ok {
			continue
		}
		start := time.Now()
		err := b.driver.AbortMultipart(ctx, key, id)
		unlock()
		b.cache.DropUpload(key, id)
		if b.observe("abort_multipart_upload", key, start, err) || errors.Is(err, ErrNotFound) {
			metrics.RecordMultipart(string(b.driver.Platform()), "reaped")
			reaped++
		}
	}
	if reaped > 0 {
		b.log.Info("reaped stale multipart uploads", zap.Int("count", reaped))
	}
	return reaped
}
