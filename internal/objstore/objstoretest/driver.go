// Package objstoretest provides an in-memory objstore.Driver for tests.
//
// A Server holds any number of buckets; every Driver created from the same
// Server can copy natively between them, like two buckets of one account.
// Drivers count calls per operation and accept injected failures and hooks.
package objstoretest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/objstore/internal/objstore"
)

type object struct {
	data     []byte
	modified time.Time
	etag     string
}

type upload struct {
	bucket    string
	key       string
	parts     map[int32][]byte
	initiated time.Time
}

// Server is a shared in-memory object store.
type Server struct {
	mu      sync.Mutex
	buckets map[string]map[string]*object
	uploads map[string]*upload
	nextID  int
}

// NewServer creates an empty store.
func NewServer() *Server {
	return &Server{
		buckets: make(map[string]map[string]*object),
		uploads: make(map[string]*upload),
	}
}

// Driver returns a driver for bucket, creating the bucket if needed.
func (s *Server) Driver(platform objstore.Platform, bucket string) *Driver {
	s.mu.Lock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]*object)
	}
	s.mu.Unlock()
	return &Driver{
		srv:      s,
		platform: platform,
		bucket:   bucket,
		PageSize: 1000,
		calls:    make(map[string]int),
		fail:     make(map[string]error),
		hooks:    make(map[string]func(key string)),
	}
}

// Object returns the stored bytes of key.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// ETag returns the stored etag of key.
func (s *Server) ETag(bucket, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.buckets[bucket][key]; ok {
		return o.etag
	}
	return ""
}

// Keys returns every key in bucket, sorted.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seed stores data under key without counting a call.
func (s *Server) Seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]*object)
	}
	s.buckets[bucket][key] = newObject(data)
}

// Uploads returns the number of in-progress multipart sessions.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// AgeUploads shifts every session's start time back by d.
func (s *Server) AgeUploads(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.uploads {
		u.initiated = u.initiated.Add(-d)
	}
}

func newObject(data []byte) *object {
	sum := md5.Sum(data)
	return &object{data: data, modified: time.Now(), etag: hex.EncodeToString(sum[:])}
}

// Driver implements objstore.Driver over a Server bucket.
type Driver struct {
	srv      *Server
	platform objstore.Platform
	bucket   string

	// PageSize limits entries per ListPage call.
	PageSize int
	// RequireSeekable makes Put and PutPart reject non-seekable bodies.
	RequireSeekable bool

	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]error
	hooks  map[string]func(key string)
	closed bool
}

var _ objstore.Driver = (*Driver)(nil)

// Calls returns how often op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// FailOn makes op return err until cleared with a nil err.
func (d *Driver) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
		return
	}
	d.fail[op] = err
}

// Hook runs fn with the key before op executes.
func (d *Driver) Hook(op string, fn func(key string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[op] = fn
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) enter(op, key string) error {
	d.mu.Lock()
	d.calls[op]++
	err := d.fail[op]
	hook := d.hooks[op]
	d.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return err
}

func (d *Driver) Platform() objstore.Platform { return d.platform }

func (d *Driver) Bucket() string { return d.bucket }

func (d *Driver) info(key string, o *object) objstore.FileInfo {
	return objstore.NewFileInfo(d.bucket, key, int64(len(o.data)), o.modified, o.etag)
}

func (d *Driver) Head(_ context.Context, key string) (objstore.FileInfo, error) {
	if err := d.enter("head", key); err != nil {
		return objstore.FileInfo{}, err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	o, ok := d.srv.buckets[d.bucket][key]
	if !ok {
		return objstore.FileInfo{}, objstore.ErrNotFound
	}
	return d.info(key, o), nil
}

func (d *Driver) ListPage(_ context.Context, prefix, delimiter, token string) (objstore.Page, error) {
	if err := d.enter("list", prefix); err != nil {
		return objstore.Page{}, err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	type entry struct {
		name   string
		prefix bool
	}
	var entries []entry
	seen := make(map[string]bool)
	for k := range d.srv.buckets[d.bucket] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delimiter != "" {
			rest := k[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{name: cp, prefix: true})
				}
				continue
			}
		}
		entries = append(entries, entry{name: k})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	// The token is the last name returned, so deletes between pages do not
	// shift the listing.
	offset := 0
	if token != "" {
		offset = sort.Search(len(entries), func(i int) bool { return entries[i].name > token })
	}
	end := len(entries)
	if d.PageSize > 0 && offset+d.PageSize < end {
		end = offset + d.PageSize
	}

	var page objstore.Page
	for _, e := range entries[offset:end] {
		if e.prefix {
			page.Prefixes = append(page.Prefixes, e.name)
			continue
		}
		page.Objects = append(page.Objects, d.info(e.name, d.srv.buckets[d.bucket][e.name]))
	}
	if end < len(entries) {
		page.Next = entries[end-1].name
	}
	return page, nil
}

func (d *Driver) Get(_ context.Context, key string, offset, length int64) (*objstore.Object, error) {
	if err := d.enter("get", key); err != nil {
		return nil, err
	}
	d.srv.mu.Lock()
	o, ok := d.srv.buckets[d.bucket][key]
	d.srv.mu.Unlock()
	if !ok {
		return nil, objstore.ErrNotFound
	}
	data := o.data
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return &objstore.Object{
		Info:          d.info(key, o),
		ContentLength: int64(len(data)),
		Body:          io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (d *Driver) read(body io.Reader, size int64) ([]byte, error) {
	if d.RequireSeekable {
		if _, ok := body.(io.Seeker); !ok {
			return nil, fmt.Errorf("body is not seekable")
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: got %d, want %d", len(data), size)
	}
	return data, nil
}

func (d *Driver) Put(_ context.Context, key string, body io.Reader, size int64) error {
	if err := d.enter("put", key); err != nil {
		return err
	}
	data, err := d.read(body, size)
	if err != nil {
		return err
	}
	d.srv.mu.Lock()
	d.srv.buckets[d.bucket][key] = newObject(data)
	d.srv.mu.Unlock()
	return nil
}

func (d *Driver) Delete(_ context.Context, key string) error {
	if err := d.enter("delete", key); err != nil {
		return err
	}
	d.srv.mu.Lock()
	delete(d.srv.buckets[d.bucket], key)
	d.srv.mu.Unlock()
	return nil
}

func (d *Driver) DeleteBatch(_ context.Context, keys []string) error {
	if len(keys) > objstore.MaxDeleteBatch {
		return fmt.Errorf("batch of %d keys exceeds limit", len(keys))
	}
	if err := d.enter("delete_batch", strings.Join(keys, ",")); err != nil {
		return err
	}
	d.srv.mu.Lock()
	for _, k := range keys {
		delete(d.srv.buckets[d.bucket], k)
	}
	d.srv.mu.Unlock()
	return nil
}

func (d *Driver) CreateMultipart(_ context.Context, key string) (string, error) {
	if err := d.enter("create_multipart", key); err != nil {
		return "", err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	d.srv.nextID++
	id := fmt.Sprintf("upload-%d", d.srv.nextID)
	d.srv.uploads[id] = &upload{bucket: d.bucket, key: key, parts: make(map[int32][]byte), initiated: time.Now()}
	return id, nil
}

func (d *Driver) session(key, uploadID string) (*upload, error) {
	u, ok := d.srv.uploads[uploadID]
	if !ok || u.key != key || u.bucket != d.bucket {
		return nil, objstore.ErrNotFound
	}
	return u, nil
}

func (d *Driver) PutPart(_ context.Context, key, uploadID string, number int32, body io.Reader, size int64) error {
	if err := d.enter("put_part", key); err != nil {
		return err
	}
	data, err := d.read(body, size)
	if err != nil {
		return err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	u, err := d.session(key, uploadID)
	if err != nil {
		return err
	}
	u.parts[number] = data
	return nil
}

func (d *Driver) ListParts(_ context.Context, key, uploadID string) ([]objstore.Part, error) {
	if err := d.enter("list_parts", key); err != nil {
		return nil, err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	u, err := d.session(key, uploadID)
	if err != nil {
		return nil, err
	}
	parts := make([]objstore.Part, 0, len(u.parts))
	for n, data := range u.parts {
		sum := md5.Sum(data)
		parts = append(parts, objstore.Part{Number: n, ETag: hex.EncodeToString(sum[:]), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

func (d *Driver) CompleteMultipart(_ context.Context, key, uploadID string, parts []objstore.Part) error {
	if err := d.enter("complete", key); err != nil {
		return err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	u, err := d.session(key, uploadID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := u.parts[p.Number]
		if !ok {
			return fmt.Errorf("part %d not uploaded", p.Number)
		}
		buf.Write(data)
	}
	d.srv.buckets[d.bucket][key] = newObject(buf.Bytes())
	delete(d.srv.uploads, uploadID)
	return nil
}

func (d *Driver) AbortMultipart(_ context.Context, key, uploadID string) error {
	if err := d.enter("abort", key); err != nil {
		return err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	if _, err := d.session(key, uploadID); err != nil {
		return err
	}
	delete(d.srv.uploads, uploadID)
	return nil
}

func (d *Driver) ListUploads(_ context.Context, prefix string) ([]objstore.Upload, error) {
	if err := d.enter("list_uploads", prefix); err != nil {
		return nil, err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	var out []objstore.Upload
	for id, u := range d.srv.uploads {
		if u.bucket == d.bucket && strings.HasPrefix(u.key, prefix) {
			out = append(out, objstore.Upload{Key: u.key, UploadID: id, Initiated: u.initiated})
		}
	}
	return out, nil
}

func (d *Driver) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := d.enter("copy", srcKey); err != nil {
		return err
	}
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	o, ok := d.srv.buckets[srcBucket][srcKey]
	if !ok {
		return objstore.ErrNotFound
	}
	dst, ok := d.srv.buckets[dstBucket]
	if !ok {
		return fmt.Errorf("no such bucket %q", dstBucket)
	}
	dst[dstKey] = newObject(append([]byte(nil), o.data...))
	return nil
}

func (d *Driver) Presign(_ context.Context, key string, expiry time.Duration) (string, error) {
	if err := d.enter("presign", key); err != nil {
		return "", err
	}
	return fmt.Sprintf("mem://%s/%s?expires=%d", d.bucket, key, int(expiry.Seconds())), nil
}

func (d *Driver) BucketExists(_ context.Context) (bool, error) {
	if err := d.enter("head_bucket", ""); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) SeekableBody() bool { return d.RequireSeekable }

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
