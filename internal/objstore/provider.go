// Package objstore defines the provider-agnostic object storage contract and
// the shared directory emulation, caching and locking layer every platform
// driver is wrapped in.
package objstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by drivers when a key or upload does not exist.
var ErrNotFound = errors.New("object not found")

// Platform identifies an object storage back-end.
type Platform string

const (
	PlatformS3    Platform = "s3"
	PlatformMinIO Platform = "minio"
	PlatformLocal Platform = "local"
)

// PlatformOption is one entry of PlatformList.
type PlatformOption struct {
	Value Platform `json:"value"`
	Label string   `json:"label"`
}

var platforms = []PlatformOption{
	{Value: PlatformS3, Label: "Amazon S3"},
	{Value: PlatformMinIO, Label: "MinIO"},
	{Value: PlatformLocal, Label: "Local Disk"},
}

// PlatformList returns the supported platforms for configuration UIs.
func PlatformList() []PlatformOption {
	out := make([]PlatformOption, len(platforms))
	copy(out, platforms)
	return out
}

// ParsePlatform validates a platform identifier.
func ParsePlatform(s string) (Platform, bool) {
	for _, p := range platforms {
		if strings.EqualFold(string(p.Value), s) {
			return p.Value, true
		}
	}
	return "", false
}

// BucketConfig describes one mounted bucket. A live Bucket never sees its
// config change; a new config means a new Bucket.
type BucketConfig struct {
	ID         string   `json:"id" yaml:"id"`
	Username   string   `json:"username" yaml:"username"`
	FolderName string   `json:"folder_name" yaml:"folder_name"`
	Platform   Platform `json:"platform" yaml:"platform"`
	Endpoint   string   `json:"endpoint" yaml:"endpoint"`
	Region     string   `json:"region" yaml:"region"`
	AccessKey  string   `json:"access_key" yaml:"access_key"`
	SecretKey  string   `json:"secret_key" yaml:"secret_key"`
	Bucket     string   `json:"bucket" yaml:"bucket"`
	UseSSL     bool     `json:"use_ssl" yaml:"use_ssl"`
}

// MountPrefix is the virtual path under which the bucket appears.
func (c BucketConfig) MountPrefix() string {
	return "/" + strings.Trim(c.Username, "/") + "/" + strings.Trim(c.FolderName, "/")
}

// Masked returns a copy safe to hand to clients.
func (c BucketConfig) Masked() BucketConfig {
	c.AccessKey = mask(c.AccessKey)
	c.SecretKey = mask(c.SecretKey)
	return c
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// FileInfo describes one object or emulated folder.
type FileInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
	BucketName   string    `json:"bucket_name"`
	IsFolder     bool      `json:"is_folder"`
}

// NewFileInfo builds a FileInfo, deriving IsFolder from the key.
func NewFileInfo(bucket, key string, size int64, modified time.Time, etag string) FileInfo {
	return FileInfo{
		Key:          key,
		Size:         size,
		LastModified: modified,
		ETag:         strings.Trim(etag, `"`),
		BucketName:   bucket,
		IsFolder:     IsFolderKey(key),
	}
}

// Name is the last path element of the key, without a trailing slash.
func (f FileInfo) Name() string {
	return BaseName(f.Key)
}

// Object is an open object body plus its metadata.
type Object struct {
	Info FileInfo
	// ContentLength is the number of bytes Body will yield, which differs
	// from Info.Size for range reads.
	ContentLength int64
	Body          io.ReadCloser
}

// Close releases the body.
func (o *Object) Close() error {
	if o == nil || o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// Provider is the uniform object storage contract. Transport and auth
// failures are logged by the implementation and reported as negative
// results (false, empty, nil), never as errors.
type Provider interface {
	Platform() Platform
	Config() BucketConfig

	GetFileInfo(ctx context.Context, key string) (FileInfo, bool)
	Exists(ctx context.Context, key string) bool
	// List returns the immediate children of prefix. Deeper keys are rolled
	// up into one folder entry per common prefix. prefix itself is never
	// returned.
	List(ctx context.Context, prefix, delimiter string) []FileInfo
	// ListAll returns every descendant of prefix, folders included. It
	// reports false when the listing failed part way.
	ListAll(ctx context.Context, prefix string) ([]FileInfo, bool)
	GetObject(ctx context.Context, key string, offset, length int64) (*Object, bool)

	PutObject(ctx context.Context, key string, body io.Reader, size int64) bool
	UploadFile(ctx context.Context, key string, body io.Reader, size int64) bool
	Mkdir(ctx context.Context, key string) (FileInfo, bool)
	DeleteObject(ctx context.Context, key string) bool
	DeleteRecursive(ctx context.Context, prefix string) bool

	InitiateMultipartUpload(ctx context.Context, key string) string
	// ActiveUploadID looks up an in-progress session without creating one.
	ActiveUploadID(ctx context.Context, key string) string
	// UploadID returns the cached session for key, initiating one if needed.
	UploadID(ctx context.Context, key string) string
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) bool
	ListParts(ctx context.Context, key, uploadID string) ([]int32, bool)
	AbortMultipartUpload(ctx context.Context, key, uploadID string)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, totalSize int64) bool

	// CopyObject copies natively between buckets of the same platform and
	// returns the destination keys written. Folder keys copy recursively.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) ([]string, bool)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) string
	BucketExists(ctx context.Context) bool

	// Lock serializes structural operations on key. The returned context
	// marks key as held so nested calls with it do not deadlock.
	Lock(ctx context.Context, key string) (context.Context, func(), error)
	// Locked reports whether key or one of its parent folders is held by an
	// operation other than the one ctx belongs to.
	Locked(ctx context.Context, key string) bool
	ClearCache(key string)

	Close() error
}

// IsFolderKey reports whether key is a folder marker.
func IsFolderKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// FolderKey normalizes key to end with a single slash. The empty key is the
// bucket root and stays empty.
func FolderKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return ""
	}
	return strings.TrimRight(key, "/") + "/"
}

// ParentKey returns the prefix that lists key as a child ("" for top level).
func ParentKey(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

// BaseName returns the last element of key without a trailing slash.
func BaseName(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}
