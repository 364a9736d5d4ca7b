package objstore

import (
	"context"
	"io"
	"time"
)

// MaxDeleteBatch is the most keys a single batch delete may carry.
const MaxDeleteBatch = 1000

// Page is one page of a listing.
type Page struct {
	Objects  []FileInfo
	Prefixes []string // common prefixes, only with a delimiter
	Next     string   // continuation token, empty on the last page
}

// Part is one uploaded part of a multipart session.
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// Upload is an in-progress multipart session as the provider reports it.
type Upload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// Driver is the raw per-platform client. Drivers return errors (ErrNotFound
// for missing keys and uploads); Bucket applies the caching, invalidation
// and failure policy on top.
type Driver interface {
	Platform() Platform
	Bucket() string

	Head(ctx context.Context, key string) (FileInfo, error)
	ListPage(ctx context.Context, prefix, delimiter, token string) (Page, error)
	Get(ctx context.Context, key string, offset, length int64) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	// DeleteBatch removes at most MaxDeleteBatch keys.
	DeleteBatch(ctx context.Context, keys []string) error

	CreateMultipart(ctx context.Context, key string) (string, error)
	PutPart(ctx context.Context, key, uploadID string, number int32, body io.Reader, size int64) error
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	// ListUploads returns in-progress sessions whose key starts with prefix.
	ListUploads(ctx context.Context, prefix string) ([]Upload, error)

	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
	BucketExists(ctx context.Context) (bool, error)

	// SeekableBody reports whether Put and PutPart bodies must support
	// re-reading (request signing or SDK retries).
	SeekableBody() bool

	Close() error
}
