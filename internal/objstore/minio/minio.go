// Package minio provides an objstore.Driver for MinIO using minio-go.
package minio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fruitsalade/objstore/internal/objstore"
)

// Driver implements objstore.Driver with a MinIO client. Multipart calls go
// through minio.Core, which exposes the low-level S3 API.
type Driver struct {
	client *minio.Client
	core   *minio.Core
	bucket string
}

var _ objstore.Driver = (*Driver)(nil)

// New connects to cfg.Endpoint. A scheme prefix on the endpoint overrides
// UseSSL.
func New(cfg objstore.BucketConfig) (*Driver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}

	client, err := minio.New(strings.TrimSuffix(endpoint, "/"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *minio.Client, bucket string) *Driver {
	return &Driver{client: client, core: &minio.Core{Client: client}, bucket: bucket}
}

func (d *Driver) Platform() objstore.Platform { return objstore.PlatformMinIO }

func (d *Driver) Bucket() string { return d.bucket }

// translate maps MinIO not-found responses to objstore.ErrNotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchUpload", "NotFound":
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	}
	return fmt.Errorf("minio: %w", err)
}

func (d *Driver) fileInfo(o minio.ObjectInfo) objstore.FileInfo {
	return objstore.NewFileInfo(d.bucket, o.Key, o.Size, o.LastModified, o.ETag)
}

func (d *Driver) Head(ctx context.Context, key string) (objstore.FileInfo, error) {
	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return objstore.FileInfo{}, translate(err)
	}
	return d.fileInfo(info), nil
}

// ListPage drains the client's listing channel into a single page; minio-go
// follows continuation tokens internally.
func (d *Driver) ListPage(ctx context.Context, prefix, delimiter, _ string) (objstore.Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var page objstore.Page
	for object := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: delimiter == "",
	}) {
		if object.Err != nil {
			return objstore.Page{}, translate(object.Err)
		}
		// Common prefixes arrive as bare folder keys without metadata.
		if delimiter != "" && strings.HasSuffix(object.Key, "/") && object.LastModified.IsZero() {
			page.Prefixes = append(page.Prefixes, object.Key)
			continue
		}
		page.Objects = append(page.Objects, d.fileInfo(object))
	}
	return page, nil
}

func (d *Driver) Get(ctx context.Context, key string, offset, length int64) (*objstore.Object, error) {
	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}

	opts := minio.GetObjectOptions{}
	switch {
	case length > 0:
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, err
		}
	case offset > 0:
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, err
		}
	}
	obj, err := d.client.GetObject(ctx, d.bucket, key, opts)
	if err != nil {
		return nil, translate(err)
	}

	n := info.Size - offset
	if n < 0 {
		n = 0
	}
	if length > 0 && length < n {
		n = length
	}
	return &objstore.Object{Info: d.fileInfo(info), ContentLength: n, Body: obj}, nil
}

func (d *Driver) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := d.client.PutObject(ctx, d.bucket, key, body, size, minio.PutObjectOptions{})
	if err != nil {
		return translate(err)
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	return translate(d.client.RemoveObject(ctx, d.bucket, key, minio.RemoveObjectOptions{}))
}

func (d *Driver) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > objstore.MaxDeleteBatch {
		return fmt.Errorf("batch of %d keys exceeds limit %d", len(keys), objstore.MaxDeleteBatch)
	}
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)

	var (
		failed int
		first  minio.RemoveObjectError
	)
	for rerr := range d.client.RemoveObjects(ctx, d.bucket, objects, minio.RemoveObjectsOptions{}) {
		if failed == 0 {
			first = rerr
		}
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("remove objects: %d failed, first %s: %w", failed, first.ObjectName, first.Err)
	}
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

func (d *Driver) CreateMultipart(ctx context.Context, key string) (string, error) {
	id, err := d.core.NewMultipartUpload(ctx, d.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return "", translate(err)
	}
	return id, nil
}

func (d *Driver) PutPart(ctx context.Context, key, uploadID string, number int32, body io.Reader, size int64) error {
	_, err := d.core.PutObjectPart(ctx, d.bucket, key, uploadID, int(number), body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return translate(err)
	}
	return nil
}

func (d *Driver) ListParts(ctx context.Context, key, uploadID string) ([]objstore.Part, error) {
	var (
		parts  []objstore.Part
		marker int
	)
	for {
		res, err := d.core.ListObjectParts(ctx, d.bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, translate(err)
		}
		for _, p := range res.ObjectParts {
			parts = append(parts, objstore.Part{Number: int32(p.PartNumber), ETag: p.ETag, Size: p.Size})
		}
		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (d *Driver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objstore.Part) error {
	complete := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		complete[i] = minio.CompletePart{PartNumber: int(p.Number), ETag: p.ETag}
	}
	_, err := d.core.CompleteMultipartUpload(ctx, d.bucket, key, uploadID, complete, minio.PutObjectOptions{})
	return translate(err)
}

func (d *Driver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return translate(d.core.AbortMultipartUpload(ctx, d.bucket, key, uploadID))
}

func (d *Driver) ListUploads(ctx context.Context, prefix string) ([]objstore.Upload, error) {
	var (
		uploads           []objstore.Upload
		keyMarker, idMark string
	)
	for {
		res, err := d.core.ListMultipartUploads(ctx, d.bucket, prefix, keyMarker, idMark, "", 1000)
		if err != nil {
			return nil, translate(err)
		}
		for _, u := range res.Uploads {
			uploads = append(uploads, objstore.Upload{Key: u.Key, UploadID: u.UploadID, Initiated: u.Initiated})
		}
		if !res.IsTruncated {
			return uploads, nil
		}
		keyMarker, idMark = res.NextKeyMarker, res.NextUploadIDMarker
	}
}

// ─── Copy, presign, misc ────────────────────────────────────────────────────

func (d *Driver) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := d.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	return translate(err)
}

func (d *Driver) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := d.client.PresignedGetObject(ctx, d.bucket, key, expiry, nil)
	if err != nil {
		return "", translate(err)
	}
	return u.String(), nil
}

func (d *Driver) BucketExists(ctx context.Context) (bool, error) {
	ok, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// SeekableBody is false: minio-go streams unknown-length bodies itself.
func (d *Driver) SeekableBody() bool { return false }

// Close is a no-op; the client uses a shared HTTP transport.
func (d *Driver) Close() error { return nil }
