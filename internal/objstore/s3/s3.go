// Package s3 provides an objstore.Driver for Amazon S3 and S3-compatible
// services using the AWS SDK v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fruitsalade/objstore/internal/objstore"
)

// Driver implements objstore.Driver with an S3 client.
type Driver struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var _ objstore.Driver = (*Driver)(nil)

// endpointURL adds a scheme to bare host:port endpoints.
func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// New builds a client for cfg. An empty endpoint targets AWS itself.
func New(ctx context.Context, cfg objstore.BucketConfig) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	if ep := endpointURL(cfg.Endpoint, cfg.UseSSL); ep != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               ep,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})
	return &Driver{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (d *Driver) Platform() objstore.Platform { return objstore.PlatformS3 }

func (d *Driver) Bucket() string { return d.bucket }

// classify maps S3 not-found responses to objstore.ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
		}
	}
	return err
}

func (d *Driver) Head(ctx context.Context, key string) (objstore.FileInfo, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objstore.FileInfo{}, classify(fmt.Errorf("head object %s: %w", key, err))
	}
	return objstore.NewFileInfo(d.bucket, key,
		aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified), aws.ToString(out.ETag)), nil
}

func (d *Driver) ListPage(ctx context.Context, prefix, delimiter, token string) (objstore.Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := d.client.ListObjectsV2(ctx, input)
	if err != nil {
		return objstore.Page{}, classify(fmt.Errorf("list objects %s: %w", prefix, err))
	}

	page := objstore.Page{
		Objects:  make([]objstore.FileInfo, 0, len(out.Contents)),
		Prefixes: make([]string, 0, len(out.CommonPrefixes)),
	}
	for _, o := range out.Contents {
		page.Objects = append(page.Objects, objstore.NewFileInfo(d.bucket,
			aws.ToString(o.Key), aws.ToInt64(o.Size), aws.ToTime(o.LastModified), aws.ToString(o.ETag)))
	}
	for _, p := range out.CommonPrefixes {
		page.Prefixes = append(page.Prefixes, aws.ToString(p.Prefix))
	}
	if aws.ToBool(out.IsTruncated) {
		page.Next = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (d *Driver) Get(ctx context.Context, key string, offset, length int64) (*objstore.Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 || length > 0 {
		var rangeStr string
		if length > 0 {
			rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		} else {
			rangeStr = fmt.Sprintf("bytes=%d-", offset)
		}
		input.Range = aws.String(rangeStr)
	}

	out, err := d.client.GetObject(ctx, input)
	if err != nil {
		return nil, classify(fmt.Errorf("get object %s: %w", key, err))
	}

	n := aws.ToInt64(out.ContentLength)
	size := n
	// Content-Range: bytes 0-99/1234
	if cr := aws.ToString(out.ContentRange); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			fmt.Sscanf(cr[i+1:], "%d", &size)
		}
	}
	return &objstore.Object{
		Info:          objstore.NewFileInfo(d.bucket, key, size, aws.ToTime(out.LastModified), aws.ToString(out.ETag)),
		ContentLength: n,
		Body:          out.Body,
	}, nil
}

func (d *Driver) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := d.client.PutObject(ctx, input); err != nil {
		return classify(fmt.Errorf("put object %s: %w", key, err))
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify(fmt.Errorf("delete object %s: %w", key, err))
	}
	return nil
}

func (d *Driver) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > objstore.MaxDeleteBatch {
		return fmt.Errorf("batch of %d keys exceeds limit %d", len(keys), objstore.MaxDeleteBatch)
	}
	ids := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	out, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(d.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("delete objects: %d failed, first %s: %s",
			len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

func (d *Driver) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classify(fmt.Errorf("create multipart upload %s: %w", key, err))
	}
	return aws.ToString(out.UploadId), nil
}

func (d *Driver) PutPart(ctx context.Context, key, uploadID string, number int32, body io.Reader, size int64) error {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(number),
		Body:       body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := d.client.UploadPart(ctx, input); err != nil {
		return classify(fmt.Errorf("upload part %d of %s: %w", number, key, err))
	}
	return nil
}

func (d *Driver) ListParts(ctx context.Context, key, uploadID string) ([]objstore.Part, error) {
	var (
		parts  []objstore.Part
		marker *string
	)
	for {
		out, err := d.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(d.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, classify(fmt.Errorf("list parts %s: %w", key, err))
		}
		for _, p := range out.Parts {
			parts = append(parts, objstore.Part{
				Number: aws.ToInt32(p.PartNumber),
				ETag:   aws.ToString(p.ETag),
				Size:   aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func (d *Driver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objstore.Part) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		}
	}
	_, err := d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return classify(fmt.Errorf("complete multipart upload %s: %w", key, err))
	}
	return nil
}

func (d *Driver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classify(fmt.Errorf("abort multipart upload %s: %w", key, err))
	}
	return nil
}

func (d *Driver) ListUploads(ctx context.Context, prefix string) ([]objstore.Upload, error) {
	var (
		uploads           []objstore.Upload
		keyMarker, idMark *string
	)
	for {
		out, err := d.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(d.bucket),
			Prefix:         aws.String(prefix),
			KeyMarker:      keyMarker,
			UploadIdMarker: idMark,
		})
		if err != nil {
			return nil, classify(fmt.Errorf("list multipart uploads %s: %w", prefix, err))
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, objstore.Upload{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			return uploads, nil
		}
		keyMarker, idMark = out.NextKeyMarker, out.NextUploadIdMarker
	}
}

// ─── Copy, presign, misc ────────────────────────────────────────────────────

// copySource escapes each key segment for the x-amz-copy-source header.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

func (d *Driver) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(srcBucket, srcKey)),
	})
	if err != nil {
		return classify(fmt.Errorf("copy %s/%s -> %s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err))
	}
	return nil
}

func (d *Driver) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (d *Driver) BucketExists(ctx context.Context) (bool, error) {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket") {
		return false, nil
	}
	return false, fmt.Errorf("head bucket %s: %w", d.bucket, err)
}

// SeekableBody is true: the SDK signs and may retry request bodies.
func (d *Driver) SeekableBody() bool { return true }

// Close is a no-op; the SDK client holds no resources that need releasing.
func (d *Driver) Close() error { return nil }
