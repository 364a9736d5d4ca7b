// Package metadata defines the file record store the upload and copy paths
// report to after a successful provider operation.
package metadata

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/fruitsalade/objstore/internal/objstore"
)

// Record is the authoritative description of one stored object.
type Record struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Username     string    `json:"username"`
	MountID      string    `json:"mount_id"`
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	IsFolder     bool      `json:"is_folder"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// FindByPath returns nil, nil when no record exists.
	FindByPath(ctx context.Context, path string) (*Record, error)
	// DeleteByPath removes the record and, for folders, every record below it.
	DeleteByPath(ctx context.Context, path string) error
}

// NewRecord builds a record for an object stored at path.
func NewRecord(path, username, mountID string, fi objstore.FileInfo) Record {
	path = NormalizePath(path)
	return Record{
		ID:           RecordID(path),
		Path:         path,
		Username:     username,
		MountID:      mountID,
		Bucket:       fi.BucketName,
		Key:          fi.Key,
		Size:         fi.Size,
		ETag:         fi.ETag,
		IsFolder:     fi.IsFolder,
		LastModified: fi.LastModified,
	}
}

// RecordID derives a stable ID from a normalized path.
func RecordID(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%x", h[:8])
}

// NormalizePath gives paths a leading slash and no trailing slash.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path == "/" {
		return path
	}
	return strings.TrimSuffix(path, "/")
}

// Discard is a Store that keeps nothing.
type Discard struct{}

func (Discard) Save(context.Context, Record) error { return nil }

func (Discard) FindByPath(context.Context, string) (*Record, error) { return nil, nil }

func (Discard) DeleteByPath(context.Context, string) error { return nil }
