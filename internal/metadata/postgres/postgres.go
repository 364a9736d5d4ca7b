// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/metadata"
	"github.com/fruitsalade/objstore/internal/metrics"
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// Open opens a connection pool without checking connectivity.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	logging.Info("running metadata migration")
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

// Save inserts or updates the record at rec.Path.
func (s *Store) Save(ctx context.Context, rec metadata.Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("save_record", time.Since(start)) }()

	rec.Path = metadata.NormalizePath(rec.Path)
	if rec.ID == "" {
		rec.ID = metadata.RecordID(rec.Path)
	}
	var lastModified *time.Time
	if !rec.LastModified.IsZero() {
		lastModified = &rec.LastModified
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_records (id, path, username, mount_id, bucket, object_key, size, etag, is_folder, last_modified, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (path) DO UPDATE SET
			username = EXCLUDED.username,
			mount_id = EXCLUDED.mount_id,
			bucket = EXCLUDED.bucket,
			object_key = EXCLUDED.object_key,
			size = EXCLUDED.size,
			etag = EXCLUDED.etag,
			is_folder = EXCLUDED.is_folder,
			last_modified = EXCLUDED.last_modified,
			updated_at = NOW()`,
		rec.ID, rec.Path, rec.Username, rec.MountID, rec.Bucket, rec.Key, rec.Size, rec.ETag, rec.IsFolder, lastModified)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	logging.Debug("saved file record",
		zap.String("path", rec.Path),
		zap.Bool("is_folder", rec.IsFolder),
		zap.Int64("size", rec.Size))
	return nil
}

// FindByPath returns the record at path, or nil.
func (s *Store) FindByPath(ctx context.Context, path string) (*metadata.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_record", time.Since(start)) }()

	var (
		rec          metadata.Record
		lastModified sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, username, mount_id, bucket, object_key, size, etag, is_folder, last_modified, created_at, updated_at
		 FROM file_records WHERE path = $1`, metadata.NormalizePath(path)).
		Scan(&rec.ID, &rec.Path, &rec.Username, &rec.MountID, &rec.Bucket, &rec.Key, &rec.Size,
			&rec.ETag, &rec.IsFolder, &lastModified, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if lastModified.Valid {
		rec.LastModified = lastModified.Time
	}
	return &rec, nil
}

// DeleteByPath removes the record and everything below it.
func (s *Store) DeleteByPath(ctx context.Context, path string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_record", time.Since(start)) }()

	path = metadata.NormalizePath(path)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM file_records WHERE path = $1 OR path LIKE $2`,
		path, likePrefix(path)+"%")
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	rows, _ := result.RowsAffected()
	logging.Debug("deleted file records", zap.String("path", path), zap.Int64("rows", rows))
	return nil
}

// likePrefix escapes LIKE wildcards in a folder path and appends a slash.
func likePrefix(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	if path == "/" {
		return "/"
	}
	return r.Replace(path) + "/"
}
