package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/metrics"
	"github.com/fruitsalade/objstore/internal/objstore"
)

// Sealer encrypts mount credentials at rest with XChaCha20-Poly1305.
type Sealer struct {
	key []byte
}

// NewSealer derives the sealing key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("mount secret must be at least 16 characters")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("objstore mount credentials"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext bound to ad. The nonce is prepended.
func (s *Sealer) Seal(plaintext, ad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), []byte(ad)), nil
}

// Open decrypts a value produced by Seal with the same ad.
func (s *Sealer) Open(sealed []byte, ad string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(ad))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(pt), nil
}

// MountStore is a MountSource backed by the oss_mounts table.
type MountStore struct {
	db     *sql.DB
	sealer *Sealer
}

// NewMountStore creates a new MountStore.
func NewMountStore(db *sql.DB, sealer *Sealer) *MountStore {
	return &MountStore{db: db, sealer: sealer}
}

const mountSchema = `
CREATE TABLE IF NOT EXISTS oss_mounts (
    id          TEXT PRIMARY KEY DEFAULT md5(random()::text || clock_timestamp()::text),
    username    TEXT NOT NULL,
    folder_name TEXT NOT NULL,
    platform    TEXT NOT NULL,
    endpoint    TEXT NOT NULL DEFAULT '',
    region      TEXT NOT NULL DEFAULT '',
    access_key  BYTEA NOT NULL,
    secret_key  BYTEA NOT NULL,
    bucket      TEXT NOT NULL,
    use_ssl     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (username, folder_name)
);`

// Migrate creates the mounts table if needed.
func (s *MountStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, mountSchema); err != nil {
		return fmt.Errorf("migrate oss_mounts: %w", err)
	}
	return nil
}

func credentialAD(cfg objstore.BucketConfig, field string) string {
	return cfg.Username + "/" + cfg.FolderName + "#" + field
}

// List returns all mounts with credentials decrypted.
func (s *MountStore) List(ctx context.Context) ([]objstore.BucketConfig, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, folder_name, platform, endpoint, region, access_key, secret_key, bucket, use_ssl
		 FROM oss_mounts ORDER BY username, folder_name`)
	metrics.RecordDBQuery("list_mounts", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	defer rows.Close()

	var out []objstore.BucketConfig
	for rows.Next() {
		var (
			cfg              objstore.BucketConfig
			platform         string
			sealedAK, sealSK []byte
		)
		if err := rows.Scan(&cfg.ID, &cfg.Username, &cfg.FolderName, &platform, &cfg.Endpoint,
			&cfg.Region, &sealedAK, &sealSK, &cfg.Bucket, &cfg.UseSSL); err != nil {
			return nil, fmt.Errorf("scan mount: %w", err)
		}
		cfg.Platform = objstore.Platform(platform)
		if cfg.AccessKey, err = s.sealer.Open(sealedAK, credentialAD(cfg, "access")); err != nil {
			return nil, fmt.Errorf("mount %s access key: %w", cfg.ID, err)
		}
		if cfg.SecretKey, err = s.sealer.Open(sealSK, credentialAD(cfg, "secret")); err != nil {
			return nil, fmt.Errorf("mount %s secret key: %w", cfg.ID, err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Put inserts cfg, or updates the row with cfg.ID.
func (s *MountStore) Put(ctx context.Context, cfg objstore.BucketConfig) (objstore.BucketConfig, error) {
	ak, err := s.sealer.Seal(cfg.AccessKey, credentialAD(cfg, "access"))
	if err != nil {
		return cfg, err
	}
	sk, err := s.sealer.Seal(cfg.SecretKey, credentialAD(cfg, "secret"))
	if err != nil {
		return cfg, err
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("put_mount", time.Since(start)) }()

	if cfg.ID == "" {
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO oss_mounts (username, folder_name, platform, endpoint, region, access_key, secret_key, bucket, use_ssl)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			cfg.Username, cfg.FolderName, string(cfg.Platform), cfg.Endpoint, cfg.Region, ak, sk, cfg.Bucket, cfg.UseSSL).
			Scan(&cfg.ID)
		if err != nil {
			return cfg, fmt.Errorf("create mount: %w", err)
		}
		return cfg, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE oss_mounts
		 SET username = $2, folder_name = $3, platform = $4, endpoint = $5, region = $6,
		     access_key = $7, secret_key = $8, bucket = $9, use_ssl = $10, updated_at = NOW()
		 WHERE id = $1`,
		cfg.ID, cfg.Username, cfg.FolderName, string(cfg.Platform), cfg.Endpoint, cfg.Region, ak, sk, cfg.Bucket, cfg.UseSSL)
	if err != nil {
		return cfg, fmt.Errorf("update mount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cfg, errs.New(errs.KindNotFound, "mount %s not found", cfg.ID)
	}
	return cfg, nil
}

// Delete removes the mount with id.
func (s *MountStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM oss_mounts WHERE id = $1`, id)
	metrics.RecordDBQuery("delete_mount", time.Since(start))
	if err != nil {
		return fmt.Errorf("delete mount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "mount %s not found", id)
	}
	return nil
}

var (
	_ MountSource = (*MountStore)(nil)
	_ MountSource = (*MountFile)(nil)
	_ MountSource = (*StaticSource)(nil)
)
