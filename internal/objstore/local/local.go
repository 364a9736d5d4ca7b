// Package local provides an objstore.Driver backed by the local filesystem.
//
// A bucket is a directory below the base directory. Folder markers are
// directories, objects are files. Multipart sessions keep their parts under
// <bucket>/.multipart/<upload id>/ until they are assembled.
package local

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/objstore/internal/objstore"
)

const (
	multipartDir = ".multipart"
	tempPattern  = ".objstore-*.tmp"
	sessionFile  = "session.json"
)

// Config holds local filesystem driver settings.
type Config struct {
	BaseDir    string `json:"base_dir"`
	Bucket     string `json:"bucket"`
	CreateDirs bool   `json:"create_dirs"`
}

// Driver implements objstore.Driver on a directory tree.
type Driver struct {
	baseDir string
	bucket  string
	root    string
}

var _ objstore.Driver = (*Driver)(nil)

// New creates a local driver rooted at BaseDir/Bucket.
func New(cfg Config) (*Driver, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("base_dir is required")
	}
	root := filepath.Join(cfg.BaseDir, filepath.FromSlash(cfg.Bucket))

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &Driver{baseDir: cfg.BaseDir, bucket: cfg.Bucket, root: root}, nil
}

func (d *Driver) Platform() objstore.Platform { return objstore.PlatformLocal }

func (d *Driver) Bucket() string { return d.bucket }

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	}
	return err
}

// pathIn maps key to a filesystem path below root, rejecting escapes.
func pathIn(root, key string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(key, "/")))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes bucket root", key)
	}
	return p, nil
}

func (d *Driver) fullPath(key string) (string, error) {
	return pathIn(d.root, key)
}

func (d *Driver) info(key string, fi fs.FileInfo) objstore.FileInfo {
	size := fi.Size()
	if fi.IsDir() {
		size = 0
	}
	return objstore.NewFileInfo(d.bucket, key, size, fi.ModTime(), "")
}

func (d *Driver) Head(_ context.Context, key string) (objstore.FileInfo, error) {
	path, err := d.fullPath(key)
	if err != nil {
		return objstore.FileInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return objstore.FileInfo{}, notFound(err)
	}
	if fi.IsDir() != objstore.IsFolderKey(key) {
		return objstore.FileInfo{}, fmt.Errorf("%w: %s", objstore.ErrNotFound, key)
	}
	return d.info(key, fi), nil
}

func hidden(name string) bool {
	return name == multipartDir || (strings.HasPrefix(name, ".objstore-") && strings.HasSuffix(name, ".tmp"))
}

// ListPage returns the whole listing in one page. With a delimiter only the
// directory containing prefix is read; subdirectories are reported as folder
// objects with their own modification time.
func (d *Driver) ListPage(_ context.Context, prefix, delimiter, _ string) (objstore.Page, error) {
	dirKey := prefix[:strings.LastIndexByte(prefix, '/')+1]
	dir, err := d.fullPath(dirKey)
	if err != nil {
		return objstore.Page{}, err
	}

	var page objstore.Page
	if delimiter != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return page, nil
			}
			return page, err
		}
		for _, e := range entries {
			if hidden(e.Name()) {
				continue
			}
			key := dirKey + e.Name()
			if e.IsDir() {
				key += "/"
			}
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			page.Objects = append(page.Objects, d.info(key, fi))
		}
		return page, nil
	}

	err = filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == dir {
			// The folder itself is listed like a marker object.
			if dirKey == prefix && prefix != "" {
				if fi, err := e.Info(); err == nil {
					page.Objects = append(page.Objects, d.info(prefix, fi))
				}
			}
			return nil
		}
		if hidden(e.Name()) {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if e.IsDir() {
			key += "/"
		}
		if !strings.HasPrefix(key, prefix) {
			if e.IsDir() && !strings.HasPrefix(prefix, key) {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := e.Info()
		if err != nil {
			return nil
		}
		page.Objects = append(page.Objects, d.info(key, fi))
		return nil
	})
	sort.Slice(page.Objects, func(i, j int) bool { return page.Objects[i].Key < page.Objects[j].Key })
	return page, err
}

// Get reads a file with range support. Folder keys yield an empty body.
func (d *Driver) Get(ctx context.Context, key string, offset, length int64) (*objstore.Object, error) {
	if objstore.IsFolderKey(key) {
		info, err := d.Head(ctx, key)
		if err != nil {
			return nil, err
		}
		return &objstore.Object{Info: info, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	path, err := d.fullPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, notFound(fmt.Errorf("open %s: %w", key, err))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a folder", objstore.ErrNotFound, key)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	remaining := fi.Size() - offset
	if remaining < 0 {
		remaining = 0
	}
	obj := &objstore.Object{Info: d.info(key, fi), ContentLength: remaining, Body: f}
	if length > 0 && length < remaining {
		obj.ContentLength = length
		obj.Body = &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}
	}
	return obj, nil
}

// writeAtomic writes body to path via a temp file in the same directory.
func writeAtomic(path string, body io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

// Put writes a file atomically. Folder keys create the directory.
func (d *Driver) Put(_ context.Context, key string, body io.Reader, size int64) error {
	path, err := d.fullPath(key)
	if err != nil {
		return err
	}
	if objstore.IsFolderKey(key) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", key, err)
		}
		return nil
	}
	if size >= 0 {
		body = io.LimitReader(body, size)
	}
	return writeAtomic(path, body)
}

// Delete removes a file or an empty folder. Missing keys and folders that
// still have children are left alone, as with a marker delete on S3.
func (d *Driver) Delete(_ context.Context, key string) error {
	return d.remove(key, false)
}

// remove deletes key. When strict is set a folder that still has children is
// an error instead of a no-op.
func (d *Driver) remove(key string, strict bool) error {
	path, err := d.fullPath(key)
	if err != nil {
		return err
	}
	if path == d.root {
		return fmt.Errorf("refusing to delete bucket root")
	}
	err = os.Remove(path)
	switch {
	case err == nil, os.IsNotExist(err):
		return nil
	case objstore.IsFolderKey(key) && isNotEmpty(path):
		if strict {
			return fmt.Errorf("delete %s: folder not empty", key)
		}
		return nil
	default:
		return fmt.Errorf("delete %s: %w", key, err)
	}
}

func isNotEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// DeleteBatch removes keys deepest first so folders are empty when reached.
// A folder that still has children after its batch is reported, since the
// caller asked for it to be gone.
func (d *Driver) DeleteBatch(_ context.Context, keys []string) error {
	if len(keys) > objstore.MaxDeleteBatch {
		return fmt.Errorf("batch of %d keys exceeds limit %d", len(keys), objstore.MaxDeleteBatch)
	}
	sorted := append([]string(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		di, dj := strings.Count(sorted[i], "/"), strings.Count(sorted[j], "/")
		if di != dj {
			return di > dj
		}
		return sorted[i] > sorted[j]
	})
	for _, k := range sorted {
		if err := d.remove(k, true); err != nil {
			return err
		}
	}
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

type session struct {
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

func (d *Driver) sessionDir(uploadID string) (string, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\.`) {
		return "", fmt.Errorf("invalid upload id %q", uploadID)
	}
	return filepath.Join(d.root, multipartDir, uploadID), nil
}

func (d *Driver) loadSession(key, uploadID string) (string, error) {
	dir, err := d.sessionDir(uploadID)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return "", notFound(err)
	}
	var s session
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("parse session %s: %w", uploadID, err)
	}
	if s.Key != key {
		return "", fmt.Errorf("%w: upload %s belongs to %s", objstore.ErrNotFound, uploadID, s.Key)
	}
	return dir, nil
}

func (d *Driver) CreateMultipart(_ context.Context, key string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate upload id: %w", err)
	}
	id := hex.EncodeToString(buf)
	dir, _ := d.sessionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	raw, err := json.Marshal(session{Key: key, Initiated: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, sessionFile), bytes.NewReader(raw)); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return id, nil
}

func partName(n int32) string {
	return fmt.Sprintf("%05d.part", n)
}

func (d *Driver) PutPart(_ context.Context, key, uploadID string, number int32, body io.Reader, size int64) error {
	dir, err := d.loadSession(key, uploadID)
	if err != nil {
		return err
	}
	if size >= 0 {
		body = io.LimitReader(body, size)
	}
	return writeAtomic(filepath.Join(dir, partName(number)), body)
}

func (d *Driver) ListParts(_ context.Context, key, uploadID string) ([]objstore.Part, error) {
	dir, err := d.loadSession(key, uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, notFound(err)
	}
	var parts []objstore.Part
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".part")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, objstore.Part{Number: int32(n), Size: fi.Size()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

// CompleteMultipart concatenates the listed parts in order into the target
// file and removes the session.
func (d *Driver) CompleteMultipart(_ context.Context, key, uploadID string, parts []objstore.Part) error {
	dir, err := d.loadSession(key, uploadID)
	if err != nil {
		return err
	}
	path, err := d.fullPath(key)
	if err != nil {
		return err
	}

	readers := make([]io.Reader, 0, len(parts))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range parts {
		f, err := os.Open(filepath.Join(dir, partName(p.Number)))
		if err != nil {
			return fmt.Errorf("open part %d: %w", p.Number, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}
	if err := writeAtomic(path, io.MultiReader(readers...)); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (d *Driver) AbortMultipart(_ context.Context, key, uploadID string) error {
	dir, err := d.loadSession(key, uploadID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (d *Driver) ListUploads(_ context.Context, prefix string) ([]objstore.Upload, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, multipartDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []objstore.Upload
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.root, multipartDir, e.Name(), sessionFile))
		if err != nil {
			continue
		}
		var s session
		if json.Unmarshal(raw, &s) != nil || !strings.HasPrefix(s.Key, prefix) {
			continue
		}
		out = append(out, objstore.Upload{Key: s.Key, UploadID: e.Name(), Initiated: s.Initiated})
	}
	return out, nil
}

// ─── Copy, presign, misc ────────────────────────────────────────────────────

// Copy copies between buckets under the same base directory.
func (d *Driver) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	srcPath, err := pathIn(filepath.Join(d.baseDir, filepath.FromSlash(srcBucket)), srcKey)
	if err != nil {
		return err
	}
	dstPath, err := pathIn(filepath.Join(d.baseDir, filepath.FromSlash(dstBucket)), dstKey)
	if err != nil {
		return err
	}

	if objstore.IsFolderKey(srcKey) {
		if _, err := os.Stat(srcPath); err != nil {
			return notFound(err)
		}
		return os.MkdirAll(dstPath, 0755)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return notFound(fmt.Errorf("open src %s: %w", srcKey, err))
	}
	defer src.Close()
	return writeAtomic(dstPath, src)
}

// Presign is unsupported on local disk.
func (d *Driver) Presign(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (d *Driver) BucketExists(context.Context) (bool, error) {
	fi, err := os.Stat(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.IsDir(), nil
}

func (d *Driver) SeekableBody() bool { return false }

// Close is a no-op for local drivers.
func (d *Driver) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
