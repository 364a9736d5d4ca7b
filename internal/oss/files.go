package oss

import (
	"context"
	"io"
	"path"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/objstore"
)

var timeNow = time.Now

// Entry is a file or folder addressed by its virtual path.
type Entry struct {
	Path string `json:"path"`
	Name string `json:"name"`
	objstore.FileInfo
	MountID string `json:"mount_id,omitempty"`
}

func newEntry(t target, fi objstore.FileInfo) Entry {
	vpath := t.path(fi.Key)
	name := fi.Name()
	if fi.Key == "" {
		name = path.Base(vpath)
	}
	return Entry{Path: vpath, Name: name, FileInfo: fi, MountID: t.mount.Config.ID}
}

// List returns the children of the folder at p: its objects and folders,
// plus any mounts attached directly below it. Folders sort first.
func (s *Service) List(ctx context.Context, p string) ([]Entry, error) {
	t, err := s.resolve(p)
	if err != nil {
		if errs.IsUnmapped(err) {
			if mounts := s.mountFolders(p); len(mounts) > 0 {
				return mounts, nil
			}
		}
		return nil, err
	}
	prefix := objstore.FolderKey(t.key)
	provider := t.provider()
	if prefix != "" && !provider.Exists(ctx, prefix) {
		return nil, errs.New(errs.KindNotFound, "folder %s not found", p)
	}

	infos := provider.List(ctx, prefix, "/")
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, newEntry(t, fi))
	}
	if prefix == "" {
		out = append(out, s.mountFolders(t.mount.Prefix())...)
	} else {
		out = append(out, s.mountFolders(t.path(prefix))...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsFolder != out[j].IsFolder {
			return out[i].IsFolder
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Info returns metadata for the file or folder at p.
func (s *Service) Info(ctx context.Context, p string) (Entry, error) {
	t, err := s.resolve(p)
	if err != nil {
		return Entry{}, err
	}
	fi, ok := t.provider().GetFileInfo(ctx, t.key)
	if !ok && !objstore.IsFolderKey(t.key) {
		fi, ok = t.provider().GetFileInfo(ctx, objstore.FolderKey(t.key))
	}
	if !ok {
		return Entry{}, errs.New(errs.KindNotFound, "%s not found", p)
	}
	return newEntry(t, fi), nil
}

// Open returns the object at p, or a byte range of it. A length of 0 reads
// to the end.
func (s *Service) Open(ctx context.Context, p string, offset, length int64) (*objstore.Object, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return nil, err
	}
	obj, ok := t.provider().GetObject(ctx, t.key, offset, length)
	if !ok {
		if !t.provider().Exists(ctx, t.key) {
			return nil, errs.New(errs.KindNotFound, "%s not found", p)
		}
		return nil, errs.New(errs.KindOperationFailed, "failed to read %s", p)
	}
	return obj, nil
}

// Write stores body at p in one upload, replacing any existing object.
func (s *Service) Write(ctx context.Context, p string, body io.Reader, size int64) (Entry, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return Entry{}, err
	}
	if err := s.checkUnlocked(ctx, t, t.key); err != nil {
		return Entry{}, err
	}
	provider := t.provider()
	kind := events.KindCreated
	if provider.Exists(ctx, t.key) {
		kind = events.KindUpdated
	}
	if !provider.UploadFile(ctx, t.key, body, size) {
		return Entry{}, errs.New(errs.KindOperationFailed, "failed to write %s", p)
	}
	fi := s.fileInfo(ctx, t, t.key, size)
	s.record(ctx, t, fi, kind)
	return newEntry(t, fi), nil
}

// Mkdir creates the folder at p. A folder that already has a marker is
// returned without side effects; one that only exists through the objects
// below it gets a marker so it survives their removal.
func (s *Service) Mkdir(ctx context.Context, p string) (Entry, error) {
	t, err := s.resolve(p)
	if err != nil {
		return Entry{}, err
	}
	key := objstore.FolderKey(t.key)
	provider := t.provider()
	if key == "" {
		fi, _ := provider.Mkdir(ctx, key)
		return newEntry(t, fi), nil
	}
	if err := s.checkUnlocked(ctx, t, key); err != nil {
		return Entry{}, err
	}
	existed := provider.Exists(ctx, key)
	if !existed && !objstore.IsFolderKey(t.key) && provider.Exists(ctx, t.key) {
		return Entry{}, errs.New(errs.KindAlreadyExists, "a file named %s already exists", p)
	}
	fi, ok := provider.Mkdir(ctx, key)
	if !ok {
		return Entry{}, errs.New(errs.KindOperationFailed, "failed to create folder %s", p)
	}
	if existed {
		s.save(ctx, t, fi)
	} else {
		s.record(ctx, t, fi, events.KindCreated)
	}
	return newEntry(t, fi), nil
}

// Delete removes each path, recursively for folders. It stops at the first
// failure; paths before it stay deleted.
func (s *Service) Delete(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if err := s.deleteOne(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deleteOne(ctx context.Context, p string) error {
	t, err := s.resolve(p)
	if err != nil {
		return err
	}
	if t.key == "" {
		return errs.New(errs.KindInvalidInput, "cannot delete mount root %s", p)
	}
	provider := t.provider()

	key := t.key
	if !objstore.IsFolderKey(key) && !provider.Exists(ctx, key) {
		key = objstore.FolderKey(key)
	}
	if !provider.Exists(ctx, key) {
		return errs.New(errs.KindNotFound, "%s not found", p)
	}

	var ok bool
	if objstore.IsFolderKey(key) {
		ok = provider.DeleteRecursive(ctx, key)
	} else {
		lctx, unlock, err := provider.Lock(ctx, key)
		if err != nil {
			return errs.Wrap(errs.KindLocked, err, "waiting for %s", p)
		}
		ok = provider.DeleteObject(lctx, key)
		unlock()
	}
	if !ok {
		return errs.New(errs.KindOperationFailed, "failed to delete %s", p)
	}

	logging.Info("deleted", append(t.fields(), zap.String("path", p))...)
	s.forget(ctx, t, key)
	return nil
}

// Rename gives the file or folder at p a new name in the same folder.
func (s *Service) Rename(ctx context.Context, p, newName string) (Entry, error) {
	if err := validName(newName); err != nil {
		return Entry{}, err
	}
	t, err := s.resolve(p)
	if err != nil {
		return Entry{}, err
	}
	if t.key == "" {
		return Entry{}, errs.New(errs.KindInvalidInput, "cannot rename mount root %s", p)
	}
	provider := t.provider()

	src := t.key
	if !objstore.IsFolderKey(src) && !provider.Exists(ctx, src) {
		src = objstore.FolderKey(src)
	}
	fi, ok := provider.GetFileInfo(ctx, src)
	if !ok {
		return Entry{}, errs.New(errs.KindNotFound, "%s not found", p)
	}

	dst := objstore.ParentKey(src) + newName
	if fi.IsFolder {
		dst += "/"
	}
	if dst == src {
		return newEntry(t, fi), nil
	}
	if provider.Exists(ctx, dst) || provider.Exists(ctx, objstore.FolderKey(dst)) {
		return Entry{}, errs.New(errs.KindAlreadyExists, "%s already exists", t.path(dst))
	}

	lctx, unlock, err := provider.Lock(ctx, src)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindLocked, err, "waiting for %s", p)
	}
	defer unlock()

	bucket := provider.Config().Bucket
	if fi.IsFolder && fi.LastModified.IsZero() {
		// Implicit folder: copy its contents without a marker, then add one
		// so the new name survives as a folder.
		if _, ok := provider.Mkdir(lctx, dst); !ok {
			return Entry{}, errs.New(errs.KindOperationFailed, "failed to rename %s", p)
		}
	}
	if _, ok := provider.CopyObject(lctx, bucket, src, bucket, dst); !ok {
		return Entry{}, errs.New(errs.KindOperationFailed, "failed to rename %s", p)
	}
	if fi.IsFolder {
		ok = provider.DeleteRecursive(lctx, src)
	} else {
		ok = provider.DeleteObject(lctx, src)
	}
	if !ok {
		return Entry{}, errs.New(errs.KindOperationFailed, "renamed %s but failed to remove the original", p)
	}
	provider.ClearCache(dst)

	s.forget(ctx, t, src)
	nfi := s.fileInfo(ctx, t, dst, fi.Size)
	s.record(ctx, t, nfi, events.KindCreated)
	logging.Info("renamed", append(t.fields(), zap.String("to", dst))...)
	return newEntry(t, nfi), nil
}

// Presign returns a time-limited download URL for the object at p.
func (s *Service) Presign(ctx context.Context, p string, expiry time.Duration) (string, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return "", err
	}
	if !t.provider().Exists(ctx, t.key) {
		return "", errs.New(errs.KindNotFound, "%s not found", p)
	}
	url := t.provider().PresignedURL(ctx, t.key, expiry)
	if url == "" {
		return "", errs.New(errs.KindOperationFailed, "presigned URLs are not available for %s", p)
	}
	return url, nil
}
