// Package oss implements file operations over mounted object storage:
// chunked uploads, copy and move across providers, and the folder
// operations a file manager needs.
package oss

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/metadata"
	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/storage"
)

const defaultCopyConcurrency = 8

// Resolver maps a virtual path to a mount and an object key.
type Resolver interface {
	Resolve(p string) (*storage.Mount, string, error)
	Mounts() []*storage.Mount
}

// Notifier is told about successful mutations. It must not block.
type Notifier interface {
	Notify(username, path string, kind events.Kind)
}

type discardNotifier struct{}

func (discardNotifier) Notify(string, string, events.Kind) {}

// Config wires a Service to its collaborators.
type Config struct {
	Router   Resolver
	Metadata metadata.Store
	Notifier Notifier
	// CopyConcurrency bounds parallel transfers in a cross-provider copy.
	CopyConcurrency int
}

// Service runs file operations against the router's mounts.
type Service struct {
	router      Resolver
	store       metadata.Store
	notifier    Notifier
	concurrency int

	// completing serializes multipart completion per mount and key.
	completing *objstore.LockRegistry
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		router:      cfg.Router,
		store:       cfg.Metadata,
		notifier:    cfg.Notifier,
		concurrency: cfg.CopyConcurrency,
		completing:  objstore.NewLockRegistry(),
	}
	if s.store == nil {
		s.store = metadata.Discard{}
	}
	if s.notifier == nil {
		s.notifier = discardNotifier{}
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultCopyConcurrency
	}
	return s
}

// target is a resolved virtual path.
type target struct {
	mount *storage.Mount
	key   string
}

func (t target) provider() objstore.Provider { return t.mount.Provider }

func (t target) username() string { return t.mount.Config.Username }

// path returns the virtual path of key in the same mount.
func (t target) path(key string) string {
	if key == "" {
		return t.mount.Prefix()
	}
	return t.mount.Prefix() + "/" + strings.TrimSuffix(key, "/")
}

func (t target) fields() []zap.Field {
	return []zap.Field{
		zap.String("mount_id", t.mount.Config.ID),
		zap.String("key", t.key),
	}
}

func (s *Service) resolve(p string) (target, error) {
	m, key, err := s.router.Resolve(p)
	if err != nil {
		return target{}, err
	}
	return target{mount: m, key: key}, nil
}

// resolveFile resolves p and rejects mount roots and folder keys.
func (s *Service) resolveFile(p string) (target, error) {
	t, err := s.resolve(p)
	if err != nil {
		return t, err
	}
	if t.key == "" || objstore.IsFolderKey(t.key) {
		return t, errs.New(errs.KindInvalidInput, "%s is not a file path", p)
	}
	return t, nil
}

// checkUnlocked fails with KindLocked while a structural operation, such as a
// move, holds key or a folder above it.
func (s *Service) checkUnlocked(ctx context.Context, t target, key string) error {
	if t.provider().Locked(ctx, key) {
		return errs.New(errs.KindLocked, "%s is locked by another operation", t.path(key))
	}
	return nil
}

func newRecord(t target, fi objstore.FileInfo) metadata.Record {
	return metadata.NewRecord(t.path(fi.Key), t.username(), t.mount.Config.ID, fi)
}

// record saves metadata for fi and notifies its owner. Metadata failures
// are logged; the object itself is already stored.
func (s *Service) record(ctx context.Context, t target, fi objstore.FileInfo, kind events.Kind) {
	s.save(ctx, t, fi)
	s.notifier.Notify(t.username(), t.path(fi.Key), kind)
}

// forget removes metadata below vpath and notifies a deletion.
func (s *Service) forget(ctx context.Context, t target, key string) {
	vpath := t.path(key)
	if err := s.store.DeleteByPath(ctx, vpath); err != nil {
		logging.Error("failed to delete file records",
			zap.String("path", vpath),
			zap.Error(err))
	}
	s.notifier.Notify(t.username(), vpath, events.KindDeleted)
}

// fileInfo fetches metadata for key after a write, falling back to what
// the caller knows when the provider cannot answer.
func (s *Service) fileInfo(ctx context.Context, t target, key string, size int64) objstore.FileInfo {
	p := t.provider()
	p.ClearCache(key)
	if fi, ok := p.GetFileInfo(ctx, key); ok {
		return fi
	}
	return objstore.NewFileInfo(p.Config().Bucket, key, size, timeNow(), "")
}

// validName checks a single path element supplied by a client.
func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errs.New(errs.KindInvalidInput, "invalid name %q", name)
	case strings.ContainsAny(name, `/\`):
		return errs.New(errs.KindInvalidInput, "name %q must not contain a path separator", name)
	}
	return nil
}

// mountFolders lists mounts attached directly below the virtual folder p,
// as folder entries.
func (s *Service) mountFolders(p string) []Entry {
	p = storage.CleanPath(p)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	var out []Entry
	for _, m := range s.router.Mounts() {
		prefix := m.Prefix()
		if path.Dir(prefix) != p || prefix == p {
			continue
		}
		out = append(out, Entry{
			Path: prefix,
			Name: path.Base(prefix),
			FileInfo: objstore.FileInfo{
				BucketName: m.Config.Bucket,
				IsFolder:   true,
			},
			MountID: m.Config.ID,
		})
	}
	return out
}
