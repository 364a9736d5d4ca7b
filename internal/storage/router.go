package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/objstore"
)

// Mount pairs a bucket configuration with its live provider.
type Mount struct {
	Config   objstore.BucketConfig
	Provider objstore.Provider
	// Local is set for the implicit per-user local disk mount.
	Local bool
}

// Prefix is the virtual path the mount is attached at.
func (m *Mount) Prefix() string {
	if m.Local {
		return "/" + m.Config.Username
	}
	return m.Config.MountPrefix()
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Source MountSource
	// LocalRoot enables per-user local disk storage for paths no bucket is
	// mounted at. Empty disables it.
	LocalRoot string
	// Factory builds providers; nil means NewProvider with Options.
	Factory ProviderFactory
	Options objstore.Options
}

// Router resolves virtual paths of the form /<user>/<folder>/<key> to a
// mounted bucket and the object key inside it.
type Router struct {
	mu      sync.RWMutex
	mounts  map[string]*Mount // id -> mount
	ordered []*Mount          // longest prefix first
	local   map[string]*Mount // username -> local mount

	source    MountSource
	factory   ProviderFactory
	localRoot string
}

// NewRouter creates a Router and loads all configured mounts.
func NewRouter(ctx context.Context, cfg RouterConfig) (*Router, error) {
	factory := cfg.Factory
	if factory == nil {
		factory = Factory(cfg.Options)
	}
	r := &Router{
		mounts:    make(map[string]*Mount),
		local:     make(map[string]*Mount),
		source:    cfg.Source,
		factory:   factory,
		localRoot: cfg.LocalRoot,
	}
	if r.source == nil {
		r.source = NewStaticSource()
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

// Reload re-reads the mount source. Providers whose configuration did not
// change are reused; replaced and removed ones are closed.
func (r *Router) Reload(ctx context.Context) error {
	cfgs, err := r.source.List(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	old := r.mounts
	r.mu.RUnlock()

	next := make(map[string]*Mount, len(cfgs))
	var replaced []*Mount
	for _, cfg := range cfgs {
		existing := old[cfg.ID]
		if existing != nil && existing.Config == cfg {
			next[cfg.ID] = existing
			continue
		}
		p, err := r.factory(ctx, cfg)
		if err != nil {
			logging.Error("failed to initialize mount",
				zap.String("mount_id", cfg.ID),
				zap.String("prefix", cfg.MountPrefix()),
				zap.String("platform", string(cfg.Platform)),
				zap.Error(err))
			continue
		}
		next[cfg.ID] = &Mount{Config: cfg, Provider: p}
		if existing != nil {
			replaced = append(replaced, existing)
		}
	}
	for id, m := range old {
		if _, ok := next[id]; !ok {
			replaced = append(replaced, m)
		}
	}

	r.mu.Lock()
	r.mounts = next
	r.ordered = orderMounts(next)
	r.mu.Unlock()

	for _, m := range replaced {
		if next[m.Config.ID] != m {
			m.Provider.Close()
		}
	}

	logging.Info("storage router reloaded",
		zap.Int("mounts", len(next)),
		zap.Int("closed", len(replaced)))
	return nil
}

// orderMounts sorts by prefix length, longest first, and drops later
// mounts whose prefix is already taken.
func orderMounts(mounts map[string]*Mount) []*Mount {
	ordered := make([]*Mount, 0, len(mounts))
	for _, m := range mounts {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := ordered[i].Prefix(), ordered[j].Prefix()
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		if pi != pj {
			return pi < pj
		}
		return ordered[i].Config.ID < ordered[j].Config.ID
	})

	out := ordered[:0]
	seen := make(map[string]bool, len(ordered))
	for _, m := range ordered {
		if seen[m.Prefix()] {
			logging.Warn("duplicate mount prefix ignored",
				zap.String("mount_id", m.Config.ID),
				zap.String("prefix", m.Prefix()))
			continue
		}
		seen[m.Prefix()] = true
		out = append(out, m)
	}
	return out
}

// CleanPath normalizes a virtual path to a leading slash and no dot
// segments, keeping a trailing slash that marks a folder.
func CleanPath(p string) string {
	folder := strings.HasSuffix(p, "/")
	p = path.Clean("/" + p)
	if folder && p != "/" {
		p += "/"
	}
	return p
}

// Resolve returns the mount serving p and the object key inside it. The
// mount root resolves to the empty key.
func (r *Router) Resolve(p string) (*Mount, string, error) {
	p = CleanPath(p)

	r.mu.RLock()
	for _, m := range r.ordered {
		if key, ok := under(p, m.Prefix()); ok {
			r.mu.RUnlock()
			return m, key, nil
		}
	}
	r.mu.RUnlock()

	if r.localRoot != "" {
		if m, key, ok := r.resolveLocal(p); ok {
			return m, key, nil
		}
	}
	return nil, "", errs.New(errs.KindUnmapped, "no storage mounted at %s", p)
}

func under(p, prefix string) (string, bool) {
	switch {
	case p == prefix || p == prefix+"/":
		return "", true
	case strings.HasPrefix(p, prefix+"/"):
		return p[len(prefix)+1:], true
	}
	return "", false
}

// resolveLocal maps /<user>/... to the user's directory below LocalRoot,
// creating the mount on first use.
func (r *Router) resolveLocal(p string) (*Mount, string, bool) {
	rest := strings.TrimPrefix(p, "/")
	user, key, _ := strings.Cut(rest, "/")
	if user == "" {
		return nil, "", false
	}

	r.mu.RLock()
	m := r.local[user]
	r.mu.RUnlock()
	if m != nil {
		return m, key, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.local[user]; m != nil {
		return m, key, true
	}
	cfg := objstore.BucketConfig{
		ID:       "local:" + user,
		Username: user,
		Platform: objstore.PlatformLocal,
		Endpoint: r.localRoot,
		Bucket:   user,
	}
	provider, err := r.factory(context.Background(), cfg)
	if err != nil {
		logging.Error("failed to open local storage", zap.String("username", user), zap.Error(err))
		return nil, "", false
	}
	m = &Mount{Config: cfg, Provider: provider, Local: true}
	r.local[user] = m
	return m, key, true
}

// Mount returns the configured mount with id.
func (r *Router) Mount(id string) (*Mount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mounts[id]
	return m, ok
}

// Mounts returns configured mounts, longest prefix first.
func (r *Router) Mounts() []*Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Mount, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// PutMount validates cfg by opening its bucket, persists it and swaps it in.
// Masked credentials (containing '*') keep the stored values of the mount
// being updated.
func (r *Router) PutMount(ctx context.Context, cfg objstore.BucketConfig) (*Mount, error) {
	if err := validateMount(cfg); err != nil {
		return nil, err
	}

	var existing *Mount
	if cfg.ID != "" {
		existing, _ = r.Mount(cfg.ID)
	}
	if existing != nil {
		if strings.Contains(cfg.AccessKey, "*") {
			cfg.AccessKey = existing.Config.AccessKey
		}
		if strings.Contains(cfg.SecretKey, "*") {
			cfg.SecretKey = existing.Config.SecretKey
		}
	}

	provider, err := r.factory(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "invalid mount configuration")
	}
	if !provider.BucketExists(ctx) {
		provider.Close()
		return nil, errs.New(errs.KindInvalidInput, "bucket %q is not reachable", cfg.Bucket)
	}

	stored, err := r.source.Put(ctx, cfg)
	if err != nil {
		provider.Close()
		return nil, err
	}
	m := &Mount{Config: stored, Provider: provider}

	r.mu.Lock()
	prev := r.mounts[stored.ID]
	r.mounts[stored.ID] = m
	r.ordered = orderMounts(r.mounts)
	r.mu.Unlock()

	if prev != nil {
		prev.Provider.Close()
	}
	logging.Info("mount saved",
		zap.String("mount_id", stored.ID),
		zap.String("prefix", stored.MountPrefix()),
		zap.String("platform", string(stored.Platform)))
	return m, nil
}

func validateMount(cfg objstore.BucketConfig) error {
	if _, ok := objstore.ParsePlatform(string(cfg.Platform)); !ok {
		return errs.New(errs.KindInvalidInput, "unknown platform %q", cfg.Platform)
	}
	if strings.Trim(cfg.Username, "/") == "" || strings.Trim(cfg.FolderName, "/") == "" {
		return errs.New(errs.KindInvalidInput, "username and folder name are required")
	}
	if strings.Contains(strings.Trim(cfg.Username, "/"), "/") {
		return errs.New(errs.KindInvalidInput, "username must not contain '/'")
	}
	if cfg.Bucket == "" {
		return errs.New(errs.KindInvalidInput, "bucket is required")
	}
	return nil
}

// RemoveMount deletes a mount from the source and closes its provider.
func (r *Router) RemoveMount(ctx context.Context, id string) error {
	if err := r.source.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	m := r.mounts[id]
	delete(r.mounts, id)
	r.ordered = orderMounts(r.mounts)
	r.mu.Unlock()

	if m != nil {
		m.Provider.Close()
	}
	logging.Info("mount removed", zap.String("mount_id", id))
	return nil
}

// Close closes every provider.
func (r *Router) Close() error {
	r.mu.Lock()
	all := make([]*Mount, 0, len(r.mounts)+len(r.local))
	for _, m := range r.mounts {
		all = append(all, m)
	}
	for _, m := range r.local {
		all = append(all, m)
	}
	r.mounts = make(map[string]*Mount)
	r.local = make(map[string]*Mount)
	r.ordered = nil
	r.mu.Unlock()

	var firstErr error
	for _, m := range all {
		if err := m.Provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
