package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/objstore"
)

// MountSource supplies bucket mount configurations.
type MountSource interface {
	List(ctx context.Context) ([]objstore.BucketConfig, error)
	// Put creates or replaces a mount and returns it as stored, with its ID.
	Put(ctx context.Context, cfg objstore.BucketConfig) (objstore.BucketConfig, error)
	Delete(ctx context.Context, id string) error
}

// StaticSource is an in-memory MountSource.
type StaticSource struct {
	mu     sync.Mutex
	mounts map[string]objstore.BucketConfig
	next   int
}

// NewStaticSource creates a source holding cfgs. Configs without an ID get one.
func NewStaticSource(cfgs ...objstore.BucketConfig) *StaticSource {
	s := &StaticSource{mounts: make(map[string]objstore.BucketConfig)}
	for _, cfg := range cfgs {
		s.Put(context.Background(), cfg)
	}
	return s
}

func (s *StaticSource) List(context.Context) ([]objstore.BucketConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]objstore.BucketConfig, 0, len(s.mounts))
	for _, cfg := range s.mounts {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StaticSource) Put(_ context.Context, cfg objstore.BucketConfig) (objstore.BucketConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		s.next++
		cfg.ID = fmt.Sprintf("mount-%d", s.next)
	}
	s.mounts[cfg.ID] = cfg
	return cfg, nil
}

func (s *StaticSource) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[id]; !ok {
		return errs.New(errs.KindNotFound, "mount %s not found", id)
	}
	delete(s.mounts, id)
	return nil
}
