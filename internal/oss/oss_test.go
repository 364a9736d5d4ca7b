package oss

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/metadata"
	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/objstore/objstoretest"
	"github.com/fruitsalade/objstore/internal/storage"
)

// Mounts used across tests. photos and backup share a MinIO endpoint, so
// copies between them are server side; archive is on another service.
var (
	photosMount  = objstore.BucketConfig{ID: "photos", Username: "alice", FolderName: "photos", Platform: objstore.PlatformMinIO, Endpoint: "minio:9000", Bucket: "photos"}
	backupMount  = objstore.BucketConfig{ID: "backup", Username: "alice", FolderName: "backup", Platform: objstore.PlatformMinIO, Endpoint: "minio:9000", Bucket: "backup"}
	archiveMount = objstore.BucketConfig{ID: "archive", Username: "alice", FolderName: "archive", Platform: objstore.PlatformS3, Endpoint: "s3.example.com", Bucket: "archive"}
)

type memStore struct {
	mu      sync.Mutex
	records map[string]metadata.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]metadata.Record)}
}

func (m *memStore) Save(_ context.Context, rec metadata.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Path] = rec
	return nil
}

func (m *memStore) FindByPath(_ context.Context, path string) (*metadata.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[metadata.NormalizePath(path)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) DeleteByPath(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = metadata.NormalizePath(path)
	for p := range m.records {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(m.records, p)
		}
	}
	return nil
}

func (m *memStore) get(path string) (metadata.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[path]
	return rec, ok
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(username, path string, kind events.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Kind: kind, Username: username, Path: path})
}

func (r *recorder) has(kind events.Kind, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind && e.Path == path {
			return true
		}
	}
	return false
}

type harness struct {
	srv      *objstoretest.Server
	router   *storage.Router
	svc      *Service
	store    *memStore
	notes    *recorder
	mu       sync.Mutex
	drivers  map[string]*objstoretest.Driver
	localDir string
}

func newHarness(t *testing.T) *harness {
	return newHarnessOn(t, objstoretest.NewServer())
}

// newHarnessOn builds a fresh router and service over srv, as a restarted
// process would.
func newHarnessOn(t *testing.T, srv *objstoretest.Server) *harness {
	t.Helper()
	h := &harness{
		srv:     srv,
		store:   newMemStore(),
		notes:   &recorder{},
		drivers: make(map[string]*objstoretest.Driver),
	}
	build := func(_ context.Context, cfg objstore.BucketConfig) (objstore.Provider, error) {
		d := srv.Driver(cfg.Platform, cfg.Bucket)
		h.mu.Lock()
		h.drivers[cfg.ID] = d
		h.mu.Unlock()
		return objstore.NewBucket(cfg, d, objstore.Options{}), nil
	}
	router, err := storage.NewRouter(context.Background(), storage.RouterConfig{
		Source:  storage.NewStaticSource(photosMount, backupMount, archiveMount),
		Factory: build,
	})
	require.NoError(t, err)
	t.Cleanup(func() { router.Close() })

	h.router = router
	h.svc = New(Config{Router: router, Metadata: h.store, Notifier: h.notes, CopyConcurrency: 4})
	return h
}

func (h *harness) driver(id string) *objstoretest.Driver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drivers[id]
}

func (h *harness) object(t *testing.T, bucket, key string) string {
	t.Helper()
	data, ok := h.srv.Object(bucket, key)
	require.True(t, ok, "%s/%s missing", bucket, key)
	return string(data)
}
