package objstore

import (
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/objstore/internal/metrics"
)

// uploadSession is the local hint for an in-progress multipart upload.
type uploadSession struct {
	UploadID string
	Started  time.Time
}

// MetaCache holds the per-bucket metadata caches. Entries have no TTL and are
// dropped only by Invalidate; staleness between mutations is accepted.
type MetaCache struct {
	mu      sync.RWMutex
	files   map[string]FileInfo
	lists   map[string][]FileInfo
	uploads map[string]uploadSession
}

// NewMetaCache creates empty caches.
func NewMetaCache() *MetaCache {
	return &MetaCache{
		files:   make(map[string]FileInfo),
		lists:   make(map[string][]FileInfo),
		uploads: make(map[string]uploadSession),
	}
}

// File returns the cached FileInfo for key.
func (c *MetaCache) File(key string) (FileInfo, bool) {
	c.mu.RLock()
	fi, ok := c.files[key]
	c.mu.RUnlock()
	metrics.RecordCacheLookup("file", ok)
	return fi, ok
}

// PutFile caches fi under its key.
func (c *MetaCache) PutFile(fi FileInfo) {
	c.mu.Lock()
	c.files[fi.Key] = fi
	c.mu.Unlock()
}

// List returns the cached listing of prefix.
func (c *MetaCache) List(prefix string) ([]FileInfo, bool) {
	c.mu.RLock()
	list, ok := c.lists[prefix]
	c.mu.RUnlock()
	metrics.RecordCacheLookup("list", ok)
	if !ok {
		return nil, false
	}
	out := make([]FileInfo, len(list))
	copy(out, list)
	return out, true
}

// PutList caches the listing of prefix.
func (c *MetaCache) PutList(prefix string, list []FileInfo) {
	stored := make([]FileInfo, len(list))
	copy(stored, list)
	c.mu.Lock()
	c.lists[prefix] = stored
	c.mu.Unlock()
}

// Invalidate drops key, the listing of its parent, and for folder keys every
// cached descendant and descendant listing.
func (c *MetaCache) Invalidate(key string) {
	parent := ParentKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.files, key)
	delete(c.lists, parent)
	if !IsFolderKey(key) {
		return
	}
	for k := range c.files {
		if strings.HasPrefix(k, key) {
			delete(c.files, k)
		}
	}
	for p := range c.lists {
		if strings.HasPrefix(p, key) {
			delete(c.lists, p)
		}
	}
}

// Upload returns the cached upload session for key.
func (c *MetaCache) Upload(key string) (uploadSession, bool) {
	c.mu.RLock()
	s, ok := c.uploads[key]
	c.mu.RUnlock()
	metrics.RecordCacheLookup("upload", ok)
	return s, ok
}

// PutUpload remembers uploadID for key.
func (c *MetaCache) PutUpload(key, uploadID string) {
	c.mu.Lock()
	c.uploads[key] = uploadSession{UploadID: uploadID, Started: time.Now()}
	c.mu.Unlock()
}

// DropUpload forgets the session for key if it still matches uploadID. An
// empty uploadID drops unconditionally.
func (c *MetaCache) DropUpload(key, uploadID string) {
	c.mu.Lock()
	if s, ok := c.uploads[key]; ok && (uploadID == "" || s.UploadID == uploadID) {
		delete(c.uploads, key)
	}
	c.mu.Unlock()
}

// StaleUploads returns sessions started before cutoff.
func (c *MetaCache) StaleUploads(cutoff time.Time) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string)
	for key, s := range c.uploads {
		if s.Started.Before(cutoff) {
			out[key] = s.UploadID
		}
	}
	return out
}

// Reset empties every cache.
func (c *MetaCache) Reset() {
	c.mu.Lock()
	c.files = make(map[string]FileInfo)
	c.lists = make(map[string][]FileInfo)
	c.uploads = make(map[string]uploadSession)
	c.mu.Unlock()
}
