package objstore

import (
	"testing"
	"time"
)

func TestNewFileInfo_FolderDerivedFromKey(t *testing.T) {
	tests := []struct {
		key    string
		folder bool
	}{
		{"a.txt", false},
		{"docs/", true},
		{"docs/a.txt", false},
		{"docs/sub/", true},
	}
	for _, tt := range tests {
		fi := NewFileInfo("b", tt.key, 1, time.Now(), `"abc"`)
		if fi.IsFolder != tt.folder {
			t.Errorf("IsFolder(%q) = %v, want %v", tt.key, fi.IsFolder, tt.folder)
		}
		if fi.ETag != "abc" {
			t.Errorf("ETag not unquoted: %q", fi.ETag)
		}
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := FolderKey("/a/b"); got != "a/b/" {
		t.Errorf("FolderKey = %q", got)
	}
	if got := FolderKey("a/b//"); got != "a/b/" {
		t.Errorf("FolderKey = %q", got)
	}
	if got := FolderKey("/"); got != "" {
		t.Errorf("FolderKey(root) = %q", got)
	}
	if got := ParentKey("a/b/c.txt"); got != "a/b/" {
		t.Errorf("ParentKey = %q", got)
	}
	if got := ParentKey("a/b/"); got != "a/" {
		t.Errorf("ParentKey(folder) = %q", got)
	}
	if got := ParentKey("top.txt"); got != "" {
		t.Errorf("ParentKey(top) = %q", got)
	}
	if got := BaseName("a/b/"); got != "b" {
		t.Errorf("BaseName = %q", got)
	}
}

func TestBucketConfig_MaskedAndPrefix(t *testing.T) {
	cfg := BucketConfig{Username: "alice", FolderName: "/photos/", AccessKey: "AKIAEXAMPLE", SecretKey: "abc"}
	if got := cfg.MountPrefix(); got != "/alice/photos" {
		t.Errorf("MountPrefix = %q", got)
	}
	m := cfg.Masked()
	if m.AccessKey != "AK*******LE" {
		t.Errorf("masked access key = %q", m.AccessKey)
	}
	if m.SecretKey != "***" {
		t.Errorf("masked secret = %q", m.SecretKey)
	}
	if cfg.SecretKey != "abc" {
		t.Error("Masked modified the original")
	}
}

func TestParsePlatform(t *testing.T) {
	if p, ok := ParsePlatform("MinIO"); !ok || p != PlatformMinIO {
		t.Errorf("ParsePlatform(MinIO) = %q, %v", p, ok)
	}
	if _, ok := ParsePlatform("gcs"); ok {
		t.Error("unsupported platform accepted")
	}
	if len(PlatformList()) != 3 {
		t.Errorf("PlatformList len = %d", len(PlatformList()))
	}
}
