package storage

import (
	"context"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/objstore"
)

// MountFile is a read-only MountSource backed by a YAML file:
//
//	mounts:
//	  - id: photos
//	    username: alice
//	    folder_name: photos
//	    platform: minio
//	    endpoint: localhost:9000
//	    bucket: alice-photos
//	    access_key: minioadmin
//	    secret_key: minioadmin
//
// The file is re-read on every List so a router reload picks up edits.
type MountFile struct {
	path string
}

type mountFileDoc struct {
	Mounts []objstore.BucketConfig `yaml:"mounts"`
}

// NewMountFile creates a source reading path.
func NewMountFile(path string) *MountFile {
	return &MountFile{path: path}
}

func (f *MountFile) List(context.Context) ([]objstore.BucketConfig, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read mount file: %w", err)
	}
	var doc mountFileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse mount file %s: %w", f.path, err)
	}
	seen := make(map[string]bool, len(doc.Mounts))
	for i := range doc.Mounts {
		m := &doc.Mounts[i]
		if m.ID == "" {
			m.ID = m.Username + "/" + m.FolderName
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("mount file %s: duplicate id %q", f.path, m.ID)
		}
		seen[m.ID] = true
		p, ok := objstore.ParsePlatform(string(m.Platform))
		if !ok {
			return nil, fmt.Errorf("mount file %s: mount %q: unknown platform %q", f.path, m.ID, m.Platform)
		}
		m.Platform = p
	}
	return doc.Mounts, nil
}

func (f *MountFile) Put(context.Context, objstore.BucketConfig) (objstore.BucketConfig, error) {
	return objstore.BucketConfig{}, errs.New(errs.KindInvalidInput, "mounts are read from %s and cannot be changed at runtime", f.path)
}

func (f *MountFile) Delete(context.Context, string) error {
	return errs.New(errs.KindInvalidInput, "mounts are read from %s and cannot be changed at runtime", f.path)
}
