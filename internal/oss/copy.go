package oss

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/metrics"
	"github.com/fruitsalade/objstore/internal/objstore"
)

// copyPlan is a validated copy or move.
type copyPlan struct {
	src, dst     target
	srcKey       string
	dstKey       string
	folder       bool
	native       bool
	srcPath      string
	dstPath      string
	moveRequired bool
}

// Copy copies the file or folder at srcPath into the folder dstDir, keeping
// its name. Copying onto an existing name fails with KindAlreadyExists and
// leaves the destination untouched.
func (s *Service) Copy(ctx context.Context, srcPath, dstDir string) (Entry, error) {
	plan, err := s.planCopy(ctx, srcPath, dstDir, false)
	if err != nil {
		return Entry{}, err
	}
	return s.transfer(ctx, plan)
}

// Move copies like Copy, then removes the source while still holding its
// lock.
func (s *Service) Move(ctx context.Context, srcPath, dstDir string) (Entry, error) {
	plan, err := s.planCopy(ctx, srcPath, dstDir, true)
	if err != nil {
		return Entry{}, err
	}
	return s.transfer(ctx, plan)
}

func (s *Service) planCopy(ctx context.Context, srcPath, dstDir string, move bool) (copyPlan, error) {
	src, err := s.resolve(srcPath)
	if err != nil {
		return copyPlan{}, err
	}
	dst, err := s.resolve(dstDir)
	if err != nil {
		return copyPlan{}, err
	}
	plan := copyPlan{src: src, dst: dst, srcPath: srcPath, moveRequired: move}
	sp, dp := src.provider(), dst.provider()

	var name string
	switch {
	case src.key == "":
		if move {
			return plan, errs.New(errs.KindInvalidInput, "cannot move mount root %s", srcPath)
		}
		// A mount root copies as a folder named after the mount.
		plan.folder = true
		name = path.Base(src.mount.Prefix())
	case objstore.IsFolderKey(src.key):
		plan.folder = true
		plan.srcKey = src.key
	case sp.Exists(ctx, src.key):
		plan.srcKey = src.key
	default:
		plan.folder = true
		plan.srcKey = objstore.FolderKey(src.key)
	}
	if plan.srcKey != "" {
		if !sp.Exists(ctx, plan.srcKey) {
			return plan, errs.New(errs.KindNotFound, "%s not found", srcPath)
		}
		name = objstore.BaseName(plan.srcKey)
	}

	dstDirKey := objstore.FolderKey(dst.key)
	if dstDirKey != "" && !dp.Exists(ctx, dstDirKey) {
		return plan, errs.New(errs.KindNotFound, "destination folder %s not found", dstDir)
	}
	plan.dstKey = dstDirKey + name
	if plan.folder {
		plan.dstKey += "/"
	}
	plan.dstPath = dst.path(plan.dstKey)

	sameMount := src.mount.Config.ID == dst.mount.Config.ID
	if sameMount && plan.folder && strings.HasPrefix(plan.dstKey, plan.srcKey) {
		return plan, errs.New(errs.KindInvalidInput, "cannot copy %s into itself", srcPath)
	}
	if dp.Exists(ctx, plan.dstKey) || dp.Exists(ctx, otherForm(plan.dstKey)) {
		return plan, errs.New(errs.KindAlreadyExists, "%s already exists", plan.dstPath)
	}

	plan.native = plan.srcKey != "" && sameStore(sp.Config(), dp.Config())
	return plan, nil
}

// otherForm turns a file key into the folder key of the same name and back.
func otherForm(key string) string {
	if objstore.IsFolderKey(key) {
		return strings.TrimSuffix(key, "/")
	}
	return key + "/"
}

// sameStore reports whether two mounts live on one storage service, so
// objects can be copied server side.
func sameStore(a, b objstore.BucketConfig) bool {
	return a.Platform == b.Platform && a.Endpoint == b.Endpoint
}

func (s *Service) transfer(ctx context.Context, plan copyPlan) (Entry, error) {
	sp, dp := plan.src.provider(), plan.dst.provider()

	lctx, unlock, err := sp.Lock(ctx, plan.srcKey)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindLocked, err, "waiting for %s", plan.srcPath)
	}
	defer unlock()

	// The destination may have appeared while we waited for the lock.
	if dp.Exists(lctx, plan.dstKey) {
		return Entry{}, errs.New(errs.KindAlreadyExists, "%s already exists", plan.dstPath)
	}

	var created []objstore.FileInfo
	if plan.native {
		created, err = s.nativeCopy(lctx, plan)
	} else if plan.folder {
		created, err = s.streamTree(lctx, plan)
	} else {
		var fi objstore.FileInfo
		fi, err = s.streamObject(lctx, sp, plan.srcKey, dp, plan.dstKey)
		created = []objstore.FileInfo{fi}
	}
	dp.ClearCache(plan.dstKey)
	if err != nil {
		return Entry{}, err
	}

	mode := "streamed"
	if plan.native {
		mode = "native"
	}
	logging.Info("copied",
		zap.String("from", plan.srcPath),
		zap.String("to", plan.dstPath),
		zap.String("mode", mode),
		zap.Int("objects", len(created)))

	for _, fi := range created {
		s.save(ctx, plan.dst, fi)
	}
	s.notifier.Notify(plan.dst.username(), plan.dstPath, events.KindCreated)

	if plan.moveRequired {
		var ok bool
		if plan.folder {
			ok = sp.DeleteRecursive(lctx, plan.srcKey)
		} else {
			ok = sp.DeleteObject(lctx, plan.srcKey)
		}
		if !ok {
			return Entry{}, errs.New(errs.KindOperationFailed,
				"copied %s to %s but failed to remove the source", plan.srcPath, plan.dstPath)
		}
		s.forget(ctx, plan.src, plan.srcKey)
	}

	top := s.fileInfo(ctx, plan.dst, plan.dstKey, 0)
	return newEntry(plan.dst, top), nil
}

// save records fi without notifying.
func (s *Service) save(ctx context.Context, t target, fi objstore.FileInfo) {
	vpath := t.path(fi.Key)
	if err := s.store.Save(ctx, newRecord(t, fi)); err != nil {
		logging.Error("failed to save file record", zap.String("path", vpath), zap.Error(err))
	}
}

// nativeCopy lets the storage service copy the objects itself.
func (s *Service) nativeCopy(ctx context.Context, plan copyPlan) ([]objstore.FileInfo, error) {
	sp, dp := plan.src.provider(), plan.dst.provider()
	keys, ok := sp.CopyObject(ctx, sp.Config().Bucket, plan.srcKey, dp.Config().Bucket, plan.dstKey)
	if !ok {
		return nil, errs.New(errs.KindOperationFailed, "failed to copy %s", plan.srcPath)
	}
	if !plan.folder {
		return []objstore.FileInfo{s.fileInfo(ctx, plan.dst, plan.dstKey, 0)}, nil
	}

	dp.ClearCache(plan.dstKey)
	listed := make(map[string]objstore.FileInfo)
	all, ok := dp.ListAll(ctx, plan.dstKey)
	if !ok {
		// The objects are already copied; only their metadata is missing.
		logging.Warn("failed to list copied folder, recording synthesized metadata",
			zap.String("path", plan.dstPath))
	}
	for _, fi := range all {
		listed[fi.Key] = fi
	}
	out := make([]objstore.FileInfo, 0, len(keys))
	for _, k := range keys {
		fi, ok := listed[k]
		if !ok {
			fi = objstore.NewFileInfo(dp.Config().Bucket, k, 0, timeNow(), "")
		}
		out = append(out, fi)
	}
	return out, nil
}

// streamTree recreates the folder structure below the source on the
// destination, then streams every object across. The source is listed
// once. The first failure cancels the remaining transfers.
func (s *Service) streamTree(ctx context.Context, plan copyPlan) ([]objstore.FileInfo, error) {
	sp, dp := plan.src.provider(), plan.dst.provider()

	tree, ok := sp.ListAll(ctx, plan.srcKey)
	if !ok {
		return nil, errs.New(errs.KindOperationFailed, "failed to list %s", plan.srcPath)
	}
	root, ok := dp.Mkdir(ctx, plan.dstKey)
	if !ok {
		return nil, errs.New(errs.KindOperationFailed, "failed to create %s", plan.dstPath)
	}

	folders := make(map[string]bool)
	var leaves []objstore.FileInfo
	for _, fi := range tree {
		rel := strings.TrimPrefix(fi.Key, plan.srcKey)
		if rel == "" {
			continue
		}
		if fi.IsFolder {
			folders[rel] = true
		} else {
			leaves = append(leaves, fi)
		}
		for parent := objstore.ParentKey(rel); parent != ""; parent = objstore.ParentKey(parent) {
			folders[parent] = true
		}
	}
	dirs := make([]string, 0, len(folders))
	for rel := range folders {
		dirs = append(dirs, rel)
	}
	sort.Strings(dirs)

	var (
		mu      sync.Mutex
		created = []objstore.FileInfo{root}
	)
	collect := func(fi objstore.FileInfo) {
		mu.Lock()
		created = append(created, fi)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rel := range dirs {
		key := plan.dstKey + rel
		g.Go(func() error {
			fi, ok := dp.Mkdir(gctx, key)
			if !ok {
				logging.Error("copy item failed", zap.String("op", "mkdir"), zap.String("key", key))
				return errs.New(errs.KindOperationFailed, "failed to create %s", plan.dst.path(key))
			}
			collect(fi)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, leaf := range leaves {
		srcKey := leaf.Key
		dstKey := plan.dstKey + strings.TrimPrefix(srcKey, plan.srcKey)
		g.Go(func() error {
			fi, err := s.streamObject(gctx, sp, srcKey, dp, dstKey)
			if err != nil {
				return err
			}
			collect(fi)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return created, nil
}

// streamObject reads one object from sp and uploads it to dp.
func (s *Service) streamObject(ctx context.Context, sp objstore.Provider, srcKey string, dp objstore.Provider, dstKey string) (objstore.FileInfo, error) {
	obj, ok := sp.GetObject(ctx, srcKey, 0, 0)
	if !ok {
		logging.Error("copy item failed", zap.String("op", "get_object"), zap.String("key", srcKey))
		return objstore.FileInfo{}, errs.New(errs.KindOperationFailed, "failed to read %s", srcKey)
	}
	defer obj.Close()

	if !dp.UploadFile(ctx, dstKey, obj.Body, obj.ContentLength) {
		logging.Error("copy item failed", zap.String("op", "upload_file"), zap.String("key", dstKey))
		return objstore.FileInfo{}, errs.New(errs.KindOperationFailed, "failed to write %s", dstKey)
	}
	metrics.RecordCopyObject("streamed")
	return objstore.NewFileInfo(dp.Config().Bucket, dstKey, obj.ContentLength, timeNow(), obj.Info.ETag), nil
}
