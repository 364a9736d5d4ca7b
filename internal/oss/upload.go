package oss

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/logging"
)

// State is the lifecycle position of a chunked upload.
type State string

const (
	StateNotStarted      State = "not_started"
	StateInitiated       State = "initiated"
	StatePartsUploading  State = "parts_uploading"
	StateReadyToComplete State = "ready_to_complete"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
)

// MaxChunks is the largest number of chunks one upload may have, the
// multipart part limit of S3.
const MaxChunks = 10000

// Chunk is one piece of a client upload. Chunk numbers start at 1.
type Chunk struct {
	Path             string
	ChunkNumber      int32
	TotalChunks      int
	CurrentChunkSize int64
	TotalSize        int64
	Body             io.Reader
}

func (c Chunk) validate() error {
	switch {
	case c.Body == nil:
		return errs.New(errs.KindInvalidInput, "chunk body is required")
	case c.CurrentChunkSize < 0 || c.TotalSize < 0:
		return errs.New(errs.KindInvalidInput, "sizes must not be negative")
	case c.CurrentChunkSize == c.TotalSize:
		return nil
	case c.ChunkNumber < 1 || c.TotalChunks < 1 || int(c.ChunkNumber) > c.TotalChunks:
		return errs.New(errs.KindInvalidInput, "chunk %d of %d is out of range", c.ChunkNumber, c.TotalChunks)
	case c.TotalChunks > MaxChunks:
		return errs.New(errs.KindInvalidInput, "at most %d chunks are supported", MaxChunks)
	}
	return nil
}

// UploadResult reports the outcome of an upload step.
type UploadResult struct {
	// Pass means the object is stored and the client can stop.
	Pass bool `json:"pass"`
	// Exist means the object was already present before this call.
	Exist bool `json:"exist"`
	// Upload means the chunk was accepted.
	Upload bool `json:"upload"`
	// Merged means this call assembled the parts into the object.
	Merged bool `json:"merged"`
	// Resume lists part numbers the provider already holds.
	Resume []int32 `json:"resume,omitempty"`
	State  State   `json:"state"`
}

// CheckExist reports whether an object is already stored at p.
func (s *Service) CheckExist(ctx context.Context, p string) (UploadResult, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return UploadResult{}, err
	}
	if t.provider().Exists(ctx, t.key) {
		return UploadResult{Pass: true, Exist: true, State: StateCompleted}, nil
	}
	return UploadResult{State: StateNotStarted}, nil
}

// CheckChunk reports which parts of an upload to p the provider already
// holds, so a client can resume after either side restarted. When every
// part is present the upload is completed here.
func (s *Service) CheckChunk(ctx context.Context, p string, totalChunks int, totalSize int64) (UploadResult, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return UploadResult{}, err
	}
	provider := t.provider()
	if provider.Exists(ctx, t.key) {
		return UploadResult{Pass: true, Exist: true, State: StateCompleted}, nil
	}

	uploadID := provider.ActiveUploadID(ctx, t.key)
	if uploadID == "" {
		return UploadResult{State: StateNotStarted}, nil
	}
	parts, ok := provider.ListParts(ctx, t.key, uploadID)
	if !ok {
		return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to list parts of %s", p)
	}
	res := UploadResult{Resume: parts, State: stateOf(len(parts), totalChunks)}
	if totalChunks > 0 && len(parts) >= totalChunks {
		return s.complete(ctx, t, uploadID, totalSize)
	}
	return res, nil
}

func stateOf(parts, total int) State {
	switch {
	case parts == 0:
		return StateInitiated
	case total > 0 && parts >= total:
		return StateReadyToComplete
	}
	return StatePartsUploading
}

// UploadChunk stores one chunk. A chunk that carries the whole file is
// written directly; otherwise it becomes a multipart part, and the upload is
// completed as soon as the provider holds TotalChunks parts.
func (s *Service) UploadChunk(ctx context.Context, c Chunk) (UploadResult, error) {
	if err := c.validate(); err != nil {
		return UploadResult{}, err
	}
	t, err := s.resolveFile(c.Path)
	if err != nil {
		return UploadResult{}, err
	}
	if err := s.checkUnlocked(ctx, t, t.key); err != nil {
		return UploadResult{}, err
	}
	provider := t.provider()

	if c.CurrentChunkSize == c.TotalSize {
		kind := events.KindCreated
		if provider.Exists(ctx, t.key) {
			kind = events.KindUpdated
		}
		if !provider.UploadFile(ctx, t.key, c.Body, c.TotalSize) {
			return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to upload %s", c.Path)
		}
		s.record(ctx, t, s.fileInfo(ctx, t, t.key, c.TotalSize), kind)
		return UploadResult{Pass: true, Upload: true, State: StateCompleted}, nil
	}

	if provider.Exists(ctx, t.key) {
		return UploadResult{Pass: true, Exist: true, State: StateCompleted}, nil
	}

	uploadID := provider.UploadID(ctx, t.key)
	if uploadID == "" {
		return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to start upload of %s", c.Path)
	}
	if !provider.UploadPart(ctx, t.key, uploadID, c.ChunkNumber, c.Body, c.CurrentChunkSize) {
		return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to upload chunk %d of %s", c.ChunkNumber, c.Path)
	}

	parts, ok := provider.ListParts(ctx, t.key, uploadID)
	if !ok {
		// Another chunk may have completed the session in the meantime.
		provider.ClearCache(t.key)
		if provider.Exists(ctx, t.key) {
			return UploadResult{Pass: true, Upload: true, State: StateCompleted}, nil
		}
		return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to list parts of %s", c.Path)
	}
	if len(parts) >= c.TotalChunks {
		res, err := s.complete(ctx, t, uploadID, c.TotalSize)
		res.Upload = err == nil
		return res, err
	}
	return UploadResult{Upload: true, Resume: parts, State: stateOf(len(parts), c.TotalChunks)}, nil
}

// Merge completes the upload to p explicitly.
func (s *Service) Merge(ctx context.Context, p string, totalSize int64) (UploadResult, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return UploadResult{}, err
	}
	uploadID := t.provider().ActiveUploadID(ctx, t.key)
	if uploadID == "" {
		if t.provider().Exists(ctx, t.key) {
			return UploadResult{Pass: true, Exist: true, State: StateCompleted}, nil
		}
		return UploadResult{}, errs.New(errs.KindNotFound, "no upload in progress for %s", p)
	}
	return s.complete(ctx, t, uploadID, totalSize)
}

// complete assembles the parts once per key. A caller that waited for the
// completion lock finds the object stored and reports success.
func (s *Service) complete(ctx context.Context, t target, uploadID string, totalSize int64) (UploadResult, error) {
	lockKey := t.mount.Config.ID + "\x00" + t.key
	ctx, unlock, err := s.completing.Lock(ctx, lockKey)
	if err != nil {
		return UploadResult{}, errs.Wrap(errs.KindLocked, err, "waiting to complete %s", t.path(t.key))
	}
	defer unlock()

	provider := t.provider()
	provider.ClearCache(t.key)
	if provider.Exists(ctx, t.key) {
		return UploadResult{Pass: true, State: StateCompleted}, nil
	}

	if !provider.CompleteMultipartUpload(ctx, t.key, uploadID, totalSize) {
		return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to complete upload of %s", t.path(t.key))
	}
	logging.Info("chunked upload completed",
		append(t.fields(), zap.String("upload_id", uploadID), zap.Int64("size", totalSize))...)

	s.record(ctx, t, s.fileInfo(ctx, t, t.key, totalSize), events.KindCreated)
	return UploadResult{Pass: true, Merged: true, State: StateCompleted}, nil
}

// Abort discards the upload in progress for p. Local session state is
// cleared even if the provider call fails.
func (s *Service) Abort(ctx context.Context, p string) (UploadResult, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return UploadResult{}, err
	}
	uploadID := t.provider().ActiveUploadID(ctx, t.key)
	t.provider().AbortMultipartUpload(ctx, t.key, uploadID)
	if uploadID != "" {
		logging.Info("chunked upload aborted", append(t.fields(), zap.String("upload_id", uploadID))...)
	}
	return UploadResult{State: StateAborted}, nil
}

// Status derives the upload state for p from the provider.
func (s *Service) Status(ctx context.Context, p string, totalChunks int) (UploadResult, error) {
	t, err := s.resolveFile(p)
	if err != nil {
		return UploadResult{}, err
	}
	provider := t.provider()
	uploadID := provider.ActiveUploadID(ctx, t.key)
	if uploadID == "" {
		if provider.Exists(ctx, t.key) {
			return UploadResult{Pass: true, Exist: true, State: StateCompleted}, nil
		}
		return UploadResult{State: StateNotStarted}, nil
	}
	parts, ok := provider.ListParts(ctx, t.key, uploadID)
	if !ok {
		return UploadResult{}, errs.New(errs.KindOperationFailed, "failed to list parts of %s", p)
	}
	return UploadResult{Resume: parts, State: stateOf(len(parts), totalChunks)}, nil
}
