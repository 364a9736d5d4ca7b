package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/oss"
)

// Chunked uploads follow the simple-uploader convention: chunk parameters
// arrive as query or form fields, the chunk body as the "file" form part or
// as the raw request body.

func intParam(r *http.Request, name string) (int64, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errs.New(errs.KindInvalidInput, "invalid %s", name)
	}
	return n, nil
}

type chunkParams struct {
	path             string
	chunkNumber      int64
	totalChunks      int64
	currentChunkSize int64
	totalSize        int64
}

func parseChunkParams(r *http.Request) (chunkParams, error) {
	c := chunkParams{path: r.FormValue("path")}
	if c.path == "" {
		return c, errs.New(errs.KindInvalidInput, "path required")
	}
	var err error
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"chunkNumber", &c.chunkNumber},
		{"totalChunks", &c.totalChunks},
		{"currentChunkSize", &c.currentChunkSize},
		{"totalSize", &c.totalSize},
	} {
		if *f.dst, err = intParam(r, f.name); err != nil {
			return c, err
		}
	}
	// Chunk counts are narrowed to int32 later; reject anything a part
	// number cannot be before it wraps.
	if c.chunkNumber > oss.MaxChunks || c.totalChunks > oss.MaxChunks {
		return c, errs.New(errs.KindInvalidInput, "at most %d chunks are supported", oss.MaxChunks)
	}
	return c, nil
}

func (s *Server) handleUploadCheck(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	res, err := s.svc.CheckExist(r.Context(), p)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleChunkCheck lets a client learn which chunks to skip when resuming.
func (s *Server) handleChunkCheck(w http.ResponseWriter, r *http.Request) {
	c, err := parseChunkParams(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	res, err := s.svc.CheckChunk(r.Context(), c.path, int(c.totalChunks), c.totalSize)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if isMultipart(r) {
		if err := r.ParseMultipartForm(s.maxMemory); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()
		f, _, err := r.FormFile("file")
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "file part required")
			return
		}
		defer f.Close()
		body = f
	}

	c, err := parseChunkParams(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	res, err := s.svc.UploadChunk(r.Context(), oss.Chunk{
		Path:             c.path,
		ChunkNumber:      int32(c.chunkNumber),
		TotalChunks:      int(c.totalChunks),
		CurrentChunkSize: c.currentChunkSize,
		TotalSize:        c.totalSize,
		Body:             body,
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	c, err := parseChunkParams(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	res, err := s.svc.Merge(r.Context(), c.path, c.totalSize)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	c, err := parseChunkParams(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	res, err := s.svc.Status(r.Context(), c.path, int(c.totalChunks))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Abort(r.Context(), p)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}
