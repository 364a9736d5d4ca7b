package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/logging"
)

func (s *Server) requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return "", false
	}
	return p, true
}

// ─── Browse ─────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}
	entries, err := s.svc.List(r.Context(), p)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	entry, err := s.svc.Info(r.Context(), p)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	entry, err := s.svc.Info(r.Context(), p)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if entry.IsFolder {
		s.sendError(w, http.StatusBadRequest, "cannot download a folder")
		return
	}

	offset, length, hasRange, err := parseRange(r.Header.Get("Range"), entry.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", entry.Size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	obj, err := s.svc.Open(r.Context(), p, offset, length)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	defer obj.Close()

	ct := mime.TypeByExtension(path.Ext(p))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")
	if obj.Info.ETag != "" {
		w.Header().Set("ETag", `"`+obj.Info.ETag+`"`)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	if hasRange {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+obj.ContentLength-1, entry.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, obj.Body); err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("path", p), zap.Error(err))
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	if r.ContentLength < 0 {
		s.sendError(w, http.StatusLengthRequired, "content length required")
		return
	}
	entry, err := s.svc.Write(r.Context(), p, r.Body, r.ContentLength)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, entry)
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	expiry := s.presignExpiry
	if v := r.URL.Query().Get("expiry"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.sendError(w, http.StatusBadRequest, "invalid expiry")
			return
		}
		expiry = d
	}
	url, err := s.svc.Presign(r.Context(), p, expiry)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().Add(expiry).UTC(),
	})
}

// ─── Mutations ──────────────────────────────────────────────────────────────

type pathRequest struct {
	Path string `json:"path"`
}

type renameRequest struct {
	Path    string `json:"path"`
	NewName string `json:"new_name"`
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErr(w, r, err)
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}
	entry, err := s.svc.Mkdir(r.Context(), req.Path)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErr(w, r, err)
		return
	}
	if req.Path == "" || req.NewName == "" {
		s.sendError(w, http.StatusBadRequest, "path and new_name required")
		return
	}
	entry, err := s.svc.Rename(r.Context(), req.Path, req.NewName)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

// handleDelete accepts one or more path parameters.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	paths := r.URL.Query()["path"]
	if len(paths) == 0 {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}
	if err := s.svc.Delete(r.Context(), paths...); err != nil {
		s.sendErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, false)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, true)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, move bool) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErr(w, r, err)
		return
	}
	if req.From == "" || req.To == "" {
		s.sendError(w, http.StatusBadRequest, "from and to required")
		return
	}
	copyFn := s.svc.Copy
	if move {
		copyFn = s.svc.Move
	}
	entry, err := copyFn(r.Context(), req.From, req.To)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, entry)
}
