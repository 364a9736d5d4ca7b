// Package api exposes the storage service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/errs"
	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/metrics"
	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/oss"
	"github.com/fruitsalade/objstore/internal/storage"
)

// MountManager administers bucket mounts.
type MountManager interface {
	Mounts() []*storage.Mount
	PutMount(ctx context.Context, cfg objstore.BucketConfig) (*storage.Mount, error)
	RemoveMount(ctx context.Context, id string) error
}

// Config wires a Server.
type Config struct {
	Service     *oss.Service
	Mounts      MountManager
	Broadcaster *events.Broadcaster
	// PresignExpiry is the default lifetime of presigned URLs.
	PresignExpiry time.Duration
	// MaxChunkMemory bounds the part of a multipart form held in memory.
	MaxChunkMemory int64
}

// Server is the HTTP server.
type Server struct {
	svc           *oss.Service
	mounts        MountManager
	broadcaster   *events.Broadcaster
	presignExpiry time.Duration
	maxMemory     int64
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	s := &Server{
		svc:           cfg.Service,
		mounts:        cfg.Mounts,
		broadcaster:   cfg.Broadcaster,
		presignExpiry: cfg.PresignExpiry,
		maxMemory:     cfg.MaxChunkMemory,
	}
	if s.presignExpiry <= 0 {
		s.presignExpiry = 15 * time.Minute
	}
	if s.maxMemory <= 0 {
		s.maxMemory = 32 << 20
	}
	if s.broadcaster == nil {
		s.broadcaster = events.NewBroadcaster()
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware(routePattern))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/platforms", s.handlePlatforms)

		r.Get("/list", s.handleList)
		r.Get("/info", s.handleInfo)
		r.Get("/download", s.handleDownload)
		r.Put("/file", s.handleWrite)
		r.Get("/presign", s.handlePresign)
		r.Post("/mkdir", s.handleMkdir)
		r.Post("/rename", s.handleRename)
		r.Delete("/object", s.handleDelete)
		r.Post("/copy", s.handleCopy)
		r.Post("/move", s.handleMove)

		r.Route("/upload", func(r chi.Router) {
			r.Get("/check", s.handleUploadCheck)
			r.Get("/chunk", s.handleChunkCheck)
			r.Post("/chunk", s.handleChunkUpload)
			r.Post("/merge", s.handleMerge)
			r.Get("/status", s.handleUploadStatus)
			r.Delete("/", s.handleAbort)
		})

		r.Route("/mounts", func(r chi.Router) {
			r.Get("/", s.handleListMounts)
			r.Put("/", s.handlePutMount)
			r.Delete("/{id}", s.handleDeleteMount)
		})

		r.Get("/events", s.handleEvents)
	})
	return r
}

// routePattern labels metrics by chi route pattern instead of raw paths.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, objstore.PlatformList())
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

// sendErr maps a service error to its HTTP status.
func (s *Server) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.sendJSON(w, code, errorResponse{
		Error:     err.Error(),
		Kind:      kind.String(),
		Code:      code,
		RequestID: logging.GetRequestID(r.Context()),
	})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound, errs.KindUnmapped:
		return http.StatusNotFound
	case errs.KindAlreadyExists:
		return http.StatusConflict
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindLocked:
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.KindInvalidInput, err, "invalid request body")
	}
	return nil
}
