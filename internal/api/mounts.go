package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fruitsalade/objstore/internal/objstore"
)

// mountResponse never carries clear-text credentials.
type mountResponse struct {
	objstore.BucketConfig
	Prefix string `json:"prefix"`
}

func (s *Server) handleListMounts(w http.ResponseWriter, r *http.Request) {
	mounts := s.mounts.Mounts()
	out := make([]mountResponse, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mountResponse{BucketConfig: m.Config.Masked(), Prefix: m.Prefix()})
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handlePutMount creates a mount, or updates the one named by id. Masked
// credentials keep their stored values.
func (s *Server) handlePutMount(w http.ResponseWriter, r *http.Request) {
	var cfg objstore.BucketConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.sendErr(w, r, err)
		return
	}
	m, err := s.mounts.PutMount(r.Context(), cfg)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, mountResponse{BucketConfig: m.Config.Masked(), Prefix: m.Prefix()})
}

func (s *Server) handleDeleteMount(w http.ResponseWriter, r *http.Request) {
	if err := s.mounts.RemoveMount(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
