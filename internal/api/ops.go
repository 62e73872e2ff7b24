package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listOpsResponse wraps the paginated list response.
type listOpsResponse struct {
	Ops    []*model.OpRecord `json:"ops"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// journalEnabled writes a 503 and returns false when there is no journal.
func (s *Server) journalEnabled(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "op journal disabled")
		return false
	}
	return true
}

func (s *Server) handleGetOp(w http.ResponseWriter, r *http.Request) {
	if !s.journalEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "op record not found")
		return
	}
	if err != nil {
		s.logger.Error("get op record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get op record")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListOps(w http.ResponseWriter, r *http.Request) {
	if !s.journalEnabled(w) {
		return
	}
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	recs, total, err := s.store.ListRecords(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list op records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list op records")
		return
	}

	if recs == nil {
		recs = []*model.OpRecord{}
	}

	s.writeJSON(w, http.StatusOK, listOpsResponse{
		Ops:    recs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetOpStats(w http.ResponseWriter, r *http.Request) {
	if !s.journalEnabled(w) {
		return
	}
	stats, err := s.store.GetRecordStats(r.Context())
	if err != nil {
		s.logger.Error("get op record stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
