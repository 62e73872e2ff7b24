package api

import (
	"net/http"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/storage"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Engine  engine.Stats   `json:"engine"`
	Storage *storage.Stats `json:"storage,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Engine: s.engine.Stats()}
	if s.mem != nil {
		st := s.mem.Stats()
		resp.Storage = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// policiesResponse is the JSON response for GET /v1/policies.
type policiesResponse struct {
	Active   string        `json:"active"`
	Policies []policy.Info `json:"policies"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, policiesResponse{
		Active:   s.engine.PolicyName(),
		Policies: s.engine.Policies().List(),
	})
}
