package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Policy  string `json:"policy"`
	Pending int64  `json:"pending"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Policy:  s.engine.PolicyName(),
		Pending: s.engine.Pending(),
	})
}
