package api

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	defaultBarrierTimeout = 30 * time.Second
	maxBarrierTimeout     = 10 * time.Minute
)

// barrierResponse is the JSON response for POST /v1/barrier.
type barrierResponse struct {
	Status  string `json:"status"`
	Pending int64  `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// handleBarrier waits until the engine has no outstanding operations. It
// reports the failures recorded since the previous barrier and clears them.
func (s *Server) handleBarrier(w http.ResponseWriter, r *http.Request) {
	timeout := defaultBarrierTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = min(d, maxBarrierTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	err := s.engine.WaitForAllContext(ctx)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, barrierResponse{Status: "ok"})
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		s.writeJSON(w, http.StatusGatewayTimeout, barrierResponse{
			Status:  "timeout",
			Pending: s.engine.Pending(),
			Error:   err.Error(),
		})
	default:
		s.logger.Warn("barrier observed failed operations", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, barrierResponse{
			Status: "failed",
			Error:  err.Error(),
		})
	}
}
