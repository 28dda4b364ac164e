package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
	"github.com/OrlandoBitencourt/flagkeeper/internal/sdk"
)

type workerStats struct {
	PIDs     map[string]int `json:"pids"`
	Restarts int            `json:"restarts"`
}

type statsResponse struct {
	sdk.Metrics
	Supervisor *workerStats `json:"supervisor,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.client.State()

	status := http.StatusOK
	if state == domain.StateClosed {
		status = http.StatusServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()
	source := "ok"
	if err := s.client.HealthCheck(ctx); err != nil {
		source = err.Error()
	}

	body := map[string]any{
		"status":    state.String(),
		"source":    source,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.config.Workers != nil {
		body["workers"] = len(s.config.Workers.PIDs())
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Metrics: s.client.Metrics()}
	if s.config.Workers != nil {
		resp.Supervisor = &workerStats{
			PIDs:     s.config.Workers.PIDs(),
			Restarts: s.config.Workers.Restarts(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// forward passes a mutation on to the workers and records how many were
// reached in resp.
func (s *Server) forward(resp map[string]any, send func() (int, error)) {
	n, err := send()
	if err != nil {
		s.logger.Warn("failed to signal workers", flaglog.Err(err), "workers_signaled", n)
	}
	resp["workers_signaled"] = n
}

func (s *Server) refreshWorkers(resp map[string]any) {
	if s.config.Workers != nil {
		s.forward(resp, s.config.Workers.RefreshWorkers)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.Refresh(r.Context())
	if err != nil {
		s.logger.Warn("manual refresh failed", flaglog.Err(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := map[string]any{"status": "ok", "flags": n}
	s.refreshWorkers(resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Flush(r.Context()); err != nil {
		s.logger.Warn("manual flush failed", flaglog.Err(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := map[string]any{"status": "ok"}
	if s.config.Workers != nil {
		s.forward(resp, s.config.Workers.FlushWorkers)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlagKey string `json:"flag_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FlagKey == "" {
		writeError(w, http.StatusBadRequest, "invalid request: flag_key is required")
		return
	}

	if err := s.client.InvalidateFlag(r.Context(), req.FlagKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"status": "ok", "flag": req.FlagKey}
	s.refreshWorkers(resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	if err := s.client.InvalidateAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"status": "ok"}
	s.refreshWorkers(resp)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
