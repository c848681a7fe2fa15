package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/monitor"
	"github.com/JakeFAU/adnotifier/internal/scheduler"
)

type scheduleRequest struct {
	Interval       string `json:"interval"`
	RunImmediately bool   `json:"run_immediately"`
}

// triggerCycle handles POST /v1/cycle. The cycle runs in the background;
// 409 means one is already running.
func (s *Server) triggerCycle(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cycles.Trigger(s.deps.JobID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("cycle triggered via API", zap.String("job_id", s.deps.JobID))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": s.deps.JobID, "status": "triggered"})
}

// cycleStatus handles GET /v1/cycle. An unregistered job reports registered=false.
func (s *Server) cycleStatus(w http.ResponseWriter, _ *http.Request) {
	status, _ := s.deps.Cycles.Status(s.deps.JobID)
	writeJSON(w, http.StatusOK, status)
}

// cancelCycle handles DELETE /v1/cycle.
func (s *Server) cancelCycle(w http.ResponseWriter, _ *http.Request) {
	removed := s.deps.Cycles.Cancel(s.deps.JobID)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": s.deps.JobID, "canceled": removed})
}

// scheduleCycle handles POST /v1/cycle/schedule, replacing the registration.
func (s *Server) scheduleCycle(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil || interval <= 0 {
		s.fail(w, r, fmt.Errorf("%w: interval must be a positive duration, got %q", monitor.ErrInvalidEntry, req.Interval))
		return
	}
	var opts []scheduler.RegisterOption
	if req.RunImmediately {
		opts = append(opts, scheduler.RunImmediately())
	}
	if err := s.deps.Cycles.Register(s.deps.JobID, interval, s.deps.Job, opts...); err != nil {
		s.fail(w, r, err)
		return
	}
	status, _ := s.deps.Cycles.Status(s.deps.JobID)
	writeJSON(w, http.StatusOK, status)
}
