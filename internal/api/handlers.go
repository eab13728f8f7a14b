package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/task"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Tasks:         s.deps.Registry.Len(),
	}
	for _, st := range s.deps.Runner.States() {
		if st == task.StateRunning {
			resp.Running++
		}
	}
	if last := s.deps.Runner.Last(); last != nil {
		ok := last.OK()
		resp.LastRunOK = &ok
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTasks handles GET /tasks. Tasks are listed in registration order;
// tasks that never ran report pending.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Runner.States()
	names := s.deps.Registry.Names()
	out := make([]TaskInfo, 0, len(names))
	for _, name := range names {
		t, err := s.deps.Registry.Lookup(name)
		if err != nil {
			continue
		}
		info := TaskInfo{
			Name:         name,
			Description:  t.Description,
			Dependencies: append([]string{}, t.Dependencies...),
			State:        string(task.StatePending),
		}
		if info.Description == "" && s.deps.Describe != nil {
			info.Description = s.deps.Describe(name)
		}
		if st, ok := states[name]; ok {
			info.State = string(st)
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}

// handleLatestRun handles GET /runs/latest.
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	last := s.deps.Runner.Last()
	if last == nil {
		s.writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	respondJSON(w, http.StatusOK, last)
}

// handleRun handles POST /run/{task}. By default the run is queued and 202
// returned; ?wait=true blocks until it finishes.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task")
	if !s.deps.Registry.Has(name) {
		s.writeError(w, http.StatusNotFound, "task not found: "+name)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		s.enqueue(name)
		s.logger.Info("Run requested", "task", name, "request_id", middleware.GetReqID(r.Context()))
		respondJSON(w, http.StatusAccepted, RunAccepted{Task: name, Status: "queued"})
		return
	}

	select {
	case s.syncSemaphore <- struct{}{}:
		defer func() { <-s.syncSemaphore }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent synchronous runs, retry later or drop ?wait")
		return
	}

	ctx := r.Context()
	if s.config.MaxSyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.MaxSyncTimeout)
		defer cancel()
	}

	res, err := s.deps.Runner.Run(ctx, name)
	if err != nil {
		var notFound *task.TaskNotFoundError
		var cyclic *task.CyclicDependencyError
		switch {
		case errors.As(err, &notFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &cyclic):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{OK: res.OK(), ExitCode: res.ExitCode(), Result: res})
}

func (s *Server) enqueue(name string) {
	if s.deps.Triggerer != nil {
		s.deps.Triggerer.Trigger(s.baseCtx, name)
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.deps.Runner.Run(s.baseCtx, name); err != nil {
			s.logger.Error("Queued run failed to start", "task", name, "error", err)
		}
	}()
}

// Wait blocks until runs queued without a Triggerer have finished.
func (s *Server) Wait() { s.bg.Wait() }

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.deps.Registry, s.config.Token != ""))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
