package api

import "github.com/mattjoyce/conduit/internal/scheduler"

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Tasks         int    `json:"tasks"`
	Running       int    `json:"running"`
	// LastRunOK is nil until a run has finished.
	LastRunOK *bool `json:"last_run_ok,omitempty"`
}

// TaskInfo is one entry of GET /tasks.
type TaskInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies"`
	State        string   `json:"state"`
}

// RunAccepted is returned by POST /run/{task} when the run is queued.
type RunAccepted struct {
	Task   string `json:"task"`
	Status string `json:"status"`
}

// RunResponse is returned by POST /run/{task}?wait=true.
type RunResponse struct {
	OK       bool              `json:"ok"`
	ExitCode int               `json:"exit_code"`
	Result   *scheduler.Result `json:"result"`
}
