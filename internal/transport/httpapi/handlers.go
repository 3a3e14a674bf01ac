package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jobd/internal/engine"
	"jobd/internal/storage"
)

type errorBody struct {
	Error string `json:"error"`
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	WorktreePath string `json:"worktree_path"`
	Name         string `json:"name"`
	Command      string `json:"command"`
	Cron         string `json:"cron,omitempty"`
}

// RunAccepted is returned by POST /v1/jobs/{id}/run without wait.
type RunAccepted struct {
	JobID int64 `json:"job_id"`
	RunID int64 `json:"run_id"`
}

// CronValidation is returned by POST /v1/cron/validate.
type CronValidation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se *engine.SpawnError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, engine.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidJob), errors.Is(err, engine.ErrInvalidCron):
		status = http.StatusBadRequest
	case errors.As(err, &se):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad %s", engine.ErrInvalidJob, name)
	}
	return id, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.eng.ListJobs(r.Context(), r.URL.Query().Get("worktree"))
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidJob, err))
		return
	}
	job, err := s.eng.CreateJob(r.Context(), storage.NewJob{
		WorktreePath: req.WorktreePath,
		Name:         req.Name,
		Command:      req.Command,
		Cron:         req.Cron,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "jobID")
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.eng.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "jobID")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.eng.DeleteJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunJob starts a run. With ?wait=true it responds with the
// finalized run; a client disconnect does not cancel the run.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "jobID")
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.eng.RunJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, RunAccepted{JobID: run.JobID, RunID: run.ID})
		return
	}
	final, err := run.Wait(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "jobID")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.eng.StopJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "jobID")
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, fmt.Errorf("%w: bad limit %q", engine.ErrInvalidJob, v))
			return
		}
	}
	runs, err := s.eng.GetJobRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []storage.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLiveOutput(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "jobID")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.eng.LiveOutput(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "runID")
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.eng.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expr string `json:"expr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidJob, err))
		return
	}
	res := CronValidation{Valid: true}
	if err := s.eng.Validate(req.Expr); err != nil {
		res = CronValidation{Valid: false, Error: err.Error()}
	}
	writeJSON(w, http.StatusOK, res)
}
