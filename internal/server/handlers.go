package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/scheduler"
	"github.com/corvohq/batchrun/internal/store"
)

type jobView struct {
	Job      *batch.Job             `json:"job"`
	Progress batch.ProgressSnapshot `json:"progress"`
}

type submitResponse struct {
	jobView
	ContinueURL string `json:"continue_url"`
	Token       string `json:"token,omitempty"`
}

type stepResponse struct {
	batch.StepResult
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type listResponse struct {
	Jobs []jobView `json:"jobs"`
}

func viewOf(job *batch.Job) jobView {
	return jobView{Job: job, Progress: batch.Estimate(job)}
}

// continueURL is the redirect-driver address of a job.
func continueURL(jobID, token string) string {
	u := "/batch/" + url.PathEscape(jobID)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// statusOf maps batch errors to HTTP status codes.
func statusOf(err error) int {
	switch batch.ErrorCodeOf(err) {
	case batch.ErrorCodeNotFound:
		return http.StatusNotFound
	case batch.ErrorCodeMalformedJob:
		return http.StatusUnprocessableEntity
	case batch.ErrorCodeOperationFailure:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeBatchError(w http.ResponseWriter, err error) {
	code := string(batch.ErrorCodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	writeError(w, statusOf(err), err.Error(), code)
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, jobID string) bool {
	if err := s.tokens.Verify(requestToken(r), jobID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error(), "UNAUTHORIZED")
		return false
	}
	return true
}

// claimStep admits one API step for a job. It refuses jobs stepped by the
// scheduler and jobs that already have a step running. The returned func
// releases the claim.
func (s *Server) claimStep(w http.ResponseWriter, r *http.Request, id string) (func(), bool) {
	job, err := s.runner.Load(r.Context(), id)
	if err != nil {
		writeBatchError(w, err)
		return nil, false
	}
	if job.Driver == scheduler.DriverName {
		writeError(w, http.StatusConflict, fmt.Sprintf("job %s is stepped by the %s driver", id, job.Driver), "DRIVER_MANAGED")
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.stepping[id]; busy {
		writeError(w, http.StatusConflict, fmt.Sprintf("a step is already running for job %s", id), "STEP_IN_PROGRESS")
		return nil, false
	}
	s.stepping[id] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.stepping, id)
		s.mu.Unlock()
	}, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req batch.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "INVALID_JSON")
		return
	}
	if strings.TrimSpace(req.Driver) == "" {
		req.Driver = s.driver
	}
	if !s.runner.HasDriver(strings.TrimSpace(req.Driver)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown driver %q", req.Driver), "UNKNOWN_DRIVER")
		return
	}

	job, err := s.queue.Submit(r.Context(), req)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	token, err := s.tokens.Issue(job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	if err := s.runner.Schedule(r.Context(), job); err != nil {
		slog.Error("schedule submitted job", "job_id", job.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		jobView:     viewOf(job),
		ContinueURL: continueURL(job.ID, token),
		Token:       token,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Status: q.Get("status"), Driver: q.Get("driver")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "INVALID_LIMIT")
			return
		}
		f.Limit = n
	}
	jobs, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	resp := listResponse{Jobs: make([]jobView, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, viewOf(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.authorize(w, r, id) {
		return
	}
	release, ok := s.claimStep(w, r, id)
	if !ok {
		return
	}
	res, err := s.runner.Step(r.Context(), id)
	release()
	if err != nil {
		writeJSON(w, statusOf(err), stepResponse{
			StepResult: res,
			Error:      err.Error(),
			Code:       string(batch.ErrorCodeOf(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{StepResult: res})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.authorize(w, r, id) {
		return
	}
	job, err := s.runner.Restart(r.Context(), id)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	if err := s.runner.Schedule(r.Context(), job); err != nil {
		slog.Error("schedule restarted job", "job_id", job.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.authorize(w, r, id) {
		return
	}
	if _, err := s.runner.Load(r.Context(), id); err != nil {
		writeBatchError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleContinue is the redirect driver: every request runs one step and
// redirects back to itself until the job finishes, then to the job redirect.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.authorize(w, r, id) {
		return
	}
	release, ok := s.claimStep(w, r, id)
	if !ok {
		return
	}
	res, err := s.runner.Step(r.Context(), id)
	release()
	if err != nil {
		writeJSON(w, statusOf(err), stepResponse{
			StepResult: res,
			Error:      err.Error(),
			Code:       string(batch.ErrorCodeOf(err)),
		})
		return
	}

	w.Header().Set("X-Batch-Percent", strconv.Itoa(res.Progress.Percent))
	switch res.Kind {
	case batch.StepContinue:
		if res.Progress.Message != "" {
			w.Header().Set("X-Batch-Message", res.Progress.Message)
		}
		http.Redirect(w, r, continueURL(id, requestToken(r)), http.StatusSeeOther)
	default:
		if res.Redirect != "" {
			http.Redirect(w, r, res.Redirect, http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusOK, stepResponse{StepResult: res})
	}
}
