package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"rollbox/internal/history"
	"rollbox/internal/provenance"
	"rollbox/internal/rollback"
	"rollbox/internal/security"
)

const (
	MaxPayloadBytes  = 64 * 1024
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	// MaxClockSkew is how far in the future a reported deployed_at may be.
	MaxClockSkew = 5 * time.Minute
)

var validate = validator.New()

// rollbackRequest is the body of POST /projects/{name}/rollback. An empty
// Commit rolls back to the previous successful deployment.
type rollbackRequest struct {
	Commit string `json:"commit" validate:"omitempty,hexadecimal,min=4,max=40"`
	Reason string `json:"reason" validate:"required,max=1000"`
}

// recordRequest is the body of POST /projects/{name}/deployments.
type recordRequest struct {
	CommitHash  string          `json:"commit_hash" validate:"omitempty,hexadecimal,len=40"`
	Branch      string          `json:"branch" validate:"omitempty,max=255"`
	Status      history.Status  `json:"status" validate:"omitempty,oneof=success failed"`
	GitHubRunID int64           `json:"github_run_id" validate:"gte=0"`
	DeployedAt  *time.Time      `json:"deployed_at"`
	Duration    *float64        `json:"duration" validate:"omitempty,gte=0"`
	DeployedBy  string          `json:"deployed_by" validate:"omitempty,max=255"`
	Steps       history.StepLog `json:"deployment_steps"`
}

type cleanupRequest struct {
	Keep int `json:"keep" validate:"gte=0"`
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":        "ok",
		"projects":      s.Registry.List(),
		"project_count": s.Registry.Count(),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleCurrent returns the live deployment, or 404 when none exists.
func (s *Server) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	current, err := s.History.CurrentDeployment(r.Context(), proj.Name)
	if err != nil {
		s.Logger.Error("Failed to get current deployment", "error", err, "project", proj.Name)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to fetch current deployment"))
		return
	}
	if current == nil {
		s.respondJSON(w, http.StatusNotFound, errorBody("No current deployment"))
		return
	}

	s.respondJSON(w, http.StatusOK, current)
}

// HandleDeployments returns one page of history, newest first.
func (s *Server) HandleDeployments(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	limit, err := queryInt(r, "limit", DefaultPageLimit)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	limit = min(limit, MaxPageLimit)

	result, err := s.History.History(r.Context(), proj.Name, page, limit)
	if err != nil {
		s.Logger.Error("Failed to get deployment history", "error", err, "project", proj.Name)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to fetch deployment history"))
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

// HandleTargets lists the deployments a rollback can go to.
func (s *Server) HandleTargets(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	targets, err := s.service(proj).AvailableTargets(r.Context())
	if err != nil {
		s.Logger.Error("Failed to list rollback targets", "error", err, "project", proj.Name)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to list rollback targets"))
		return
	}
	if targets == nil {
		targets = []history.Record{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project": proj.Name,
		"targets": targets,
	})
}

// HandleRecord stores a deployment reported by CI. When only a run id is
// given, commit, branch, actor and outcome come from the GitHub run.
func (s *Server) HandleRecord(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	var req recordRequest
	if !s.decode(w, r, &req) {
		return
	}

	record := &history.Record{
		Project:    proj.Name,
		CommitHash: strings.ToLower(req.CommitHash),
		Branch:     req.Branch,
		Status:     req.Status,
		Duration:   req.Duration,
		Steps:      req.Steps,
	}
	if req.DeployedAt != nil {
		if req.DeployedAt.After(time.Now().Add(MaxClockSkew)) {
			s.respondJSON(w, http.StatusBadRequest, errorBody("deployed_at is in the future"))
			return
		}
		record.DeployedAt = *req.DeployedAt
	}
	if req.DeployedBy != "" {
		record.DeployedBy = &req.DeployedBy
	}
	if proj.Repository != "" {
		repo := proj.Repository
		record.Repository = &repo
	}

	if req.GitHubRunID > 0 {
		runID := strconv.FormatInt(req.GitHubRunID, 10)
		record.GitHubRunID = &runID

		if record.CommitHash == "" {
			if err := s.applyRun(r.Context(), record, req.GitHubRunID); err != nil {
				status := http.StatusBadGateway
				if errors.Is(err, provenance.ErrRunNotFound) {
					status = http.StatusNotFound
				} else if errors.Is(err, errNoResolver) {
					status = http.StatusBadRequest
				}
				s.Logger.Warn("Failed to resolve workflow run", "error", err, "project", proj.Name, "run_id", req.GitHubRunID)
				s.respondJSON(w, status, errorBody(err.Error()))
				return
			}
		}
	}

	if record.CommitHash == "" {
		s.respondJSON(w, http.StatusBadRequest, errorBody("commit_hash or github_run_id is required"))
		return
	}
	if err := security.ValidateFullCommitHash(record.CommitHash); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("Invalid commit_hash: %v", err)))
		return
	}
	if err := security.ValidateBranchName(record.Branch); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("Invalid branch: %v", err)))
		return
	}
	if record.Status == "" {
		record.Status = history.StatusSuccess
	}

	id, err := s.History.Record(r.Context(), record)
	if err != nil {
		s.Logger.Error("Failed to record deployment", "error", err, "project", proj.Name)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to record deployment"))
		return
	}

	s.Logger.Info("Deployment recorded", "project", proj.Name, "commit", record.CommitHash, "status", record.Status, "id", id)
	s.respondJSON(w, http.StatusCreated, record)
}

var errNoResolver = errors.New("github_run_id lookup needs a repository and a GitHub client")

// applyRun fills record from a GitHub Actions run. Fields set by the caller
// win over the run's values.
func (s *Server) applyRun(ctx context.Context, record *history.Record, runID int64) error {
	if s.Resolver == nil || record.Repository == nil {
		return errNoResolver
	}

	run, err := s.Resolver.Resolve(ctx, *record.Repository, runID)
	if err != nil {
		return err
	}

	record.CommitHash = run.HeadSHA
	if record.Branch == "" {
		record.Branch = run.HeadBranch
	}
	if record.DeployedBy == nil && run.Actor != "" {
		actor := run.Actor
		record.DeployedBy = &actor
	}
	if record.Status == "" && !run.Succeeded() {
		record.Status = history.StatusFailed
	}
	return nil
}

// HandleRollback starts an asynchronous rollback and answers 202 with the
// job id to poll.
func (s *Server) HandleRollback(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	var req rollbackRequest
	if !s.decode(w, r, &req) {
		return
	}

	job, ok := s.Jobs.Begin(proj.Name, req.Commit, req.Reason)
	if !ok {
		s.Logger.Warn("Rollback already in progress, rejecting", "project", proj.Name, "job_id", job.ID)
		s.respondJSON(w, http.StatusConflict, map[string]string{
			"error":  "Rollback already in progress",
			"job_id": job.ID,
		})
		return
	}

	s.Logger.Info("Rollback accepted", "project", proj.Name, "job_id", job.ID, "commit", req.Commit, "reason", req.Reason)
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Rollback accepted",
		"project": proj.Name,
		"job_id":  job.ID,
	})

	svc := s.service(proj)
	s.jobsWg.Add(1)
	go func() {
		defer s.jobsWg.Done()

		var result *rollback.Result
		var err error
		if req.Commit == "" {
			result, err = svc.RollbackToPrevious(context.Background(), req.Reason)
		} else {
			result, err = svc.RollbackToCommit(context.Background(), req.Commit, req.Reason)
		}
		s.Jobs.Finish(job.ID, result, err)

		if err != nil {
			s.Logger.Error("Rollback job failed", "project", proj.Name, "job_id", job.ID, "error", err)
		}
	}()
}

// HandleCleanup prunes history to the newest keep records.
func (s *Server) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	var req cleanupRequest
	if !s.decode(w, r, &req) {
		return
	}
	keep := req.Keep
	if keep == 0 {
		keep = s.Keep
	}

	deleted, err := s.History.Cleanup(r.Context(), proj.Name, keep)
	if err != nil {
		s.Logger.Error("Failed to clean up history", "error", err, "project", proj.Name)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to clean up history"))
		return
	}

	s.Logger.Info("History cleaned up", "project", proj.Name, "deleted", deleted, "keep", keep)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project": proj.Name,
		"deleted": deleted,
		"keep":    keep,
	})
}

// HandleJob reports the state of one of the project's rollback jobs.
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	proj := projectFromContext(r.Context())

	job, ok := s.Jobs.Get(chi.URLParam(r, "jobID"))
	if !ok || job.Project != proj.Name {
		s.respondJSON(w, http.StatusNotFound, errorBody("Unknown job"))
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

// decode parses and validates a JSON body. An empty body decodes to the
// zero value. It writes the error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid JSON payload"))
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' validation", fe.Field(), fe.Tag()))
			}
			s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   "Invalid request",
				"details": msgs,
			})
			return false
		}
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	respondJSON(w, s.Logger, statusCode, data)
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}
