package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/forge/internal/domain"
)

// RunStore defines the persistence interface for runs. Every state
// transition is a CAS write returning whether this caller won it.
// Implemented by postgres store (production) and memory store (tests).
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	DeleteRun(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	ClaimQueued(ctx context.Context, runID string, now time.Time) (bool, error)
	ClaimStale(ctx context.Context, runID string, observedHeartbeat, observedStarted *time.Time, now time.Time) (bool, error)
	Heartbeat(ctx context.Context, runID string, station *domain.Station, now time.Time) (bool, error)
	FinalizeSucceeded(ctx context.Context, runID string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, runID string, station domain.Station, reason string, now time.Time) (bool, error)
	CancelQueued(ctx context.Context, runID string, now time.Time) (bool, error)

	SetQueueFailure(ctx context.Context, runID string) error
	ClearQueueFailure(ctx context.Context, runID string) error
	DeleteTerminalOlderThan(ctx context.Context, olderThan time.Time) (int, error)
}

// StationStore defines the persistence interface for station executions.
type StationStore interface {
	GetStation(ctx context.Context, runID string, station domain.Station) (*domain.StationExecution, error)
	ListStations(ctx context.Context, runID string) ([]domain.StationExecution, error)
	UpsertRunning(ctx context.Context, runID string, station domain.Station, startedAt time.Time, externalRef *string, metadata json.RawMessage) error
	SaveProgress(ctx context.Context, runID string, station domain.Station, summary string, externalRef *string, metadata json.RawMessage) error
	CompleteStation(ctx context.Context, runID string, station domain.Station, status domain.StationStatus, finishedAt time.Time, durationMs int64, summary string, externalRef *string, metadata json.RawMessage) (bool, error)
}

// ArtifactStore defines the persistence interface for run artifacts.
type ArtifactStore interface {
	UpsertArtifact(ctx context.Context, artifact *domain.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error)
}

// maxRunListLimit caps the limit query parameter for GET /v1/runs.
const maxRunListLimit = 100

// RunFilter holds optional filters for listing runs.
// Zero Limit means the default page size.
type RunFilter struct {
	RepoOwner string
	RepoName  string
	Status    string
	Limit     int
}

// MountRunRoutes registers run endpoints on the router.
func MountRunRoutes(r chi.Router, srv *Server) {
	r.Get("/runs", srv.HandleListRuns)
	r.Post("/runs", srv.HandleSubmitRun)
	r.Get("/runs/{runID}", srv.HandleGetRun)
	r.Post("/runs/{runID}/cancel", srv.HandleCancelRun)
}

// HandleListRuns returns runs, optionally filtered by status and repo, newest first.
// Filters: ?status=queued|running|succeeded|failed|canceled, ?repo=owner/name, ?limit<=100.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := RunFilter{Limit: 50}

	if v := r.URL.Query().Get("status"); v != "" {
		if !domain.ValidRunStatus(v) {
			errorJSON(w, "status must be one of queued, running, succeeded, failed, canceled", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.Status = v
	}
	if v := r.URL.Query().Get("repo"); v != "" {
		owner, name, ok := strings.Cut(v, "/")
		if !ok || owner == "" || name == "" {
			errorJSON(w, "repo must be in owner/name form", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.RepoOwner, filter.RepoName = owner, name
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunListLimit {
			errorJSON(w, "limit must be an integer between 1 and 100", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	runs, err := s.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetRun returns a run projection: the run itself, its station
// executions in pipeline order, and its artifacts newest first.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.Runs.GetRun(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	stations, err := s.Stations.ListStations(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	artifacts, err := s.Artifacts.ListArtifacts(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"stations":  stations,
		"artifacts": artifacts,
	})
}

// HandleCancelRun cancels a run that has not started executing. Only queued
// runs are cancellable; there is no in-flight cancellation.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.Runs.GetRun(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	ok, err := s.Runs.CancelQueued(r.Context(), runID, time.Now().UTC())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if !ok {
		errorJSON(w, "run is not cancellable (status: "+string(run.Status)+")", "CONFLICT", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"runId":  runID,
		"status": string(domain.RunStatusCanceled),
	})
}
