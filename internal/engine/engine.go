// Package engine consumes run messages and drives each run through the
// fixed station pipeline: intake, plan, implement, verify, create_pr.
//
// Queue delivery is at-least-once, so every state move is a CAS against the
// store and the engine holds the writer role for a run only while its
// heartbeat is fresh. A second delivery of the same message is harmless: it
// either loses the claim CAS and defers, or resumes exactly where the
// previous worker stopped.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/coderunner"
	"github.com/forgeworks/forge/internal/domain"
	"github.com/forgeworks/forge/internal/queue"
)

const (
	// defaultStaleThreshold is how long a running run may go without a
	// heartbeat before another worker may take it over.
	defaultStaleThreshold = 30 * time.Second
	// defaultHeartbeatInterval is the period of the per-station heartbeat
	// ticker.
	defaultHeartbeatInterval = 5 * time.Second
)

// Engine executes run messages against the store and the coderunner adapter.
type Engine struct {
	runs      api.RunStore
	stations  api.StationStore
	artifacts api.ArtifactStore
	repos     api.RepoStore
	adapter   coderunner.Adapter
	log       *slog.Logger

	// StaleThreshold and HeartbeatInterval are overridable in tests.
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration

	nowFunc func() time.Time
}

// New creates an Engine over the given stores and adapter.
func New(runs api.RunStore, stations api.StationStore, artifacts api.ArtifactStore, repos api.RepoStore, adapter coderunner.Adapter, log *slog.Logger) *Engine {
	return &Engine{
		runs:              runs,
		stations:          stations,
		artifacts:         artifacts,
		repos:             repos,
		adapter:           adapter,
		log:               log,
		StaleThreshold:    defaultStaleThreshold,
		HeartbeatInterval: defaultHeartbeatInterval,
		nowFunc:           time.Now,
	}
}

// HandleMessage processes one delivered run message and decides its fate:
// ack (done or permanently unprocessable) or retry (redeliver later).
// Internal failures never propagate as errors to the queue layer.
func (e *Engine) HandleMessage(ctx context.Context, msg queue.Message) queue.Outcome {
	if err := msg.Validate(); err != nil {
		e.log.WarnContext(ctx, "queue.message.invalid", "error", err)
		return queue.OutcomeAck
	}

	run, err := e.runs.GetRun(ctx, msg.RunID)
	if err != nil {
		e.log.ErrorContext(ctx, "run load failed", "run_id", msg.RunID, "error", err)
		return queue.OutcomeRetry
	}
	if run == nil {
		e.log.WarnContext(ctx, "run.missing", "run_id", msg.RunID)
		return queue.OutcomeAck
	}
	if !domain.ValidRunStatus(string(run.Status)) {
		e.log.ErrorContext(ctx, "run.status.invalid", "run_id", run.ID, "status", run.Status)
		return queue.OutcomeAck
	}
	if run.Status.IsTerminal() {
		e.log.InfoContext(ctx, "run.skip.terminal", "run_id", run.ID, "status", run.Status)
		return queue.OutcomeAck
	}

	now := e.nowFunc().UTC()
	var startIndex int

	switch run.Status {
	case domain.RunStatusQueued:
		won, err := e.runs.ClaimQueued(ctx, run.ID, now)
		if err != nil {
			e.log.ErrorContext(ctx, "run.claim.failed", "run_id", run.ID, "error", err)
			return queue.OutcomeRetry
		}
		if !won {
			// Someone else claimed between our read and the CAS.
			current, err := e.runs.GetRun(ctx, run.ID)
			if err != nil || current == nil || !current.Status.IsTerminal() {
				return queue.OutcomeRetry
			}
			return queue.OutcomeAck
		}
		startIndex = 0

	case domain.RunStatusRunning:
		last := run.StartedAt
		if run.HeartbeatAt != nil {
			last = run.HeartbeatAt
		}
		if last != nil && now.Sub(*last) < e.StaleThreshold {
			// Another worker is actively progressing this run.
			e.log.InfoContext(ctx, "run.defer.fresh_heartbeat", "run_id", run.ID)
			return queue.OutcomeRetry
		}
		won, err := e.runs.ClaimStale(ctx, run.ID, run.HeartbeatAt, run.StartedAt, now)
		if err != nil {
			e.log.ErrorContext(ctx, "run.claim_stale.failed", "run_id", run.ID, "error", err)
			return queue.OutcomeRetry
		}
		if !won {
			return queue.OutcomeRetry
		}
		startIndex = e.resumeIndex(ctx, run)
		e.log.InfoContext(ctx, "run.resume.stale", "run_id", run.ID, "start_station", domain.StationOrder[startIndex])

	default:
		e.log.WarnContext(ctx, "run.status.unexpected", "run_id", run.ID, "status", run.Status)
		return queue.OutcomeAck
	}

	repo, err := e.repos.GetRepo(ctx, run.RepoID)
	if err != nil || repo == nil {
		return e.failTerminal(ctx, run.ID, domain.StationIntake, "repository record unavailable")
	}

	for i := startIndex; i < len(domain.StationOrder); i++ {
		station := domain.StationOrder[i]
		if err := e.executeStation(ctx, run, repo, station); err != nil {
			var retryable *retryableStationError
			if errors.As(err, &retryable) {
				e.log.InfoContext(ctx, "station.waiting", "run_id", run.ID, "station", station, "reason", retryable.reason)
				return queue.OutcomeRetry
			}
			var terminal *terminalStationError
			reason := err.Error()
			failStation := station
			if errors.As(err, &terminal) {
				reason = terminal.reason
			}
			return e.failTerminal(ctx, run.ID, failStation, reason)
		}
	}

	return e.finalize(ctx, run)
}

// resumeIndex decides where a stale takeover continues. A station that
// already succeeded is not repeated.
func (e *Engine) resumeIndex(ctx context.Context, run *domain.Run) int {
	if run.CurrentStation == nil {
		return 0
	}
	idx := domain.StationIndex(*run.CurrentStation)
	if idx < 0 {
		return 0
	}
	se, err := e.stations.GetStation(ctx, run.ID, *run.CurrentStation)
	if err != nil {
		e.log.ErrorContext(ctx, "station load failed on resume", "run_id", run.ID, "error", err)
		return idx
	}
	if se != nil && se.Status == domain.StationStatusSucceeded {
		return idx + 1
	}
	return idx
}

// finalize attempts the running→succeeded CAS and writes the workflow
// summary artifact. A lost CAS means another writer finalized first, which
// is fine.
func (e *Engine) finalize(ctx context.Context, run *domain.Run) queue.Outcome {
	now := e.nowFunc().UTC()
	won, err := e.runs.FinalizeSucceeded(ctx, run.ID, now)
	if err != nil {
		e.log.ErrorContext(ctx, "run.finalize.failed", "run_id", run.ID, "error", err)
		return queue.OutcomeRetry
	}
	if !won {
		e.log.InfoContext(ctx, "run.succeeded.noop", "run_id", run.ID)
		return queue.OutcomeAck
	}

	payload, _ := json.Marshal(map[string]any{
		"status":     string(domain.RunStatusSucceeded),
		"stations":   domain.StationOrder,
		"finishedAt": now.Format(time.RFC3339),
	})
	artifact := &domain.Artifact{
		ID:      domain.ArtifactID(run.ID, domain.ArtifactWorkflowSummary),
		RunID:   run.ID,
		Type:    domain.ArtifactWorkflowSummary,
		Storage: domain.ArtifactStorageInline,
		Payload: payload,
	}
	// Artifact failures never roll back a succeeded run.
	if err := e.artifacts.UpsertArtifact(ctx, artifact); err != nil {
		e.log.ErrorContext(ctx, "workflow summary artifact failed", "run_id", run.ID, "error", err)
	}

	e.log.InfoContext(ctx, "run.succeeded", "run_id", run.ID)
	return queue.OutcomeAck
}

// failTerminal marks the run failed at the given station. If the CAS loses
// because another writer already ended the run, the message is still acked.
func (e *Engine) failTerminal(ctx context.Context, runID string, station domain.Station, reason string) queue.Outcome {
	now := e.nowFunc().UTC()
	won, err := e.runs.MarkFailed(ctx, runID, station, reason, now)
	if err != nil {
		e.log.ErrorContext(ctx, "run.fail.persist_failed", "run_id", runID, "error", err)
		return queue.OutcomeRetry
	}
	if won {
		e.log.InfoContext(ctx, "run.failed", "run_id", runID, "station", station, "reason", domain.TruncateSummary(reason))
		return queue.OutcomeAck
	}

	current, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return queue.OutcomeRetry
	}
	if current != nil && current.Status.IsTerminal() {
		return queue.OutcomeAck
	}
	return queue.OutcomeRetry
}

// heartbeatLoop refreshes the run heartbeat while a station body executes.
// It stops when the returned function is called; teardown is deterministic.
func (e *Engine) heartbeatLoop(ctx context.Context, runID string, station domain.Station) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				st := station
				ok, err := e.runs.Heartbeat(hbCtx, runID, &st, e.nowFunc().UTC())
				if err != nil {
					e.log.ErrorContext(hbCtx, "heartbeat write failed", "run_id", runID, "error", err)
				} else if !ok {
					e.log.WarnContext(hbCtx, "heartbeat lost run ownership", "run_id", runID)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
