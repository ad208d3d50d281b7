package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeworks/forge/internal/coderunner"
	"github.com/forgeworks/forge/internal/domain"
)

// executeStation runs one station of a run to a decision: nil (succeeded),
// retryableStationError (still in flight), or terminalStationError.
func (e *Engine) executeStation(ctx context.Context, run *domain.Run, repo *domain.Repo, station domain.Station) error {
	existing, err := e.stations.GetStation(ctx, run.ID, station)
	if err != nil {
		return fmt.Errorf("load station %s: %w", station, err)
	}
	if existing != nil && existing.Status == domain.StationStatusSucceeded {
		e.log.InfoContext(ctx, "station.skip.already_succeeded", "run_id", run.ID, "station", station)
		return nil
	}

	now := e.nowFunc().UTC()
	startedAt := now
	if existing != nil && existing.StartedAt != nil {
		startedAt = *existing.StartedAt
	}

	// Advance the run pointer; a lost CAS here only means another writer
	// took over, which the next CAS will surface.
	st := station
	if ok, err := e.runs.Heartbeat(ctx, run.ID, &st, now); err != nil {
		e.log.ErrorContext(ctx, "station pointer update failed", "run_id", run.ID, "error", err)
	} else if !ok {
		e.log.WarnContext(ctx, "station pointer update lost ownership", "run_id", run.ID, "station", station)
	}

	if err := e.stations.UpsertRunning(ctx, run.ID, station, startedAt, nil, nil); err != nil {
		return fmt.Errorf("upsert station %s: %w", station, err)
	}

	stopHeartbeat := e.heartbeatLoop(ctx, run.ID, station)
	defer stopHeartbeat()

	resp, err := e.runStationBody(ctx, run, repo, station, existing)
	if err != nil {
		if coderunner.IsRetryable(err) {
			return &retryableStationError{station: string(station), reason: err.Error()}
		}
		// Non-retryable internal error: best-effort station failure, then
		// surface the terminal error.
		e.completeStation(ctx, run.ID, station, domain.StationStatusFailed, startedAt, err.Error(), nil, nil)
		return &terminalStationError{station: string(station), reason: err.Error()}
	}

	if !resp.Terminal() {
		if err := e.stations.SaveProgress(ctx, run.ID, station, resp.Summary, resp.ExternalRef, resp.Metadata); err != nil {
			e.log.ErrorContext(ctx, "station progress persist failed", "run_id", run.ID, "station", station, "error", err)
		}
		return &retryableStationError{station: string(station), reason: "external job in flight"}
	}

	e.persistArtifacts(ctx, run.ID, station, resp)

	if resp.Outcome == coderunner.OutcomeSucceeded {
		e.completeStation(ctx, run.ID, station, domain.StationStatusSucceeded, startedAt, resp.Summary, resp.ExternalRef, resp.Metadata)
		return nil
	}

	reason := fmt.Sprintf("%s: %s", resp.Outcome, resp.Summary)
	e.completeStation(ctx, run.ID, station, domain.StationStatusFailed, startedAt, reason, resp.ExternalRef, resp.Metadata)
	return &terminalStationError{station: string(station), reason: reason}
}

// runStationBody produces the station's response. Skeleton stations answer
// deterministically; implement and verify go through the adapter.
func (e *Engine) runStationBody(ctx context.Context, run *domain.Run, repo *domain.Repo, station domain.Station, existing *domain.StationExecution) (*coderunner.Response, error) {
	switch station {
	case domain.StationIntake:
		return &coderunner.Response{
			Outcome: coderunner.OutcomeSucceeded,
			Summary: fmt.Sprintf("Intake captured %s/%s#%d", repo.Owner, repo.Name, run.IssueNumber),
		}, nil

	case domain.StationPlan:
		summary := fmt.Sprintf("Planned work for issue #%d without an explicit goal", run.IssueNumber)
		if run.Goal != nil {
			summary = fmt.Sprintf("Planned work for issue #%d: %s", run.IssueNumber, *run.Goal)
		}
		return &coderunner.Response{
			Outcome: coderunner.OutcomeSucceeded,
			Summary: summary,
		}, nil

	case domain.StationCreatePR:
		return &coderunner.Response{
			Outcome: coderunner.OutcomeSucceeded,
			Summary: fmt.Sprintf("Pull request prepared for %s/%s#%d (%s)", repo.Owner, repo.Name, run.IssueNumber, run.PRMode),
		}, nil

	case domain.StationImplement, domain.StationVerify:
		input := coderunner.TaskInput{
			RunID:       run.ID,
			IssueNumber: run.IssueNumber,
			Goal:        run.Goal,
			Requestor:   run.Requestor,
			PRMode:      string(run.PRMode),
			Repo: coderunner.RepoInfo{
				ID:         repo.ID,
				Owner:      repo.Owner,
				Name:       repo.Name,
				BaseBranch: run.BaseBranch,
				ConfigPath: repo.ConfigPath,
			},
		}
		if existing != nil && existing.ExternalRef != nil {
			input.Resume = &coderunner.Resume{
				ExternalRef: *existing.ExternalRef,
				Metadata:    existing.Metadata,
			}
		}
		if station == domain.StationImplement {
			return e.adapter.RunImplement(ctx, input)
		}
		return e.adapter.RunVerify(ctx, input)

	default:
		return nil, fmt.Errorf("unknown station %q", station)
	}
}

// completeStation attempts the terminal station CAS. A lost CAS is logged:
// another writer already ended the station.
func (e *Engine) completeStation(ctx context.Context, runID string, station domain.Station, status domain.StationStatus, startedAt time.Time, summary string, externalRef *string, meta json.RawMessage) {
	now := e.nowFunc().UTC()
	durationMs := now.Sub(startedAt).Milliseconds()
	won, err := e.stations.CompleteStation(ctx, runID, station, status, now, durationMs, summary, externalRef, meta)
	if err != nil {
		e.log.ErrorContext(ctx, "station completion persist failed", "run_id", runID, "station", station, "error", err)
		return
	}
	if !won {
		e.log.WarnContext(ctx, "station completion lost CAS", "run_id", runID, "station", station, "status", status)
	}
}

// persistArtifacts writes the artifacts a terminal station response carries.
// Artifact failures are logged, never fatal.
func (e *Engine) persistArtifacts(ctx context.Context, runID string, station domain.Station, resp *coderunner.Response) {
	var summaryType domain.ArtifactType
	switch station {
	case domain.StationIntake:
		summaryType = domain.ArtifactIntakeSummary
	case domain.StationPlan:
		summaryType = domain.ArtifactPlanSummary
	case domain.StationCreatePR:
		summaryType = domain.ArtifactCreatePRSummary
	case domain.StationImplement:
		summaryType = domain.ArtifactImplementSummary
	case domain.StationVerify:
		summaryType = domain.ArtifactVerifySummary
	default:
		return
	}

	var payload []byte
	if station == domain.StationImplement || station == domain.StationVerify {
		payload, _ = json.Marshal(map[string]any{
			"station":     station,
			"outcome":     resp.Outcome,
			"summary":     domain.TruncateSummary(resp.Summary),
			"externalRef": resp.ExternalRef,
			"metadata":    resp.Metadata,
		})
	} else {
		payload, _ = json.Marshal(map[string]any{
			"station": station,
			"summary": domain.TruncateSummary(resp.Summary),
		})
	}
	e.upsertArtifact(ctx, runID, summaryType, payload)

	if resp.LogsInline == "" {
		return
	}
	var logsType domain.ArtifactType
	switch station {
	case domain.StationImplement:
		logsType = domain.ArtifactImplementLogExcerpt
	case domain.StationVerify:
		logsType = domain.ArtifactVerifyLogExcerpt
	default:
		return
	}

	excerpt, truncated, originalLength := excerptLogs(resp.LogsInline)
	logsPayload := map[string]any{
		"excerpt":        excerpt,
		"truncated":      truncated,
		"originalLength": originalLength,
	}
	if truncated {
		logsPayload["note"] = fmt.Sprintf("logs truncated to %d characters", domain.MaxLogsExcerptLength)
	}
	raw, _ := json.Marshal(logsPayload)
	e.upsertArtifact(ctx, runID, logsType, raw)
}

func (e *Engine) upsertArtifact(ctx context.Context, runID string, typ domain.ArtifactType, payload []byte) {
	artifact := &domain.Artifact{
		ID:      domain.ArtifactID(runID, typ),
		RunID:   runID,
		Type:    typ,
		Storage: domain.ArtifactStorageInline,
		Payload: payload,
	}
	if err := e.artifacts.UpsertArtifact(ctx, artifact); err != nil {
		e.log.ErrorContext(ctx, "artifact persist failed", "run_id", runID, "type", typ, "error", err)
	}
}

// excerptLogs bounds a runner log excerpt to the inline limit.
func excerptLogs(logs string) (excerpt string, truncated bool, originalLength int) {
	runes := []rune(logs)
	originalLength = len(runes)
	if originalLength <= domain.MaxLogsExcerptLength {
		return logs, false, originalLength
	}
	return string(runes[:domain.MaxLogsExcerptLength]), true, originalLength
}
