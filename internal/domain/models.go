// Package domain defines the core business types shared across forged.
// These types represent the orchestrator's data model — not HTTP or queue
// specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (computed
// fields, joined repo summaries), a response struct in the api package is
// used instead.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrConflict indicates a request conflicts with the current state of a resource.
var ErrConflict = errors.New("conflicting request")

// MaxSummaryLength bounds run failure reasons and station summaries.
const MaxSummaryLength = 500

// MaxLogsExcerptLength bounds inline runner log excerpts stored in artifacts.
const MaxLogsExcerptLength = 4000

// truncationSuffix is appended when a bounded string is cut.
const truncationSuffix = "…[truncated]"

// TruncateSummary bounds s at MaxSummaryLength runes, appending a marker when cut.
func TruncateSummary(s string) string {
	return truncate(s, MaxSummaryLength)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	keep := limit - len([]rune(truncationSuffix))
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + truncationSuffix
}

// RunStatus represents the state of an issue run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ValidRunStatus checks if a string is a known run status.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// IsTerminal returns true if the run status is a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// PRMode controls whether the resulting pull request is opened as a draft.
type PRMode string

const (
	PRModeDraft PRMode = "draft"
	PRModeReady PRMode = "ready"
)

// ValidPRMode checks if a string is a known PR mode.
func ValidPRMode(s string) bool {
	return PRMode(s) == PRModeDraft || PRMode(s) == PRModeReady
}

// Station is a named step in the fixed run pipeline.
type Station string

const (
	StationIntake    Station = "intake"
	StationPlan      Station = "plan"
	StationImplement Station = "implement"
	StationVerify    Station = "verify"
	StationCreatePR  Station = "create_pr"
)

// StationOrder is the fixed execution sequence. A station may only execute
// once every earlier station has succeeded or been skipped.
var StationOrder = []Station{StationIntake, StationPlan, StationImplement, StationVerify, StationCreatePR}

// ValidStation checks if a string is a known station name.
func ValidStation(s string) bool {
	return StationIndex(Station(s)) >= 0
}

// StationIndex returns the position of s in StationOrder, or -1 if unknown.
func StationIndex(s Station) int {
	for i, st := range StationOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// StationStatus represents the state of a single station execution.
type StationStatus string

const (
	StationStatusPending   StationStatus = "pending"
	StationStatusRunning   StationStatus = "running"
	StationStatusSucceeded StationStatus = "succeeded"
	StationStatusFailed    StationStatus = "failed"
	StationStatusSkipped   StationStatus = "skipped"
)

// IsTerminal returns true if the station status is a final state.
func (s StationStatus) IsTerminal() bool {
	return s == StationStatusSucceeded || s == StationStatusFailed || s == StationStatusSkipped
}

// Repo is a registered dispatch target for runs.
type Repo struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	DefaultBranch string    `json:"defaultBranch"`
	ConfigPath    string    `json:"configPath"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// FullName returns the "owner/name" form used in list filters.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// Run is one attempt to process one issue through the full station pipeline.
// Transitions are owned exclusively by the execution engine via CAS; the
// control plane only ever creates runs in the queued state.
type Run struct {
	ID             string     `json:"id"`
	RepoID         string     `json:"repoId"`
	IssueNumber    int        `json:"issueNumber"`
	Goal           *string    `json:"goal,omitempty"`
	Status         RunStatus  `json:"status"`
	CurrentStation *Station   `json:"currentStation"`
	Requestor      string     `json:"requestor"`
	BaseBranch     string     `json:"baseBranch"`
	WorkBranch     *string    `json:"workBranch,omitempty"`
	PRMode         PRMode     `json:"prMode"`
	PRURL          *string    `json:"prUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt"`
	HeartbeatAt    *time.Time `json:"heartbeatAt"`
	FinishedAt     *time.Time `json:"finishedAt"`
	FailureReason  *string    `json:"failureReason,omitempty"`
}

// StationExecution records one station's progress for a run.
// Its identity is deterministic — "station_<runID>_<station>" — which makes
// upserts and idempotent resume possible across redeliveries.
type StationExecution struct {
	ID          string          `json:"id"`
	RunID       string          `json:"runId"`
	Station     Station         `json:"station"`
	Status      StationStatus   `json:"status"`
	StartedAt   *time.Time      `json:"startedAt"`
	FinishedAt  *time.Time      `json:"finishedAt"`
	DurationMs  *int64          `json:"durationMs"`
	Summary     *string         `json:"summary,omitempty"`
	ExternalRef *string         `json:"externalRef,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// StationExecutionID builds the deterministic station row identity.
func StationExecutionID(runID string, station Station) string {
	return fmt.Sprintf("station_%s_%s", runID, station)
}

// StationMetadata is the validated shape of StationExecution.Metadata.
type StationMetadata struct {
	Phase          string `json:"phase"`
	Mode           string `json:"mode"`
	Attempt        int    `json:"attempt"`
	ProviderStatus string `json:"providerStatus,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// ParseStationMetadata decodes and validates raw station metadata.
// Returns nil without error for empty input.
func ParseStationMetadata(raw json.RawMessage) (*StationMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m StationMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse station metadata: %w", err)
	}
	if m.Attempt < 1 {
		return nil, fmt.Errorf("parse station metadata: attempt must be >= 1, got %d", m.Attempt)
	}
	return &m, nil
}

// ArtifactStorage indicates where an artifact payload lives.
type ArtifactStorage string

const (
	ArtifactStorageInline   ArtifactStorage = "inline"
	ArtifactStorageExternal ArtifactStorage = "external"
)

// ArtifactType identifies the kind of structured artifact attached to a run.
type ArtifactType string

const (
	ArtifactIntakeSummary       ArtifactType = "intake_summary"
	ArtifactPlanSummary         ArtifactType = "plan_summary"
	ArtifactCreatePRSummary     ArtifactType = "create_pr_summary"
	ArtifactImplementSummary    ArtifactType = "implement_summary"
	ArtifactVerifySummary       ArtifactType = "verify_summary"
	ArtifactImplementLogExcerpt ArtifactType = "implement_runner_logs_excerpt"
	ArtifactVerifyLogExcerpt    ArtifactType = "verify_runner_logs_excerpt"
	ArtifactWorkflowSummary     ArtifactType = "workflow_summary"
)

// Artifact is a structured output attached to a run. Deterministic IDs
// ("artifact_<runID>_<type>") give retries upsert semantics: a later write
// supersedes the earlier payload. Callers must not rely on immutability.
type Artifact struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Type      ArtifactType    `json:"type"`
	Storage   ArtifactStorage `json:"storage"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ArtifactID builds the deterministic artifact row identity.
func ArtifactID(runID string, typ ArtifactType) string {
	return fmt.Sprintf("artifact_%s_%s", runID, typ)
}

// ClaimStatus represents the state of an idempotency claim.
type ClaimStatus string

const (
	ClaimStatusPending   ClaimStatus = "pending"
	ClaimStatusSucceeded ClaimStatus = "succeeded"
	ClaimStatusFailed    ClaimStatus = "failed"
)

// IdempotencyClaim gates duplicate enqueues for a submission key.
// A claim is unique per key; RequestHash is a SHA-256 over the canonical
// submission payload so key reuse with a different body can be rejected.
type IdempotencyClaim struct {
	Key         string      `json:"key"`
	RequestHash string      `json:"requestHash"`
	RunID       string      `json:"runId"`
	Status      ClaimStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// QueuePublishFailed is the run failure reason written when the queue
// rejected the publish after the run row was inserted. The submission
// protocol treats it as an explicit marker that a retry may re-enqueue.
const QueuePublishFailed = "queue_publish_failed"
