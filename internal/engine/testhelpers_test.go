package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/coderunner"
	"github.com/forgeworks/forge/internal/domain"
	"github.com/forgeworks/forge/internal/queue"
)

// The fakes below mirror the CAS semantics of the Postgres stores so engine
// tests exercise the real ownership protocol without a database.

type fakeRepoStore struct {
	mu    sync.Mutex
	repos map[string]*domain.Repo
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{repos: make(map[string]*domain.Repo)}
}

func (f *fakeRepoStore) CreateRepo(_ context.Context, repo *domain.Repo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.Owner == repo.Owner && r.Name == repo.Name {
			return domain.ErrAlreadyExists
		}
	}
	cp := *repo
	f.repos[repo.ID] = &cp
	return nil
}

func (f *fakeRepoStore) ListRepos(_ context.Context) ([]domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []domain.Repo{}
	for _, r := range f.repos {
		result = append(result, *r)
	}
	return result, nil
}

func (f *fakeRepoStore) GetRepo(_ context.Context, repoID string) (*domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.repos[repoID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRepoStore) GetRepoByName(_ context.Context, owner, name string) (*domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.Owner == owner && r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*domain.Run)}
}

func (f *fakeRunStore) CreateRun(_ context.Context, run *domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRunStore) DeleteRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runs, runID)
	return nil
}

func (f *fakeRunStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRunStore) ListRuns(_ context.Context, _ api.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []domain.Run{}
	for _, r := range f.runs {
		result = append(result, *r)
	}
	return result, nil
}

func (f *fakeRunStore) ClaimQueued(_ context.Context, runID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != domain.RunStatusQueued {
		return false, nil
	}
	r.Status = domain.RunStatusRunning
	if r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	st := domain.StationIntake
	r.CurrentStation = &st
	hb := now
	r.HeartbeatAt = &hb
	r.FailureReason = nil
	return true, nil
}

func (f *fakeRunStore) ClaimStale(_ context.Context, runID string, observedHeartbeat, observedStarted *time.Time, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return false, nil
	}
	switch {
	case observedHeartbeat != nil:
		if r.HeartbeatAt == nil || !r.HeartbeatAt.Equal(*observedHeartbeat) {
			return false, nil
		}
	case observedStarted != nil:
		if r.HeartbeatAt != nil || r.StartedAt == nil || !r.StartedAt.Equal(*observedStarted) {
			return false, nil
		}
	default:
		return false, nil
	}
	hb := now
	r.HeartbeatAt = &hb
	return true, nil
}

func (f *fakeRunStore) Heartbeat(_ context.Context, runID string, station *domain.Station, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return false, nil
	}
	if station != nil {
		st := *station
		r.CurrentStation = &st
	}
	hb := now
	r.HeartbeatAt = &hb
	return true, nil
}

func (f *fakeRunStore) FinalizeSucceeded(_ context.Context, runID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return false, nil
	}
	r.Status = domain.RunStatusSucceeded
	t := now
	r.FinishedAt = &t
	r.CurrentStation = nil
	r.FailureReason = nil
	return true, nil
}

func (f *fakeRunStore) MarkFailed(_ context.Context, runID string, station domain.Station, reason string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return false, nil
	}
	r.Status = domain.RunStatusFailed
	t := now
	r.FinishedAt = &t
	st := station
	r.CurrentStation = &st
	truncated := domain.TruncateSummary(reason)
	r.FailureReason = &truncated
	return true, nil
}

func (f *fakeRunStore) CancelQueued(_ context.Context, runID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Status != domain.RunStatusQueued {
		return false, nil
	}
	r.Status = domain.RunStatusCanceled
	t := now
	r.FinishedAt = &t
	return true, nil
}

func (f *fakeRunStore) SetQueueFailure(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runID]; ok && r.Status == domain.RunStatusQueued {
		reason := domain.QueuePublishFailed
		r.FailureReason = &reason
	}
	return nil
}

func (f *fakeRunStore) ClearQueueFailure(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runID]; ok && r.FailureReason != nil && *r.FailureReason == domain.QueuePublishFailed {
		r.FailureReason = nil
	}
	return nil
}

func (f *fakeRunStore) DeleteTerminalOlderThan(_ context.Context, olderThan time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, r := range f.runs {
		if r.Status.IsTerminal() && r.FinishedAt != nil && r.FinishedAt.Before(olderThan) {
			delete(f.runs, id)
			n++
		}
	}
	return n, nil
}

type fakeStationStore struct {
	mu       sync.Mutex
	stations map[string]*domain.StationExecution
}

func newFakeStationStore() *fakeStationStore {
	return &fakeStationStore{stations: make(map[string]*domain.StationExecution)}
}

func (f *fakeStationStore) GetStation(_ context.Context, runID string, station domain.Station) (*domain.StationExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if se, ok := f.stations[domain.StationExecutionID(runID, station)]; ok {
		cp := *se
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStationStore) ListStations(_ context.Context, runID string) ([]domain.StationExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []domain.StationExecution{}
	for _, se := range f.stations {
		if se.RunID == runID {
			result = append(result, *se)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return domain.StationIndex(result[i].Station) < domain.StationIndex(result[j].Station)
	})
	return result, nil
}

func (f *fakeStationStore) UpsertRunning(_ context.Context, runID string, station domain.Station, startedAt time.Time, externalRef *string, metadata json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := domain.StationExecutionID(runID, station)
	se, ok := f.stations[id]
	if !ok {
		se = &domain.StationExecution{ID: id, RunID: runID, Station: station}
		f.stations[id] = se
	}
	se.Status = domain.StationStatusRunning
	if se.StartedAt == nil {
		t := startedAt
		se.StartedAt = &t
	}
	if externalRef != nil {
		ref := *externalRef
		se.ExternalRef = &ref
	}
	if len(metadata) > 0 {
		se.Metadata = append(json.RawMessage(nil), metadata...)
	}
	return nil
}

func (f *fakeStationStore) SaveProgress(_ context.Context, runID string, station domain.Station, summary string, externalRef *string, metadata json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	se, ok := f.stations[domain.StationExecutionID(runID, station)]
	if !ok || se.Status != domain.StationStatusRunning {
		return nil
	}
	s := domain.TruncateSummary(summary)
	se.Summary = &s
	if externalRef != nil {
		ref := *externalRef
		se.ExternalRef = &ref
	}
	if len(metadata) > 0 {
		se.Metadata = append(json.RawMessage(nil), metadata...)
	}
	return nil
}

func (f *fakeStationStore) CompleteStation(_ context.Context, runID string, station domain.Station, status domain.StationStatus, finishedAt time.Time, durationMs int64, summary string, externalRef *string, metadata json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status != domain.StationStatusSucceeded && status != domain.StationStatusFailed {
		return false, fmt.Errorf("complete station: %q is not a completion status", status)
	}
	se, ok := f.stations[domain.StationExecutionID(runID, station)]
	if !ok || se.Status != domain.StationStatusRunning {
		return false, nil
	}
	if durationMs < 1 {
		durationMs = 1
	}
	se.Status = status
	t := finishedAt
	se.FinishedAt = &t
	se.DurationMs = &durationMs
	s := domain.TruncateSummary(summary)
	se.Summary = &s
	if externalRef != nil {
		ref := *externalRef
		se.ExternalRef = &ref
	}
	if len(metadata) > 0 {
		se.Metadata = append(json.RawMessage(nil), metadata...)
	}
	return true, nil
}

type fakeArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]*domain.Artifact
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: make(map[string]*domain.Artifact)}
}

func (f *fakeArtifactStore) UpsertArtifact(_ context.Context, artifact *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact.CreatedAt = time.Now().UTC()
	cp := *artifact
	f.artifacts[artifact.ID] = &cp
	return nil
}

func (f *fakeArtifactStore) ListArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []domain.Artifact{}
	for _, a := range f.artifacts {
		if a.RunID == runID {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (f *fakeArtifactStore) get(runID string, typ domain.ArtifactType) *domain.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.artifacts[domain.ArtifactID(runID, typ)]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// engineEnv bundles an engine with its backing fakes and a seeded repo.
type engineEnv struct {
	engine    *Engine
	runs      *fakeRunStore
	stations  *fakeStationStore
	artifacts *fakeArtifactStore
	repos     *fakeRepoStore
	repo      *domain.Repo
}

func newEngineEnv(t *testing.T, adapter coderunner.Adapter) *engineEnv {
	t.Helper()

	repos := newFakeRepoStore()
	repo := &domain.Repo{
		ID:            "repo_test",
		Owner:         "acme",
		Name:          "svc",
		DefaultBranch: "main",
		Enabled:       true,
	}
	if err := repos.CreateRepo(context.Background(), repo); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	runs := newFakeRunStore()
	stations := newFakeStationStore()
	artifacts := newFakeArtifactStore()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(runs, stations, artifacts, repos, adapter, log)
	eng.HeartbeatInterval = 10 * time.Millisecond

	return &engineEnv{
		engine:    eng,
		runs:      runs,
		stations:  stations,
		artifacts: artifacts,
		repos:     repos,
		repo:      repo,
	}
}

func (env *engineEnv) queueRun(t *testing.T, goal string) *domain.Run {
	t.Helper()
	var g *string
	if goal != "" {
		g = &goal
	}
	run := &domain.Run{
		ID:          "run_test",
		RepoID:      env.repo.ID,
		IssueNumber: 42,
		Goal:        g,
		Status:      domain.RunStatusQueued,
		Requestor:   "alice",
		BaseBranch:  "main",
		PRMode:      domain.PRModeDraft,
		CreatedAt:   time.Now().UTC(),
	}
	if err := env.runs.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func (env *engineEnv) message(run *domain.Run) queue.Message {
	return queue.Message{
		RunID:       run.ID,
		RepoID:      run.RepoID,
		IssueNumber: run.IssueNumber,
		RequestedAt: run.CreatedAt,
		PRMode:      run.PRMode,
		Requestor:   run.Requestor,
	}
}
