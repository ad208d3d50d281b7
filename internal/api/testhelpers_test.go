package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/domain"
	"github.com/forgeworks/forge/internal/queue"
)

// memoryRepoStore is an in-memory RepoStore for tests.
type memoryRepoStore struct {
	mu    sync.Mutex
	repos map[string]*domain.Repo
}

func newMemoryRepoStore() *memoryRepoStore {
	return &memoryRepoStore{repos: make(map[string]*domain.Repo)}
}

func (m *memoryRepoStore) CreateRepo(_ context.Context, repo *domain.Repo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.repos {
		if r.Owner == repo.Owner && r.Name == repo.Name {
			return domain.ErrAlreadyExists
		}
	}
	repo.CreatedAt = time.Now().UTC()
	repo.UpdatedAt = repo.CreatedAt
	cp := *repo
	m.repos[repo.ID] = &cp
	return nil
}

func (m *memoryRepoStore) ListRepos(_ context.Context) ([]domain.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []domain.Repo{}
	for _, r := range m.repos {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Owner != result[j].Owner {
			return result[i].Owner < result[j].Owner
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m *memoryRepoStore) GetRepo(_ context.Context, repoID string) (*domain.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[repoID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryRepoStore) GetRepoByName(_ context.Context, owner, name string) (*domain.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.repos {
		if r.Owner == owner && r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// memoryRunStore is an in-memory RunStore with the same CAS semantics as the
// Postgres implementation.
type memoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
	// byRepo resolves repo filters without a join.
	repos *memoryRepoStore
}

func newMemoryRunStore(repos *memoryRepoStore) *memoryRunStore {
	return &memoryRunStore{runs: make(map[string]*domain.Run), repos: repos}
}

func (m *memoryRunStore) CreateRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.CreatedAt = time.Now().UTC()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memoryRunStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *memoryRunStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []domain.Run{}
	for _, r := range m.runs {
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		if filter.RepoOwner != "" {
			repo := m.repos.repos[r.RepoID]
			if repo == nil || repo.Owner != filter.RepoOwner || repo.Name != filter.RepoName {
				continue
			}
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *memoryRunStore) ClaimQueued(_ context.Context, runID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
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

func (m *memoryRunStore) ClaimStale(_ context.Context, runID string, observedHeartbeat, observedStarted *time.Time, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
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

func (m *memoryRunStore) Heartbeat(_ context.Context, runID string, station *domain.Station, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
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

func (m *memoryRunStore) FinalizeSucceeded(_ context.Context, runID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return false, nil
	}
	r.Status = domain.RunStatusSucceeded
	t := now
	r.FinishedAt = &t
	r.CurrentStation = nil
	r.FailureReason = nil
	hb := now
	r.HeartbeatAt = &hb
	return true, nil
}

func (m *memoryRunStore) MarkFailed(_ context.Context, runID string, station domain.Station, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
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
	hb := now
	r.HeartbeatAt = &hb
	return true, nil
}

func (m *memoryRunStore) CancelQueued(_ context.Context, runID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != domain.RunStatusQueued {
		return false, nil
	}
	r.Status = domain.RunStatusCanceled
	t := now
	r.FinishedAt = &t
	return true, nil
}

func (m *memoryRunStore) SetQueueFailure(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok && r.Status == domain.RunStatusQueued {
		reason := domain.QueuePublishFailed
		r.FailureReason = &reason
	}
	return nil
}

func (m *memoryRunStore) ClearQueueFailure(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok && r.FailureReason != nil && *r.FailureReason == domain.QueuePublishFailed {
		r.FailureReason = nil
	}
	return nil
}

func (m *memoryRunStore) DeleteTerminalOlderThan(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		if r.Status.IsTerminal() && r.FinishedAt != nil && r.FinishedAt.Before(olderThan) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

// memoryStationStore is an in-memory StationStore for tests.
type memoryStationStore struct {
	mu       sync.Mutex
	stations map[string]*domain.StationExecution
}

func newMemoryStationStore() *memoryStationStore {
	return &memoryStationStore{stations: make(map[string]*domain.StationExecution)}
}

func (m *memoryStationStore) GetStation(_ context.Context, runID string, station domain.Station) (*domain.StationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if se, ok := m.stations[domain.StationExecutionID(runID, station)]; ok {
		cp := *se
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryStationStore) ListStations(_ context.Context, runID string) ([]domain.StationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []domain.StationExecution{}
	for _, se := range m.stations {
		if se.RunID == runID {
			result = append(result, *se)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return domain.StationIndex(result[i].Station) < domain.StationIndex(result[j].Station)
	})
	return result, nil
}

func (m *memoryStationStore) UpsertRunning(_ context.Context, runID string, station domain.Station, startedAt time.Time, externalRef *string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := domain.StationExecutionID(runID, station)
	se, ok := m.stations[id]
	if !ok {
		se = &domain.StationExecution{ID: id, RunID: runID, Station: station}
		m.stations[id] = se
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

func (m *memoryStationStore) SaveProgress(_ context.Context, runID string, station domain.Station, summary string, externalRef *string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, ok := m.stations[domain.StationExecutionID(runID, station)]
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

func (m *memoryStationStore) CompleteStation(_ context.Context, runID string, station domain.Station, status domain.StationStatus, finishedAt time.Time, durationMs int64, summary string, externalRef *string, metadata json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status != domain.StationStatusSucceeded && status != domain.StationStatusFailed {
		return false, fmt.Errorf("complete station: %q is not a completion status", status)
	}
	se, ok := m.stations[domain.StationExecutionID(runID, station)]
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

// memoryArtifactStore is an in-memory ArtifactStore for tests.
type memoryArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]*domain.Artifact
	seq       int
}

func newMemoryArtifactStore() *memoryArtifactStore {
	return &memoryArtifactStore{artifacts: make(map[string]*domain.Artifact)}
}

func (m *memoryArtifactStore) UpsertArtifact(_ context.Context, artifact *domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	artifact.CreatedAt = time.Now().UTC().Add(time.Duration(m.seq) * time.Millisecond)
	cp := *artifact
	m.artifacts[artifact.ID] = &cp
	return nil
}

func (m *memoryArtifactStore) ListArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []domain.Artifact{}
	for _, a := range m.artifacts {
		if a.RunID == runID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// memoryClaimStore is an in-memory ClaimStore for tests.
type memoryClaimStore struct {
	mu     sync.Mutex
	claims map[string]*domain.IdempotencyClaim
}

func newMemoryClaimStore() *memoryClaimStore {
	return &memoryClaimStore{claims: make(map[string]*domain.IdempotencyClaim)}
}

func (m *memoryClaimStore) GetClaim(_ context.Context, key string) (*domain.IdempotencyClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryClaimStore) CreateClaim(_ context.Context, claim *domain.IdempotencyClaim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[claim.Key]; ok {
		return false, nil
	}
	claim.CreatedAt = time.Now().UTC()
	claim.UpdatedAt = claim.CreatedAt
	cp := *claim
	m.claims[claim.Key] = &cp
	return true, nil
}

func (m *memoryClaimStore) PromoteClaim(_ context.Context, key string, from, to domain.ClaimStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryClaimStore) RequeueClaim(ctx context.Context, key string) (bool, error) {
	return m.PromoteClaim(ctx, key, domain.ClaimStatusFailed, domain.ClaimStatusPending)
}

func (m *memoryClaimStore) TouchPending(_ context.Context, key string, observedUpdatedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key]
	if !ok || c.Status != domain.ClaimStatusPending || !c.UpdatedAt.Equal(observedUpdatedAt) {
		return false, nil
	}
	c.UpdatedAt = time.Now().UTC().Add(time.Millisecond)
	return true, nil
}

func (m *memoryClaimStore) DeleteClaim(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

// failingPublisher rejects the first n publishes, then delegates.
type failingPublisher struct {
	mu       sync.Mutex
	failures int
	inner    *queue.Memory
}

func (f *failingPublisher) Publish(ctx context.Context, msg queue.Message) error {
	f.mu.Lock()
	shouldFail := f.failures > 0
	if shouldFail {
		f.failures--
	}
	f.mu.Unlock()
	if shouldFail {
		return errors.New("broker unavailable")
	}
	return f.inner.Publish(ctx, msg)
}

// testEnv bundles a router with its backing fakes.
type testEnv struct {
	srv       *api.Server
	router    chi.Router
	repos     *memoryRepoStore
	runs      *memoryRunStore
	stations  *memoryStationStore
	artifacts *memoryArtifactStore
	claims    *memoryClaimStore
	queue     *queue.Memory
	publisher *failingPublisher
}

func newTestEnv() *testEnv {
	repos := newMemoryRepoStore()
	runs := newMemoryRunStore(repos)
	q := queue.NewMemory()
	pub := &failingPublisher{inner: q}
	srv := &api.Server{
		Repos:     repos,
		Runs:      runs,
		Stations:  newMemoryStationStore(),
		Artifacts: newMemoryArtifactStore(),
		Claims:    newMemoryClaimStore(),
		Queue:     pub,
	}
	env := &testEnv{
		srv:       srv,
		repos:     repos,
		runs:      runs,
		stations:  srv.Stations.(*memoryStationStore),
		artifacts: srv.Artifacts.(*memoryArtifactStore),
		claims:    srv.Claims.(*memoryClaimStore),
		queue:     q,
		publisher: pub,
	}
	env.router = api.NewRouter(srv)
	return env
}
