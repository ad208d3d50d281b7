package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/domain"
)

// StationStore implements api.StationStore backed by Postgres.
//
// Station rows are created lazily on first entry and upserted by their
// deterministic ID. COALESCE on started_at, external_ref, and metadata_json
// means a redelivered message never erases what an earlier attempt learned —
// in particular an external job handle is preserved until the station ends.
type StationStore struct {
	pool *pgxpool.Pool
}

// NewStationStore creates a StationStore backed by the given pool.
func NewStationStore(pool *pgxpool.Pool) *StationStore {
	return &StationStore{pool: pool}
}

const stationColumns = `id, run_id, station, status, started_at, finished_at, duration_ms, summary, external_ref, metadata_json`

// stationOrderSQL projects the fixed pipeline sequence into an ORDER BY key.
const stationOrderSQL = `CASE station
	WHEN 'intake' THEN 0
	WHEN 'plan' THEN 1
	WHEN 'implement' THEN 2
	WHEN 'verify' THEN 3
	WHEN 'create_pr' THEN 4
	ELSE 5 END`

func scanStation(row pgx.Row) (*domain.StationExecution, error) {
	var (
		se         domain.StationExecution
		durationMs pgtype.Int8
		summary    pgtype.Text
		extRef     pgtype.Text
		metadata   []byte
	)
	err := row.Scan(&se.ID, &se.RunID, &se.Station, &se.Status, &se.StartedAt,
		&se.FinishedAt, &durationMs, &summary, &extRef, &metadata)
	if err != nil {
		return nil, err
	}
	se.DurationMs = nullableInt8ToPtr(durationMs)
	se.Summary = nullableTextToPtr(summary)
	se.ExternalRef = nullableTextToPtr(extRef)
	if len(metadata) > 0 {
		se.Metadata = json.RawMessage(metadata)
	}
	return &se, nil
}

// GetStation returns the execution row for (runID, station), or nil.
func (s *StationStore) GetStation(ctx context.Context, runID string, station domain.Station) (*domain.StationExecution, error) {
	se, err := scanStation(s.pool.QueryRow(ctx,
		`SELECT `+stationColumns+` FROM station_executions WHERE run_id = $1 AND station = $2`,
		runID, string(station)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get station: %w", err)
	}
	return se, nil
}

// ListStations returns all station rows for a run in fixed pipeline order,
// then by started_at.
func (s *StationStore) ListStations(ctx context.Context, runID string) ([]domain.StationExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stationColumns+` FROM station_executions
		 WHERE run_id = $1
		 ORDER BY `+stationOrderSQL+`, started_at NULLS LAST`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	result := []domain.StationExecution{}
	for rows.Next() {
		se, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		result = append(result, *se)
	}
	return result, rows.Err()
}

// UpsertRunning moves a station row to running, preserving any started_at,
// external_ref, and metadata_json an earlier attempt already wrote.
func (s *StationStore) UpsertRunning(ctx context.Context, runID string, station domain.Station, startedAt time.Time, externalRef *string, metadata json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO station_executions (id, run_id, station, status, started_at, external_ref, metadata_json)
		VALUES ($1, $2, $3, 'running', $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = COALESCE(station_executions.started_at, EXCLUDED.started_at),
			external_ref = COALESCE(EXCLUDED.external_ref, station_executions.external_ref),
			metadata_json = COALESCE(EXCLUDED.metadata_json, station_executions.metadata_json)`,
		domain.StationExecutionID(runID, station), runID, string(station),
		startedAt, textPtrToNullable(externalRef), rawOrNil(metadata))
	if err != nil {
		return fmt.Errorf("upsert station running: %w", err)
	}
	return nil
}

// SaveProgress persists a non-terminal adapter response onto the running
// station row: bounded summary, external handle, and metadata. The external
// handle is coalesced so it is never overwritten with null.
func (s *StationStore) SaveProgress(ctx context.Context, runID string, station domain.Station, summary string, externalRef *string, metadata json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE station_executions SET
			summary = $2,
			external_ref = COALESCE($3, external_ref),
			metadata_json = COALESCE($4, metadata_json)
		WHERE id = $1 AND status = 'running'`,
		domain.StationExecutionID(runID, station),
		domain.TruncateSummary(summary), textPtrToNullable(externalRef), rawOrNil(metadata))
	if err != nil {
		return fmt.Errorf("save station progress: %w", err)
	}
	return nil
}

// CompleteStation attempts the running→(succeeded|failed) CAS, setting
// finished_at and duration_ms. Terminal station rows always carry a duration
// of at least 1ms.
func (s *StationStore) CompleteStation(ctx context.Context, runID string, station domain.Station, status domain.StationStatus, finishedAt time.Time, durationMs int64, summary string, externalRef *string, metadata json.RawMessage) (bool, error) {
	if status != domain.StationStatusSucceeded && status != domain.StationStatusFailed {
		return false, fmt.Errorf("complete station: %q is not a completion status", status)
	}
	if durationMs < 1 {
		durationMs = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE station_executions SET
			status = $2,
			finished_at = $3,
			duration_ms = $4,
			summary = $5,
			external_ref = COALESCE($6, external_ref),
			metadata_json = COALESCE($7, metadata_json)
		WHERE id = $1 AND status = 'running'`,
		domain.StationExecutionID(runID, station),
		string(status), finishedAt, durationMs,
		domain.TruncateSummary(summary), textPtrToNullable(externalRef), rawOrNil(metadata))
	if err != nil {
		return false, fmt.Errorf("complete station: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// rawOrNil maps empty JSON to SQL NULL so COALESCE preserves prior metadata.
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
