package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/domain"
)

// RunStore implements api.RunStore backed by Postgres.
//
// Every state transition is a CAS statement: the WHERE clause encodes the
// expected prior state and RowsAffected()==1 proves this writer won. Losers
// must not write run state beyond logging.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `r.id, r.repo_id, r.issue_number, r.goal, r.status, r.current_station,
       r.requestor, r.base_branch, r.work_branch, r.pr_mode, r.pr_url,
       r.created_at, r.started_at, r.heartbeat_at, r.finished_at, r.failure_reason`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run            domain.Run
		goal           pgtype.Text
		currentStation pgtype.Text
		workBranch     pgtype.Text
		prURL          pgtype.Text
		failureReason  pgtype.Text
	)
	err := row.Scan(&run.ID, &run.RepoID, &run.IssueNumber, &goal, &run.Status, &currentStation,
		&run.Requestor, &run.BaseBranch, &workBranch, &run.PRMode, &prURL,
		&run.CreatedAt, &run.StartedAt, &run.HeartbeatAt, &run.FinishedAt, &failureReason)
	if err != nil {
		return nil, err
	}
	run.Goal = nullableTextToPtr(goal)
	run.WorkBranch = nullableTextToPtr(workBranch)
	run.PRURL = nullableTextToPtr(prURL)
	run.FailureReason = nullableTextToPtr(failureReason)
	if currentStation.Valid {
		st := domain.Station(currentStation.String)
		run.CurrentStation = &st
	}
	return &run, nil
}

// CreateRun inserts a new run row in the queued state.
func (s *RunStore) CreateRun(ctx context.Context, run *domain.Run) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO runs (id, repo_id, issue_number, goal, status, requestor, base_branch, pr_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		run.ID, run.RepoID, run.IssueNumber, textPtrToNullable(run.Goal),
		string(run.Status), run.Requestor, run.BaseBranch, string(run.PRMode))
	if err := row.Scan(&run.CreatedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// DeleteRun removes a run row. Used by the submission protocol to undo a run
// insert that lost the idempotency-claim race.
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID, or nil if it does not exist.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs r WHERE r.id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r`
	where := ` WHERE 1=1`
	args := []interface{}{}
	argN := 1

	if filter.RepoOwner != "" && filter.RepoName != "" {
		query += ` JOIN repos p ON r.repo_id = p.id`
		where += fmt.Sprintf(" AND p.owner = $%d AND p.name = $%d", argN, argN+1)
		args = append(args, filter.RepoOwner, filter.RepoName)
		argN += 2
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND r.status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}

	query += where + ` ORDER BY r.created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// ClaimQueued attempts the queued→running CAS. Exactly one concurrent
// consumer observes a changed row and becomes the run's writer.
func (s *RunStore) ClaimQueued(ctx context.Context, runID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'running',
		    started_at = COALESCE(started_at, $2),
		    current_station = 'intake',
		    heartbeat_at = $2,
		    failure_reason = NULL
		WHERE id = $1 AND status = 'queued'`,
		runID, now)
	if err != nil {
		return false, fmt.Errorf("claim queued run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimStale attempts takeover of a running run whose heartbeat has gone
// stale. The observed heartbeat snapshot is the optimistic-concurrency
// token: the CAS only succeeds if no other writer refreshed it since the
// caller read the row. When the run never wrote a heartbeat, the predicate
// falls back to the observed started_at.
func (s *RunStore) ClaimStale(ctx context.Context, runID string, observedHeartbeat, observedStarted *time.Time, now time.Time) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if observedHeartbeat != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE runs
			SET heartbeat_at = $3
			WHERE id = $1 AND status = 'running' AND heartbeat_at = $2`,
			runID, *observedHeartbeat, now)
	} else if observedStarted != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE runs
			SET heartbeat_at = $3
			WHERE id = $1 AND status = 'running' AND heartbeat_at IS NULL AND started_at = $2`,
			runID, *observedStarted, now)
	} else {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim stale run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Heartbeat refreshes heartbeat_at (and optionally current_station) while
// the run is still running. Returns false without error when the run is no
// longer running — callers only log that.
func (s *RunStore) Heartbeat(ctx context.Context, runID string, station *domain.Station, now time.Time) (bool, error) {
	var stationText pgtype.Text
	if station != nil {
		stationText = pgtype.Text{String: string(*station), Valid: true}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET current_station = COALESCE($2, current_station),
		    heartbeat_at = $3
		WHERE id = $1 AND status = 'running'`,
		runID, stationText, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeSucceeded attempts the running→succeeded CAS, clearing
// current_station and failure_reason.
func (s *RunStore) FinalizeSucceeded(ctx context.Context, runID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'succeeded',
		    finished_at = $2,
		    current_station = NULL,
		    failure_reason = NULL,
		    heartbeat_at = $2
		WHERE id = $1 AND status = 'running'`,
		runID, now)
	if err != nil {
		return false, fmt.Errorf("finalize run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed attempts the running→failed CAS, recording the station that
// failed and a bounded failure reason.
func (s *RunStore) MarkFailed(ctx context.Context, runID string, station domain.Station, reason string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'failed',
		    finished_at = $2,
		    current_station = $3,
		    failure_reason = $4,
		    heartbeat_at = $2
		WHERE id = $1 AND status = 'running'`,
		runID, now, string(station), domain.TruncateSummary(reason))
	if err != nil {
		return false, fmt.Errorf("mark run failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelQueued attempts the queued→canceled CAS used by the admin cancel
// endpoint. Runs that already left queued are not touched.
func (s *RunStore) CancelQueued(ctx context.Context, runID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'canceled', finished_at = $2
		WHERE id = $1 AND status = 'queued'`,
		runID, now)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetQueueFailure marks a queued run whose enqueue failed so that a
// retrying submission can tell the enqueue outcome apart from an ambiguous
// pending claim.
func (s *RunStore) SetQueueFailure(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE runs SET failure_reason = $2 WHERE id = $1 AND status = 'queued'`,
		runID, domain.QueuePublishFailed); err != nil {
		return fmt.Errorf("set queue failure marker: %w", err)
	}
	return nil
}

// ClearQueueFailure removes the enqueue-failure marker after a successful
// requeue.
func (s *RunStore) ClearQueueFailure(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE runs SET failure_reason = NULL
		WHERE id = $1 AND failure_reason = $2`,
		runID, domain.QueuePublishFailed); err != nil {
		return fmt.Errorf("clear queue failure marker: %w", err)
	}
	return nil
}

// DeleteTerminalOlderThan deletes terminal runs finished before the cutoff.
// Stations, artifacts, and claims cascade. Returns the number of runs deleted.
func (s *RunStore) DeleteTerminalOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM runs
		WHERE status IN ('succeeded', 'failed', 'canceled') AND finished_at < $1`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
