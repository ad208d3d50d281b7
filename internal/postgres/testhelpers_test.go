package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/forge/internal/domain"
	"github.com/forgeworks/forge/internal/postgres"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set (so `make test` stays fast).
// It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	// Order matters — FK constraints
	tables := []string{
		"queue_messages", "idempotency_claims",
		"artifacts", "station_executions",
		"runs", "repos",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// createTestRepo registers a repo and returns it for use as a run's parent.
func createTestRepo(t *testing.T, store *postgres.RepoStore, owner, name string) *domain.Repo {
	t.Helper()
	repo := &domain.Repo{
		ID:            "repo_" + uuid.NewString(),
		Owner:         owner,
		Name:          name,
		DefaultBranch: "main",
		Enabled:       true,
	}
	require.NoError(t, store.CreateRepo(context.Background(), repo))
	return repo
}

// createTestRun inserts a queued run under the given repo.
func createTestRun(t *testing.T, store *postgres.RunStore, repoID string) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:          "run_" + uuid.NewString(),
		RepoID:      repoID,
		IssueNumber: 42,
		Status:      domain.RunStatusQueued,
		Requestor:   "alice",
		BaseBranch:  "main",
		PRMode:      domain.PRModeDraft,
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}
