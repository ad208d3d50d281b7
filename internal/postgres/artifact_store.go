package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/domain"
)

// ArtifactStore implements api.ArtifactStore backed by Postgres.
// Artifacts are upsert-on-conflict by deterministic ID: a resumed station
// may produce an improved summary, and the later payload wins.
type ArtifactStore struct {
	pool *pgxpool.Pool
}

// NewArtifactStore creates an ArtifactStore backed by the given pool.
func NewArtifactStore(pool *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{pool: pool}
}

// UpsertArtifact writes an artifact, superseding any earlier payload for the
// same (run, type).
func (s *ArtifactStore) UpsertArtifact(ctx context.Context, artifact *domain.Artifact) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (id, run_id, type, storage, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			storage = EXCLUDED.storage,
			payload = EXCLUDED.payload,
			created_at = now()
		RETURNING created_at`,
		artifact.ID, artifact.RunID, string(artifact.Type),
		string(artifact.Storage), []byte(artifact.Payload))
	if err := row.Scan(&artifact.CreatedAt); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns all artifacts for a run, newest first.
func (s *ArtifactStore) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, type, storage, payload, created_at
		FROM artifacts WHERE run_id = $1
		ORDER BY created_at DESC, id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	result := []domain.Artifact{}
	for rows.Next() {
		var (
			a       domain.Artifact
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Type, &a.Storage, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		result = append(result, a)
	}
	return result, rows.Err()
}
