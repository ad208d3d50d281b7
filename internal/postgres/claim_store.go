package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/domain"
)

// ClaimStore implements api.ClaimStore backed by Postgres.
//
// Claims anchor the submission idempotency protocol. The insert race is
// resolved by ON CONFLICT DO NOTHING, and every status move is a CAS on the
// expected prior status.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a ClaimStore backed by the given pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

const claimColumns = `key, request_hash, run_id, status, created_at, updated_at`

func scanClaim(row pgx.Row) (*domain.IdempotencyClaim, error) {
	var c domain.IdempotencyClaim
	err := row.Scan(&c.Key, &c.RequestHash, &c.RunID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetClaim returns the claim for a key, or nil if none exists.
func (s *ClaimStore) GetClaim(ctx context.Context, key string) (*domain.IdempotencyClaim, error) {
	claim, err := scanClaim(s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM idempotency_claims WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

// CreateClaim inserts a pending claim. Returns false when the key already
// exists, which means this submission lost the race and must re-read the
// winner's claim.
func (s *ClaimStore) CreateClaim(ctx context.Context, claim *domain.IdempotencyClaim) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_claims (key, request_hash, run_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
		RETURNING created_at, updated_at`,
		claim.Key, claim.RequestHash, claim.RunID, string(claim.Status))
	if err := row.Scan(&claim.CreatedAt, &claim.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("create claim: %w", err)
	}
	return true, nil
}

// PromoteClaim attempts the from→to CAS on a claim's status. Returns false
// when the claim is no longer in the expected status.
func (s *ClaimStore) PromoteClaim(ctx context.Context, key string, from, to domain.ClaimStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_claims
		SET status = $3, updated_at = now()
		WHERE key = $1 AND status = $2`,
		key, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("promote claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueClaim attempts the failed→pending CAS used when a retried submission
// re-enqueues the failed claim's run. Exactly one concurrent retry wins.
func (s *ClaimStore) RequeueClaim(ctx context.Context, key string) (bool, error) {
	return s.PromoteClaim(ctx, key, domain.ClaimStatusFailed, domain.ClaimStatusPending)
}

// TouchPending attempts an optimistic CAS on a pending claim keyed on the
// updated_at the caller observed. Used to resolve races between concurrent
// retries against a pending claim carrying the enqueue-failure marker.
func (s *ClaimStore) TouchPending(ctx context.Context, key string, observedUpdatedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_claims
		SET updated_at = now()
		WHERE key = $1 AND status = 'pending' AND updated_at = $2`,
		key, observedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("touch claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteClaim removes a claim. Used to undo a claim insert when the paired
// run insert could not be completed.
func (s *ClaimStore) DeleteClaim(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_claims WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return nil
}
