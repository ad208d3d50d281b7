package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/domain"
)

// RepoStore implements api.RepoStore backed by Postgres.
type RepoStore struct {
	pool *pgxpool.Pool
}

// NewRepoStore creates a RepoStore backed by the given pool.
func NewRepoStore(pool *pgxpool.Pool) *RepoStore {
	return &RepoStore{pool: pool}
}

const repoColumns = `id, owner, name, default_branch, config_path, enabled, created_at, updated_at`

func scanRepo(row pgx.Row) (*domain.Repo, error) {
	var r domain.Repo
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &r.ConfigPath,
		&r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRepo inserts a repo. Returns domain.ErrAlreadyExists when the
// (owner, name) pair is already registered.
func (s *RepoStore) CreateRepo(ctx context.Context, repo *domain.Repo) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO repos (id, owner, name, default_branch, config_path, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		repo.ID, repo.Owner, repo.Name, repo.DefaultBranch, repo.ConfigPath, repo.Enabled)
	if err := row.Scan(&repo.CreatedAt, &repo.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create repo: %w", err)
	}
	return nil
}

// ListRepos returns all repos ordered by (owner, name).
func (s *RepoStore) ListRepos(ctx context.Context) ([]domain.Repo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+repoColumns+` FROM repos ORDER BY owner, name`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	result := []domain.Repo{}
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		result = append(result, *repo)
	}
	return result, rows.Err()
}

// GetRepo returns a repo by ID, or nil if it does not exist.
func (s *RepoStore) GetRepo(ctx context.Context, repoID string) (*domain.Repo, error) {
	repo, err := scanRepo(s.pool.QueryRow(ctx,
		`SELECT `+repoColumns+` FROM repos WHERE id = $1`, repoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return repo, nil
}

// GetRepoByName returns a repo by (owner, name), or nil if not registered.
func (s *RepoStore) GetRepoByName(ctx context.Context, owner, name string) (*domain.Repo, error) {
	repo, err := scanRepo(s.pool.QueryRow(ctx,
		`SELECT `+repoColumns+` FROM repos WHERE owner = $1 AND name = $2`, owner, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get repo by name: %w", err)
	}
	return repo, nil
}
