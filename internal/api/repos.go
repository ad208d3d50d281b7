package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgeworks/forge/internal/domain"
)

// RepoStore defines the persistence interface for registered repositories.
// Implemented by postgres store (production) and memory store (tests).
type RepoStore interface {
	CreateRepo(ctx context.Context, repo *domain.Repo) error
	ListRepos(ctx context.Context) ([]domain.Repo, error)
	GetRepo(ctx context.Context, repoID string) (*domain.Repo, error)
	GetRepoByName(ctx context.Context, owner, name string) (*domain.Repo, error)
}

// CreateRepoRequest is the JSON body for POST /v1/repos.
type CreateRepoRequest struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
	ConfigPath    string `json:"configPath"`
	Enabled       *bool  `json:"enabled"`
}

// MountRepoRoutes registers repo endpoints on the router.
func MountRepoRoutes(r chi.Router, srv *Server) {
	r.Post("/repos", srv.HandleCreateRepo)
	r.Get("/repos", srv.HandleListRepos)
	r.Get("/repos/{repoID}", srv.HandleGetRepo)
}

// HandleCreateRepo registers a repository for run submissions.
func (s *Server) HandleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req CreateRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	req.Owner = strings.TrimSpace(req.Owner)
	req.Name = strings.TrimSpace(req.Name)
	if req.Owner == "" || req.Name == "" {
		errorJSON(w, "owner and name are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validSlug(req.Owner) || !validSlug(req.Name) {
		errorJSON(w, "owner and name must be valid repository name segments", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	defaultBranch := strings.TrimSpace(req.DefaultBranch)
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	repo := &domain.Repo{
		ID:            "repo_" + uuid.NewString(),
		Owner:         req.Owner,
		Name:          req.Name,
		DefaultBranch: defaultBranch,
		ConfigPath:    strings.TrimSpace(req.ConfigPath),
		Enabled:       enabled,
	}

	if err := s.Repos.CreateRepo(r.Context(), repo); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "repository "+repo.FullName()+" is already registered", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "internal error", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"repo": repo})
}

// HandleListRepos returns all registered repositories ordered by (owner, name).
func (s *Server) HandleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.Repos.ListRepos(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

// repoByName resolves a repository, consulting the optional read cache.
// Only positive lookups are cached, so a freshly registered repo is visible
// immediately; a disabled flag flip is visible within the cache TTL.
func (s *Server) repoByName(ctx context.Context, owner, name string) (*domain.Repo, error) {
	key := owner + "/" + name
	if s.RepoCache != nil {
		if repo, ok := s.RepoCache.Get(key); ok {
			return repo, nil
		}
	}
	repo, err := s.Repos.GetRepoByName(ctx, owner, name)
	if err != nil || repo == nil {
		return repo, err
	}
	if s.RepoCache != nil {
		s.RepoCache.Set(key, repo)
	}
	return repo, nil
}

// HandleGetRepo returns a single repository by ID.
func (s *Server) HandleGetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.Repos.GetRepo(r.Context(), chi.URLParam(r, "repoID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if repo == nil {
		errorJSON(w, "repository not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repo": repo})
}
