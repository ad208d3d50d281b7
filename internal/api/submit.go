package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/internal/domain"
	"github.com/forgeworks/forge/internal/queue"
)

// ClaimStore defines the persistence interface for idempotency claims.
type ClaimStore interface {
	GetClaim(ctx context.Context, key string) (*domain.IdempotencyClaim, error)
	CreateClaim(ctx context.Context, claim *domain.IdempotencyClaim) (bool, error)
	PromoteClaim(ctx context.Context, key string, from, to domain.ClaimStatus) (bool, error)
	RequeueClaim(ctx context.Context, key string) (bool, error)
	TouchPending(ctx context.Context, key string, observedUpdatedAt time.Time) (bool, error)
	DeleteClaim(ctx context.Context, key string) error
}

// QueuePublisher publishes run messages for the execution engine.
type QueuePublisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// SubmitRunRequest is the JSON body for POST /v1/runs.
type SubmitRunRequest struct {
	Repo struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	} `json:"repo"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Requestor string  `json:"requestor"`
	PRMode    string  `json:"prMode"`
	Goal      *string `json:"goal"`
}

// idempotencyState is the idempotency block included in submission responses.
type idempotencyState struct {
	Key      string `json:"key"`
	Status   string `json:"status"`
	Replayed bool   `json:"replayed,omitempty"`
	Requeued bool   `json:"requeued,omitempty"`
}

// hashPayload is the canonical submission payload hashed into requestHash.
// Field order is fixed, so encoding/json produces a canonical byte sequence.
type hashPayload struct {
	RepoOwner   string  `json:"repoOwner"`
	RepoName    string  `json:"repoName"`
	IssueNumber int     `json:"issueNumber"`
	Goal        *string `json:"goal"`
	Requestor   string  `json:"requestor"`
	PRMode      string  `json:"prMode"`
}

func requestHash(p hashPayload) string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// submitRetries bounds how many times a losing submitter restarts the
// claim-lookup cycle before giving up.
const submitRetries = 3

// HandleSubmitRun creates a run under the submission idempotency protocol.
//
// The store and the queue are not transactional with each other, so the
// protocol is built from CAS steps: a resubmitted request either observes the
// prior success (replay), safely retries the enqueue (requeue), or fails
// cleanly without leaking half-created runs.
func (s *Server) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	log := LoggerFromContext(r.Context())

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		errorJSON(w, "Idempotency-Key header is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	req.Repo.Owner = strings.TrimSpace(req.Repo.Owner)
	req.Repo.Name = strings.TrimSpace(req.Repo.Name)
	req.Requestor = strings.TrimSpace(req.Requestor)
	if req.Repo.Owner == "" || req.Repo.Name == "" {
		errorJSON(w, "repo.owner and repo.name are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Issue.Number <= 0 {
		errorJSON(w, "issue.number must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Requestor == "" {
		errorJSON(w, "requestor is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.PRMode == "" {
		req.PRMode = string(domain.PRModeDraft)
	}
	if !domain.ValidPRMode(req.PRMode) {
		errorJSON(w, "prMode must be draft or ready", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Goal != nil {
		trimmed := strings.TrimSpace(*req.Goal)
		if trimmed == "" {
			errorJSON(w, "goal must be non-empty when provided", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		req.Goal = &trimmed
	}

	repo, err := s.repoByName(r.Context(), req.Repo.Owner, req.Repo.Name)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if repo == nil {
		errorJSON(w, "repository not registered", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if !repo.Enabled {
		errorJSON(w, "repository is disabled", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	hash := requestHash(hashPayload{
		RepoOwner:   req.Repo.Owner,
		RepoName:    req.Repo.Name,
		IssueNumber: req.Issue.Number,
		Goal:        req.Goal,
		Requestor:   req.Requestor,
		PRMode:      req.PRMode,
	})

	for attempt := 0; attempt < submitRetries; attempt++ {
		done, err := s.submitOnce(w, r, repo, &req, key, hash)
		if err != nil {
			internalError(w, "internal error", err)
			return
		}
		if done {
			return
		}
		// Lost the claim-insert race; re-read the winner's claim.
		log.InfoContext(r.Context(), "submission lost claim race, replaying", "idempotency_key", key)
	}
	internalError(w, "submission did not converge", errConverge)
}

// errConverge is returned when the claim-insert race retries are exhausted.
var errConverge = &convergenceError{}

type convergenceError struct{}

func (*convergenceError) Error() string { return "claim race retries exhausted" }

// submitOnce runs one pass of the submission protocol. It returns done=true
// when a response has been written, and done=false when the caller should
// restart from the claim lookup.
func (s *Server) submitOnce(w http.ResponseWriter, r *http.Request, repo *domain.Repo, req *SubmitRunRequest, key, hash string) (bool, error) {
	ctx := r.Context()

	claim, err := s.Claims.GetClaim(ctx, key)
	if err != nil {
		return false, err
	}
	if claim != nil {
		return true, s.resolveExistingClaim(w, r, claim, hash)
	}

	// No prior claim: insert the run first, then race for the claim.
	run := &domain.Run{
		ID:          "run_" + uuid.NewString(),
		RepoID:      repo.ID,
		IssueNumber: req.Issue.Number,
		Goal:        req.Goal,
		Status:      domain.RunStatusQueued,
		Requestor:   req.Requestor,
		BaseBranch:  repo.DefaultBranch,
		PRMode:      domain.PRMode(req.PRMode),
	}
	if err := s.Runs.CreateRun(ctx, run); err != nil {
		return false, err
	}

	inserted, err := s.Claims.CreateClaim(ctx, &domain.IdempotencyClaim{
		Key:         key,
		RequestHash: hash,
		RunID:       run.ID,
		Status:      domain.ClaimStatusPending,
	})
	if err != nil {
		// Claim state unknown; undo the run so no orphan row leaks.
		if delErr := s.Runs.DeleteRun(ctx, run.ID); delErr != nil {
			LoggerFromContext(ctx).ErrorContext(ctx, "orphan run cleanup failed",
				"run_id", run.ID, "error", delErr)
		}
		return false, err
	}
	if !inserted {
		// A concurrent submitter won. Delete our run and replay theirs.
		if delErr := s.Runs.DeleteRun(ctx, run.ID); delErr != nil {
			LoggerFromContext(ctx).ErrorContext(ctx, "losing run cleanup failed",
				"run_id", run.ID, "error", delErr)
			return false, delErr
		}
		return false, nil
	}

	s.enqueueAndRespond(w, r, run.ID, key, false)
	return true, nil
}

// resolveExistingClaim handles a submission whose key already has a claim.
func (s *Server) resolveExistingClaim(w http.ResponseWriter, r *http.Request, claim *domain.IdempotencyClaim, hash string) error {
	ctx := r.Context()
	log := LoggerFromContext(ctx)

	if claim.RequestHash != hash {
		errorJSON(w, "Idempotency-Key was already used with a different payload", "IDEMPOTENCY_CONFLICT", http.StatusConflict)
		return nil
	}

	run, err := s.Runs.GetRun(ctx, claim.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		// Claim without a run: a half-completed cleanup. Surface as conflict.
		errorJSON(w, "idempotency claim references a missing run", "CONFLICT", http.StatusConflict)
		return nil
	}

	switch claim.Status {
	case domain.ClaimStatusSucceeded:
		writeJSON(w, http.StatusOK, map[string]any{
			"run": run,
			"idempotency": idempotencyState{
				Key: claim.Key, Status: string(claim.Status), Replayed: true,
			},
		})
		return nil

	case domain.ClaimStatusFailed:
		won, err := s.Claims.RequeueClaim(ctx, claim.Key)
		if err != nil {
			log.ErrorContext(ctx, "run.idempotency.requeue_claim.failed", "idempotency_key", claim.Key, "error", err)
			return err
		}
		if !won {
			s.replayPending(w, run, claim)
			return nil
		}
		s.enqueueAndRespond(w, r, run.ID, claim.Key, true)
		return nil

	case domain.ClaimStatusPending:
		if run.FailureReason != nil && *run.FailureReason == domain.QueuePublishFailed {
			// The prior enqueue definitively failed. One concurrent retry
			// wins the updated_at CAS and re-enqueues.
			won, err := s.Claims.TouchPending(ctx, claim.Key, claim.UpdatedAt)
			if err != nil {
				log.ErrorContext(ctx, "run.idempotency.requeue_claim.failed", "idempotency_key", claim.Key, "error", err)
				return err
			}
			if !won {
				s.replayPending(w, run, claim)
				return nil
			}
			s.enqueueAndRespond(w, r, run.ID, claim.Key, true)
			return nil
		}
		// Outcome of the prior enqueue is ambiguous: replay without
		// re-enqueuing. Duplicate external jobs are forbidden; a duplicate
		// client wait is acceptable.
		s.replayPending(w, run, claim)
		return nil

	default:
		errorJSON(w, "idempotency claim is in an unknown state", "CONFLICT", http.StatusConflict)
		return nil
	}
}

// replayPending answers a replayed submission without touching the queue.
func (s *Server) replayPending(w http.ResponseWriter, run *domain.Run, claim *domain.IdempotencyClaim) {
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run": run,
		"idempotency": idempotencyState{
			Key: claim.Key, Status: string(claim.Status), Replayed: true,
		},
	})
}

// enqueueAndRespond publishes the run message and writes the final response.
// On publish failure it marks the run and demotes the claim so a later retry
// with the same key can safely re-enqueue.
func (s *Server) enqueueAndRespond(w http.ResponseWriter, r *http.Request, runID, key string, requeued bool) {
	ctx := r.Context()
	log := LoggerFromContext(ctx)

	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil || run == nil {
		internalError(w, "internal error", err)
		return
	}

	msg := queue.Message{
		RunID:       run.ID,
		RepoID:      run.RepoID,
		IssueNumber: run.IssueNumber,
		RequestedAt: time.Now().UTC(),
		PRMode:      run.PRMode,
		Requestor:   run.Requestor,
	}

	if err := s.Queue.Publish(ctx, msg); err != nil {
		log.ErrorContext(ctx, "run enqueue failed", "run_id", run.ID, "error", err)

		// Every write on this path is best-effort: the 503 must reach the
		// client even if marker persistence fails.
		if markErr := s.Runs.SetQueueFailure(ctx, run.ID); markErr != nil {
			log.ErrorContext(ctx, "run.queue_failure_marker.failed", "run_id", run.ID, "error", markErr)
		}
		if _, demErr := s.Claims.PromoteClaim(ctx, key, domain.ClaimStatusPending, domain.ClaimStatusFailed); demErr != nil {
			log.ErrorContext(ctx, "run.idempotency.demote_claim.failed", "idempotency_key", key, "error", demErr)
		}

		run, _ = s.Runs.GetRun(ctx, run.ID)
		claim, _ := s.Claims.GetClaim(ctx, key)
		status := string(domain.ClaimStatusFailed)
		if claim != nil {
			status = string(claim.Status)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"run":         run,
			"idempotency": idempotencyState{Key: key, Status: status},
			"error": APIErrorDetail{
				Code:    "ENQUEUE_FAILED",
				Type:    ErrorTypeUnavailable,
				Message: "run could not be enqueued; retry with the same Idempotency-Key",
			},
		})
		return
	}

	// Never downgrade succeeded: a lost CAS here means a concurrent writer
	// already promoted the claim, which is fine.
	if _, err := s.Claims.PromoteClaim(ctx, key, domain.ClaimStatusPending, domain.ClaimStatusSucceeded); err != nil {
		log.ErrorContext(ctx, "run.idempotency.promote_claim.failed", "idempotency_key", key, "error", err)
	}
	if requeued {
		if err := s.Runs.ClearQueueFailure(ctx, run.ID); err != nil {
			log.ErrorContext(ctx, "run.queue_failure_marker.clear_failed", "run_id", run.ID, "error", err)
		}
		run, _ = s.Runs.GetRun(ctx, run.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run": run,
		"idempotency": idempotencyState{
			Key: key, Status: string(domain.ClaimStatusSucceeded), Requeued: requeued,
		},
	})
}
