// Package coderunner is the adapter between station execution and the
// system that actually performs implement/verify work. Two modes exist:
// mock (synchronous, deterministic, used in tests and local setups) and
// external (a remote job service reached over HTTP).
package coderunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Outcome is the terminal result of a coderunner task.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeTimeout   Outcome = "timeout"
)

// TerminalOutcome reports whether s names a terminal job state.
func TerminalOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCanceled, OutcomeTimeout:
		return true
	}
	return false
}

// RepoInfo identifies the repository a task operates on.
type RepoInfo struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	BaseBranch string `json:"baseBranch"`
	ConfigPath string `json:"configPath,omitempty"`
}

// Resume carries the handle of an already-submitted external job so a
// restarted worker can pick it up instead of submitting a duplicate.
type Resume struct {
	ExternalRef string          `json:"externalRef"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// TaskInput is the envelope handed to the adapter for one station attempt.
type TaskInput struct {
	RunID       string   `json:"runId"`
	IssueNumber int      `json:"issueNumber"`
	Goal        *string  `json:"goal,omitempty"`
	Requestor   string   `json:"requestor"`
	PRMode      string   `json:"prMode"`
	Repo        RepoInfo `json:"repo"`
	Resume      *Resume  `json:"resume,omitempty"`
}

// Response is the tagged union every adapter call returns.
//
// Outcome == "" means non-terminal: the job is still in flight and
// ExternalRef carries the handle to poll later. Any terminal Outcome ends
// the station, with LogsInline optionally carrying a runner log excerpt.
type Response struct {
	Outcome     Outcome         `json:"outcome,omitempty"`
	Summary     string          `json:"summary"`
	ExternalRef *string         `json:"externalRef,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	LogsInline  string          `json:"logsInline,omitempty"`
}

// Terminal reports whether the response ends the station.
func (r *Response) Terminal() bool {
	return r.Outcome != ""
}

// Adapter runs implement and verify tasks.
type Adapter interface {
	RunImplement(ctx context.Context, input TaskInput) (*Response, error)
	RunVerify(ctx context.Context, input TaskInput) (*Response, error)
}

// Category classifies adapter errors for retry decisions.
type Category string

const (
	CategoryConfig             Category = "config"
	CategoryAuth               Category = "auth"
	CategoryTransportRetryable Category = "transport_retryable"
	CategoryProvider           Category = "provider"
)

// Error is an adapter failure with a retryability classification.
type Error struct {
	Category  Category
	Retryable bool
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("coderunner %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error; retryability follows the category.
func newError(category Category, op string, err error) *Error {
	return &Error{
		Category:  category,
		Retryable: category == CategoryTransportRetryable,
		Op:        op,
		Err:       err,
	}
}

// IsRetryable reports whether err (anywhere in its chain) is a retryable
// adapter error. Unknown errors are not retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// metadata builds the station metadata block recorded with every adapter
// response: attempt counts survive across resumes via the resume metadata.
func metadata(phase, mode, providerStatus string, resume *Resume, now string) json.RawMessage {
	attempt := 1
	if resume != nil && len(resume.Metadata) > 0 {
		var prior struct {
			Attempt int `json:"attempt"`
		}
		if err := json.Unmarshal(resume.Metadata, &prior); err == nil && prior.Attempt > 0 {
			attempt = prior.Attempt + 1
		}
	}
	raw, _ := json.Marshal(map[string]any{
		"phase":          phase,
		"mode":           mode,
		"attempt":        attempt,
		"providerStatus": providerStatus,
		"updatedAt":      now,
	})
	return raw
}
