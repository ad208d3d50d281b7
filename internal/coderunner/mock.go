package coderunner

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Goal markers recognized by the mock adapter. They let tests and local
// setups force a specific terminal outcome deterministically.
const (
	markerTimeout    = "[mock-timeout]"
	markerCanceled   = "[mock-canceled]"
	markerFail       = "[mock-fail]"
	markerVerifyFail = "[verify-fail]"
)

// Mock is a synchronous adapter that always returns a terminal outcome
// picked from markers embedded in the goal text.
type Mock struct {
	// nowFunc is overridable in tests.
	nowFunc func() time.Time
}

// NewMock creates a mock adapter.
func NewMock() *Mock {
	return &Mock{nowFunc: time.Now}
}

// RunImplement runs the implement phase in mock mode.
func (m *Mock) RunImplement(ctx context.Context, input TaskInput) (*Response, error) {
	return m.run("implement", input)
}

// RunVerify runs the verify phase in mock mode.
func (m *Mock) RunVerify(ctx context.Context, input TaskInput) (*Response, error) {
	return m.run("verify", input)
}

func (m *Mock) run(phase string, input TaskInput) (*Response, error) {
	goal := ""
	if input.Goal != nil {
		goal = *input.Goal
	}

	outcome := OutcomeSucceeded
	switch {
	case strings.Contains(goal, markerTimeout):
		outcome = OutcomeTimeout
	case strings.Contains(goal, markerCanceled):
		outcome = OutcomeCanceled
	case strings.Contains(goal, markerFail):
		outcome = OutcomeFailed
	case phase == "verify" && strings.Contains(goal, markerVerifyFail):
		outcome = OutcomeFailed
	}

	ref := fmt.Sprintf("mock-%s-%s", phase, input.RunID)
	now := m.nowFunc().UTC()
	return &Response{
		Outcome:     outcome,
		Summary:     fmt.Sprintf("Mock %s for %s/%s#%d: %s", phase, input.Repo.Owner, input.Repo.Name, input.IssueNumber, outcome),
		ExternalRef: &ref,
		Metadata:    metadata(phase, "mock", string(outcome), input.Resume, now.Format(time.RFC3339)),
		LogsInline:  fmt.Sprintf("[mock] %s finished with outcome=%s", phase, outcome),
	}, nil
}
