package coderunner

import (
	"context"
	"fmt"
	"time"
)

// JobHandle is what a transport submission returns.
type JobHandle struct {
	ExternalRef string
	Status      string
}

// JobResult is the terminal result fetched for a finished job.
type JobResult struct {
	Status     string
	Summary    string
	LogsInline string
}

// Transport talks to the remote job service. Implemented by HTTPTransport
// in production and by fakes in tests.
type Transport interface {
	SubmitJob(ctx context.Context, phase string, input TaskInput) (*JobHandle, error)
	GetJobStatus(ctx context.Context, externalRef string) (string, error)
	GetJobResult(ctx context.Context, externalRef string) (*JobResult, error)
}

// External is the adapter for a remote coderunner service.
//
// Submission is at-most-once per station attempt: when the input carries a
// resume handle, the adapter only polls — submit is never called on resume.
type External struct {
	transport Transport
	nowFunc   func() time.Time
}

// NewExternal creates an external adapter over the given transport.
func NewExternal(transport Transport) *External {
	return &External{transport: transport, nowFunc: time.Now}
}

// RunImplement runs the implement phase against the remote service.
func (e *External) RunImplement(ctx context.Context, input TaskInput) (*Response, error) {
	return e.run(ctx, "implement", input)
}

// RunVerify runs the verify phase against the remote service.
func (e *External) RunVerify(ctx context.Context, input TaskInput) (*Response, error) {
	return e.run(ctx, "verify", input)
}

func (e *External) run(ctx context.Context, phase string, input TaskInput) (*Response, error) {
	if input.Resume != nil && input.Resume.ExternalRef != "" {
		return e.resume(ctx, phase, input)
	}

	handle, err := e.transport.SubmitJob(ctx, phase, input)
	if err != nil {
		return nil, err
	}

	if TerminalOutcome(handle.Status) {
		// Some providers complete trivial jobs synchronously.
		return e.fetchResult(ctx, phase, input, handle.ExternalRef)
	}

	ref := handle.ExternalRef
	return &Response{
		Summary:     fmt.Sprintf("%s job submitted (%s)", phase, handle.Status),
		ExternalRef: &ref,
		Metadata:    e.metadata(phase, handle.Status, input.Resume),
	}, nil
}

// resume polls the known job instead of submitting a new one.
func (e *External) resume(ctx context.Context, phase string, input TaskInput) (*Response, error) {
	ref := input.Resume.ExternalRef

	status, err := e.transport.GetJobStatus(ctx, ref)
	if err != nil {
		return nil, err
	}

	if !TerminalOutcome(status) {
		return &Response{
			Summary:     fmt.Sprintf("%s job still %s", phase, status),
			ExternalRef: &ref,
			Metadata:    e.metadata(phase, status, input.Resume),
		}, nil
	}

	return e.fetchResult(ctx, phase, input, ref)
}

func (e *External) fetchResult(ctx context.Context, phase string, input TaskInput, ref string) (*Response, error) {
	result, err := e.transport.GetJobResult(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !TerminalOutcome(result.Status) {
		return nil, newError(CategoryProvider, "get job result",
			fmt.Errorf("job %s reported non-terminal status %q in result", ref, result.Status))
	}

	summary := result.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s job finished: %s", phase, result.Status)
	}
	return &Response{
		Outcome:     Outcome(result.Status),
		Summary:     summary,
		ExternalRef: &ref,
		Metadata:    e.metadata(phase, result.Status, input.Resume),
		LogsInline:  result.LogsInline,
	}, nil
}

func (e *External) metadata(phase, providerStatus string, resume *Resume) []byte {
	return metadata(phase, "external", providerStatus, resume, e.nowFunc().UTC().Format(time.RFC3339))
}
