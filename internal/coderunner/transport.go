package coderunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransport is the REST client for the remote coderunner service.
//
// Endpoints:
//
//	POST /jobs                 submit a job
//	GET  /jobs/{ref}/status    poll job status
//	GET  /jobs/{ref}/result    fetch the terminal result
type HTTPTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport from a base URL and API key.
// A zero timeout defaults to 30s.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// submitJobRequest is the POST /jobs body.
type submitJobRequest struct {
	Phase string    `json:"phase"`
	Task  TaskInput `json:"task"`
}

type jobStatusResponse struct {
	ExternalRef string `json:"externalRef"`
	Status      string `json:"status"`
}

type jobResultResponse struct {
	Status     string `json:"status"`
	Summary    string `json:"summary"`
	LogsInline string `json:"logsInline"`
}

// SubmitJob submits a new job and returns its handle.
func (t *HTTPTransport) SubmitJob(ctx context.Context, phase string, input TaskInput) (*JobHandle, error) {
	body, err := json.Marshal(submitJobRequest{Phase: phase, Task: input})
	if err != nil {
		return nil, newError(CategoryConfig, "submit job", fmt.Errorf("encode request: %w", err))
	}

	var resp jobStatusResponse
	if err := t.do(ctx, http.MethodPost, "/jobs", body, "submit job", &resp); err != nil {
		return nil, err
	}
	if resp.ExternalRef == "" {
		return nil, newError(CategoryProvider, "submit job", errors.New("response missing externalRef"))
	}
	return &JobHandle{ExternalRef: resp.ExternalRef, Status: resp.Status}, nil
}

// GetJobStatus polls the status of a submitted job.
func (t *HTTPTransport) GetJobStatus(ctx context.Context, externalRef string) (string, error) {
	var resp jobStatusResponse
	path := "/jobs/" + url.PathEscape(externalRef) + "/status"
	if err := t.do(ctx, http.MethodGet, path, nil, "get job status", &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// GetJobResult fetches the terminal result of a finished job.
func (t *HTTPTransport) GetJobResult(ctx context.Context, externalRef string) (*JobResult, error) {
	var resp jobResultResponse
	path := "/jobs/" + url.PathEscape(externalRef) + "/result"
	if err := t.do(ctx, http.MethodGet, path, nil, "get job result", &resp); err != nil {
		return nil, err
	}
	return &JobResult{Status: resp.Status, Summary: resp.Summary, LogsInline: resp.LogsInline}, nil
}

// do executes one request and decodes the response, mapping failures into
// the adapter error taxonomy.
func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, op string, out any) error {
	if t.baseURL == "" {
		return newError(CategoryConfig, op, errors.New("coderunner base URL is not configured"))
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return newError(CategoryConfig, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// Network failures, timeouts, and aborts are worth another attempt.
		return newError(CategoryTransportRetryable, op, err)
	}
	defer resp.Body.Close()

	if category, failed := classifyStatus(resp.StatusCode); failed {
		return newError(category, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(CategoryProvider, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyStatus maps an HTTP status into the error taxonomy. The second
// return is false for success statuses.
func classifyStatus(status int) (Category, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth, true
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return CategoryTransportRetryable, true
	default:
		return CategoryProvider, true
	}
}
