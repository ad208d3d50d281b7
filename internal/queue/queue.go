// Package queue defines the run queue contract: at-least-once delivery of
// run messages, ordered per publisher, with explicit ack/retry resolution.
// Two implementations exist: a Postgres-backed queue (internal/postgres) for
// production and an in-process Memory queue for tests and DB-less mode.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeworks/forge/internal/domain"
)

// Outcome is how a consumer resolves a delivery.
type Outcome string

const (
	// OutcomeAck removes the message permanently. Used both for handled
	// messages and for poison messages that can never be handled.
	OutcomeAck Outcome = "ack"
	// OutcomeRetry returns the message to the queue for redelivery.
	OutcomeRetry Outcome = "retry"
	// OutcomeNone indicates no message was available.
	OutcomeNone Outcome = "none"
)

// Message is the wire shape published for every queued run.
type Message struct {
	RunID       string        `json:"runId"`
	RepoID      string        `json:"repoId"`
	IssueNumber int           `json:"issueNumber"`
	RequestedAt time.Time     `json:"requestedAt"`
	PRMode      domain.PRMode `json:"prMode"`
	Requestor   string        `json:"requestor"`
}

// Validate checks the exact wire contract. Consumers ack-and-drop messages
// that fail validation — there is no point redelivering a malformed body.
func (m Message) Validate() error {
	if m.RunID == "" {
		return fmt.Errorf("queue message: runId is required")
	}
	if m.RepoID == "" {
		return fmt.Errorf("queue message: repoId is required")
	}
	if m.IssueNumber <= 0 {
		return fmt.Errorf("queue message: issueNumber must be > 0, got %d", m.IssueNumber)
	}
	if m.RequestedAt.IsZero() {
		return fmt.Errorf("queue message: requestedAt is required")
	}
	if !domain.ValidPRMode(string(m.PRMode)) {
		return fmt.Errorf("queue message: prMode must be draft or ready, got %q", m.PRMode)
	}
	if m.Requestor == "" {
		return fmt.Errorf("queue message: requestor is required")
	}
	return nil
}

// Decode parses a raw JSON body into a Message and validates it.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("queue message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Publisher enqueues run messages. Publish must be durable before returning.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received message plus its resolution callbacks.
// Exactly one of Ack or Retry must be called per delivery; failing to call
// either leaves the message invisible until its visibility timeout lapses,
// which is how crashed consumers are recovered.
type Delivery struct {
	Message  Message
	Attempts int

	Ack   func(ctx context.Context) error
	Retry func(ctx context.Context) error
}

// Source yields deliveries to a consumer.
type Source interface {
	// Consume blocks until a message is available or ctx is done.
	// Returns ctx.Err() when the context is cancelled.
	Consume(ctx context.Context) (*Delivery, error)
}
