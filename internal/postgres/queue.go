package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/queue"
)

// queueChannel is the NOTIFY channel publishers signal after inserting a
// message. Consumers LISTEN on it to wake up without waiting a full poll
// interval.
const queueChannel = "forge_run_queued"

const (
	defaultVisibilityTimeout = 2 * time.Minute
	defaultPollInterval      = 5 * time.Second
	defaultRetryDelay        = 10 * time.Second
)

// Queue is a Postgres-backed at-least-once message queue for run execution.
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent consumers never block
// each other, and a visibility timeout so a consumer that dies mid-handling
// leaves its message claimable again. Ack deletes the row; Retry pushes
// available_at into the future.
type Queue struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	// VisibilityTimeout is how long a claimed message stays invisible to
	// other consumers before redelivery.
	VisibilityTimeout time.Duration
	// PollInterval bounds how long Consume sleeps when no NOTIFY arrives.
	PollInterval time.Duration
	// RetryDelay is how far into the future Retry pushes a message.
	RetryDelay time.Duration

	wakeup chan struct{}
}

// NewQueue creates a Postgres-backed queue on the given pool.
func NewQueue(pool *pgxpool.Pool, log *slog.Logger) *Queue {
	return &Queue{
		pool:              pool,
		log:               log,
		VisibilityTimeout: defaultVisibilityTimeout,
		PollInterval:      defaultPollInterval,
		RetryDelay:        defaultRetryDelay,
		wakeup:            make(chan struct{}, 1),
	}
}

// Publish inserts the message and notifies listening consumers. The insert
// and the NOTIFY run in one transaction so a visible row implies the signal
// was sent.
func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish: encode message: %w", err)
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("publish: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_messages (run_id, payload, available_at)
		VALUES ($1, $2, now())`,
		msg.RunID, payload); err != nil {
		return fmt.Errorf("publish: insert message: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, queueChannel, msg.RunID); err != nil {
		return fmt.Errorf("publish: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("publish: commit: %w", err)
	}
	return nil
}

// Listen runs a dedicated LISTEN connection that converts NOTIFY signals
// into consumer wakeups. It reconnects on error until ctx is canceled.
// Consume works without it, falling back to polling.
func (q *Queue) Listen(ctx context.Context) {
	for {
		if err := q.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.WarnContext(ctx, "queue listener disconnected, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (q *Queue) listenOnce(ctx context.Context) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+queueChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		select {
		case q.wakeup <- struct{}{}:
		default:
		}
	}
}

// Consume blocks until a message is available or ctx is canceled. Each call
// claims at most one message.
func (q *Queue) Consume(ctx context.Context) (*queue.Delivery, error) {
	for {
		d, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		case <-time.After(q.PollInterval):
		}
	}
}

// tryClaim claims the oldest available message, making it invisible for the
// visibility timeout. Returns nil when the queue is empty.
func (q *Queue) tryClaim(ctx context.Context) (*queue.Delivery, error) {
	var (
		id       int64
		payload  []byte
		attempts int
	)
	err := q.pool.QueryRow(ctx, `
		UPDATE queue_messages
		SET available_at = now() + $1::interval,
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE available_at <= now()
			ORDER BY available_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload, attempts`,
		q.VisibilityTimeout.String()).Scan(&id, &payload, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim message: %w", err)
	}

	msg, err := queue.Decode(payload)
	if err != nil {
		// Undecodable payloads can never succeed. Drop with a log line
		// rather than redelivering forever.
		q.log.ErrorContext(ctx, "dropping undecodable queue message", "message_id", id, "error", err)
		if _, delErr := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id); delErr != nil {
			return nil, fmt.Errorf("delete undecodable message: %w", delErr)
		}
		return nil, nil
	}

	return &queue.Delivery{
		Message:  msg,
		Attempts: attempts,
		Ack: func(ctx context.Context) error {
			if _, err := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id); err != nil {
				return fmt.Errorf("ack message: %w", err)
			}
			return nil
		},
		Retry: func(ctx context.Context) error {
			if _, err := q.pool.Exec(ctx, `
				UPDATE queue_messages SET available_at = now() + $2::interval WHERE id = $1`,
				id, q.RetryDelay.String()); err != nil {
				return fmt.Errorf("retry message: %w", err)
			}
			return nil
		},
	}, nil
}
