package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/forgeworks/forge/internal/queue"
)

// Worker runs a pool of goroutines consuming run messages from a queue
// source and handing them to the engine. Start/Stop bracket the pool's
// lifetime; Stop blocks until every goroutine has drained.
type Worker struct {
	engine *Engine
	source queue.Source
	log    *slog.Logger
	count  int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a consumer pool of the given size. A count below one is
// raised to one.
func NewWorker(engine *Engine, source queue.Source, count int, log *slog.Logger) *Worker {
	if count < 1 {
		count = 1
	}
	return &Worker{
		engine: engine,
		source: source,
		log:    log,
		count:  count,
	}
}

// Start launches the consumer goroutines. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(w.count)
	for i := 0; i < w.count; i++ {
		go func(id int) {
			defer wg.Done()
			w.consumeLoop(runCtx, id)
		}(i)
	}
	done := w.done
	go func() {
		wg.Wait()
		close(done)
	}()

	w.log.Info("engine workers started", "count", w.count)
}

// Stop cancels the pool and waits for all consumers to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.log.Info("engine workers stopped")
}

func (w *Worker) consumeLoop(ctx context.Context, id int) {
	for {
		delivery, err := w.source.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.ErrorContext(ctx, "queue consume failed", "worker", id, "error", err)
			continue
		}
		if delivery == nil {
			continue
		}
		w.resolve(ctx, delivery)
	}
}

// resolve handles one delivery and settles it. Settlement uses a background
// context so a shutdown mid-message still records the outcome.
func (w *Worker) resolve(ctx context.Context, d *queue.Delivery) {
	outcome := w.engine.HandleMessage(ctx, d.Message)

	settleCtx := context.WithoutCancel(ctx)
	var err error
	switch outcome {
	case queue.OutcomeRetry:
		err = d.Retry(settleCtx)
	default:
		err = d.Ack(settleCtx)
	}
	if err != nil {
		// The visibility timeout will redeliver; at-least-once absorbs this.
		w.log.ErrorContext(ctx, "delivery settlement failed", "run_id", d.Message.RunID, "outcome", outcome, "error", err)
	}
}
