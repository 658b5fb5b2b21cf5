// Package agent holds what the task handlers share: guarded collaborator
// calls and the mapping from classified errors to worker results.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
)

// Enqueuer is the part of the broker handlers need to emit follow-on tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, lane queue.Lane, task queue.Task) error
}

// Guard bounds a collaborator call with a per-call timeout and, when set, a
// circuit breaker
type Guard struct {
	Timeout time.Duration
	Breaker *failure.Breaker
}

// Do runs fn under the guard. A call that outlives its own budget while ctx
// is still live is reported as failure.KindTimeout.
func (g Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	run := func() error { return fn(callCtx) }

	var err error
	if g.Breaker != nil {
		err = g.Breaker.Call(op, run)
	} else {
		err = run()
	}
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return failure.Timeout(op, err)
	}
	return err
}

// Interrupted reports whether ctx ended, by shutdown or task timeout, so the
// handler should hand the task back instead of recording an outcome
func Interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

// ResultFor maps an error from an idempotent task to a settle decision.
// Transient and timeout failures are redelivered, as are unclassified errors
// (store blips, bugs), which dead-letter once the delivery bound is hit.
// Explicitly fatal, validation and auth failures are final.
func ResultFor(ctx context.Context, err error) worker.Result {
	switch {
	case err == nil:
		return worker.Done
	case Interrupted(ctx):
		return worker.Retry
	case failure.IsTransient(err), failure.IsTimeout(err), !failure.Classified(err):
		return worker.Retry
	}
	return worker.Fail
}
