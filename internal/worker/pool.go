// Package worker runs a fixed-size pool of consumers on one queue lane.
//
// Each worker takes one task at a time, routes it to the handler registered
// for its kind and settles the delivery from the handler's Result:
//
//	Done  → ack
//	Fail  → ack (terminal; the handler already recorded the failure)
//	Retry → nack, or dead-letter once max deliveries is reached
//
// A panicking handler is recovered, logged with its stack and treated as
// Retry. Tasks routed to the dead-letter lane are passed to the handler's
// Exhausted hook when it has one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/pkg/logger"
)

// Result tells the pool how to settle a delivery
type Result int

const (
	Done Result = iota
	Retry
	Fail
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Handler executes one task
type Handler interface {
	Handle(ctx context.Context, task queue.Task) Result
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task queue.Task) Result

func (f HandlerFunc) Handle(ctx context.Context, task queue.Task) Result { return f(ctx, task) }

// Exhauster is implemented by handlers that record a terminal outcome when a
// task runs out of deliveries
type Exhauster interface {
	Exhausted(ctx context.Context, task queue.Task) error
}

// Config holds pool settings
type Config struct {
	Lane          queue.Lane
	Concurrency   int
	MaxDeliveries int
	// PollTimeout bounds each blocking dequeue
	PollTimeout time.Duration
	// TaskTimeout bounds one handler invocation
	TaskTimeout time.Duration
}

const (
	defaultMaxDeliveries = 5
	defaultPollTimeout   = 5 * time.Second
	defaultTaskTimeout   = 5 * time.Minute
	brokerErrorBackoff   = time.Second
	exhaustedHookTimeout = 30 * time.Second
)

// Pool consumes one lane with a fixed number of workers
type Pool struct {
	broker   queue.Broker
	cfg      Config
	handlers map[queue.Kind]Handler
	metrics  *metrics.Collector
	log      *logger.Logger
}

// New creates a pool. The coordination lane always runs a single worker.
func New(broker queue.Broker, cfg Config, m *metrics.Collector, log *logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Lane == queue.LaneCoordination {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Pool{
		broker:   broker,
		cfg:      cfg,
		handlers: make(map[queue.Kind]Handler),
		metrics:  m,
		log:      log.WithComponent("worker"),
	}
}

// Register routes tasks of kind to h. Register before Run.
func (p *Pool) Register(kind queue.Kind, h Handler) {
	p.handlers[kind] = h
}

// Concurrency returns the effective worker count
func (p *Pool) Concurrency() int { return p.cfg.Concurrency }

// Run starts the workers and blocks until ctx is canceled and every
// in-progress task has settled
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Str("lane", string(p.cfg.Lane)).
		Int("concurrency", p.cfg.Concurrency).
		Int("max_deliveries", p.cfg.MaxDeliveries).
		Msg("Worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()

	p.log.Info().Str("lane", string(p.cfg.Lane)).Msg("Worker pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	for ctx.Err() == nil {
		if _, err := p.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Int("worker", id).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(brokerErrorBackoff):
			}
		}
	}
}

// ProcessOne waits up to the poll timeout for a task and settles it. It
// reports whether a task was processed.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	d, err := p.broker.Dequeue(ctx, p.cfg.Lane, p.cfg.PollTimeout)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	p.process(ctx, d)
	return true, nil
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	log := p.log.WithTask(string(d.Task.Kind), d.Task.ID, d.Attempt)
	// settle even when shutdown cancels ctx mid-task
	settleCtx := context.WithoutCancel(ctx)

	h, ok := p.handlers[d.Task.Kind]
	if !ok {
		log.Error().Msg("No handler registered for task kind")
		p.deadLetter(settleCtx, d, nil, "no handler for kind "+string(d.Task.Kind), log)
		return
	}

	if d.Attempt > p.cfg.MaxDeliveries {
		p.deadLetter(settleCtx, d, h, "exhausted retries", log)
		return
	}

	start := time.Now()
	result := p.invoke(ctx, h, d.Task, log)
	p.metrics.TaskDuration.WithLabelValues(string(d.Task.Kind)).Observe(time.Since(start).Seconds())

	switch result {
	case Done, Fail:
		if err := p.broker.Ack(settleCtx, d); err != nil {
			log.Error().Err(err).Msg("Failed to ack task")
		}
		p.metrics.TasksProcessed.WithLabelValues(string(d.Task.Kind), result.String()).Inc()
		log.Debug().Str("result", result.String()).Dur("took", time.Since(start)).Msg("Task settled")
	default:
		if d.Attempt >= p.cfg.MaxDeliveries {
			p.deadLetter(settleCtx, d, h, "exhausted retries", log)
			return
		}
		if err := p.broker.Nack(settleCtx, d); err != nil {
			log.Error().Err(err).Msg("Failed to nack task")
		}
		p.metrics.TasksProcessed.WithLabelValues(string(d.Task.Kind), Retry.String()).Inc()
		log.Info().Msg("Task will be redelivered")
	}
}

// invoke runs the handler under the task timeout, converting a panic to Retry
func (p *Pool) invoke(ctx context.Context, h Handler, task queue.Task, log *logger.Logger) (result Result) {
	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in task handler")
			p.metrics.TasksProcessed.WithLabelValues(string(task.Kind), "panic").Inc()
			result = Retry
		}
	}()

	return h.Handle(taskCtx, task)
}

func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, h Handler, reason string, log *logger.Logger) {
	if err := p.broker.DeadLetter(ctx, d, reason); err != nil {
		log.Error().Err(err).Msg("Failed to dead-letter task")
		return
	}
	p.metrics.TasksDeadLetter.WithLabelValues(string(d.Task.Kind)).Inc()
	log.Warn().Str("reason", reason).Msg("Task moved to dead-letter lane")

	ex, ok := h.(Exhauster)
	if !ok {
		return
	}
	hookCtx, cancel := context.WithTimeout(ctx, exhaustedHookTimeout)
	defer cancel()
	if err := ex.Exhausted(hookCtx, d.Task); err != nil {
		log.Error().Err(err).Msg("Exhaustion hook failed")
	}
}
