// Package scheduler wraps robfig/cron and produces dispatch-cycle ticks on
// the coordination lane.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/pkg/logger"
)

// Scheduler enqueues one dispatch-cycle task per cron tick
type Scheduler struct {
	cron    *cron.Cron
	queue   agent.Enqueuer
	expr    string
	metrics *metrics.Collector
	log     *logger.Logger
}

// New creates a scheduler firing on expr, e.g. "*/5 * * * *" or "@every 1m"
func New(q agent.Enqueuer, expr string, m *metrics.Collector, log *logger.Logger) *Scheduler {
	if m == nil {
		m = metrics.Nop()
	}
	log = log.WithComponent("scheduler")
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{log})),
		queue:   q,
		expr:    expr,
		metrics: m,
		log:     log,
	}
}

// Start registers the tick and starts cron. One tick is produced
// immediately so work is found without waiting for the first schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.expr, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule dispatch tick %q: %w", s.expr, err)
	}
	s.cron.Start()
	s.log.Info().Str("cron", s.expr).Msg("Scheduler started")

	s.Tick(ctx)
	return nil
}

// Stop stops cron and waits for a running tick to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Tick enqueues one dispatch-cycle task
func (s *Scheduler) Tick(ctx context.Context) {
	task := queue.NewTask(queue.KindDispatchCycle)
	if err := s.queue.Enqueue(ctx, task.Kind.Lane(), task); err != nil {
		s.log.Error().Err(err).Msg("Failed to enqueue dispatch cycle")
		return
	}
	s.metrics.TasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
	s.log.Debug().Str("task_id", task.ID).Msg("Dispatch cycle enqueued")
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
