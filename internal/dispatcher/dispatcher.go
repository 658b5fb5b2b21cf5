// Package dispatcher is the coordinator: one pass per dispatch-cycle task
// that enumerates due work and turns each unit into an execution-lane task.
//
// Every read of a cycle happens before its first write. A failed read aborts
// the cycle with nothing enqueued; the next tick starts over. Units are
// claimed by conditional writes before they are enqueued, so two
// coordinators running the same cycle cannot both queue one unit.
package dispatcher

import (
	"context"
	"time"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/logger"
)

// StuckDetail is the error message of jobs failed by the stuck sweep
const StuckDetail = "stage timeout exceeded"

// Store is what the dispatcher reads and writes
type Store interface {
	jobstate.Updater

	ListEnabledSources(ctx context.Context) ([]*models.Source, error)
	ClaimSourcePoll(ctx context.Context, id uint, dueBefore, now time.Time) (bool, error)
	ListSourcesWithNewItems(ctx context.Context) ([]*models.Source, error)
	MarkSpikeChecked(ctx context.Context, id uint, now time.Time) error

	ClaimJobTask(ctx context.Context, id uint, status models.JobStatus, taskID string, staleBefore, now time.Time) (bool, error)
	ListJobsAwaitingGeneration(ctx context.Context, staleBefore time.Time, limit int) ([]*models.Job, error)
	ListJobsDueForPublish(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Job, error)
	ListStuckJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
}

// Config holds dispatcher settings
type Config struct {
	DefaultPollInterval time.Duration
	StageTimeout        time.Duration
	BatchLimit          int
}

// Result contains the counts of one cycle
type Result struct {
	ScrapesQueued    int
	GenerationQueued int
	PublishQueued    int
	SpikeQueued      int
	StuckFailed      int
	Skipped          int
	Duration         time.Duration
}

// Dispatcher enumerates due work
type Dispatcher struct {
	store   Store
	queue   agent.Enqueuer
	cfg     Config
	metrics *metrics.Collector
	log     *logger.Logger
	now     func() time.Time
}

// New creates a dispatcher
func New(store Store, q agent.Enqueuer, cfg Config, m *metrics.Collector, log *logger.Logger) *Dispatcher {
	if cfg.DefaultPollInterval <= 0 {
		cfg.DefaultPollInterval = 15 * time.Minute
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 15 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Dispatcher{
		store:   store,
		queue:   q,
		cfg:     cfg,
		metrics: m,
		log:     log.WithComponent("dispatcher"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements worker.Handler for dispatch-cycle tasks. A cycle never
// fails its task: whatever it missed is found again on the next tick.
func (d *Dispatcher) Handle(ctx context.Context, task queue.Task) worker.Result {
	res, err := d.RunCycle(ctx)
	if err != nil {
		d.metrics.DispatchCycles.WithLabelValues("aborted").Inc()
		d.log.Error().Err(err).Str("task_id", task.ID).Msg("Dispatch cycle aborted")
		return worker.Done
	}
	d.metrics.DispatchCycles.WithLabelValues("ok").Inc()
	d.log.Info().
		Int("scrapes", res.ScrapesQueued).
		Int("generations", res.GenerationQueued).
		Int("publishes", res.PublishQueued).
		Int("spike_checks", res.SpikeQueued).
		Int("stuck_failed", res.StuckFailed).
		Int("skipped", res.Skipped).
		Dur("took", res.Duration).
		Msg("Dispatch cycle complete")
	return worker.Done
}

// snapshot is everything one cycle reads
type snapshot struct {
	sources      []*models.Source
	queued       []*models.Job
	due          []*models.Job
	spikeSources []*models.Source
	stuck        []*models.Job
}

func (d *Dispatcher) read(ctx context.Context, now time.Time) (*snapshot, error) {
	staleBefore := now.Add(-d.cfg.StageTimeout)
	var (
		s   snapshot
		err error
	)
	if s.sources, err = d.store.ListEnabledSources(ctx); err != nil {
		return nil, err
	}
	if s.queued, err = d.store.ListJobsAwaitingGeneration(ctx, staleBefore, d.cfg.BatchLimit); err != nil {
		return nil, err
	}
	if s.due, err = d.store.ListJobsDueForPublish(ctx, now, staleBefore, d.cfg.BatchLimit); err != nil {
		return nil, err
	}
	if s.spikeSources, err = d.store.ListSourcesWithNewItems(ctx); err != nil {
		return nil, err
	}
	if s.stuck, err = d.store.ListStuckJobs(ctx, staleBefore, d.cfg.BatchLimit); err != nil {
		return nil, err
	}
	return &s, nil
}

// RunCycle runs one enumeration pass
func (d *Dispatcher) RunCycle(ctx context.Context) (*Result, error) {
	start := time.Now()
	now := d.now()
	staleBefore := now.Add(-d.cfg.StageTimeout)

	snap, err := d.read(ctx, now)
	if err != nil {
		return nil, err
	}

	res := &Result{}

	for _, src := range snap.sources {
		if !src.IsDue(now, d.cfg.DefaultPollInterval) {
			continue
		}
		dueBefore := now.Add(-src.Interval(d.cfg.DefaultPollInterval))
		claimed, err := d.store.ClaimSourcePoll(ctx, src.ID, dueBefore, now)
		if err != nil {
			d.log.WithSourceID(src.ID).Error().Err(err).Msg("Failed to claim source poll")
			res.Skipped++
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}
		task := queue.NewTask(queue.KindScrapeSource)
		task.SourceID = src.ID
		if d.enqueue(ctx, task) {
			res.ScrapesQueued++
		}
	}

	for _, job := range snap.queued {
		if d.claimJob(ctx, job, queue.KindGenerateContent, staleBefore, now) {
			res.GenerationQueued++
		} else {
			res.Skipped++
		}
	}

	for _, job := range snap.due {
		if d.claimJob(ctx, job, queue.KindPublishPost, staleBefore, now) {
			res.PublishQueued++
		} else {
			res.Skipped++
		}
	}

	for _, src := range snap.spikeSources {
		if err := d.store.MarkSpikeChecked(ctx, src.ID, now); err != nil {
			d.log.WithSourceID(src.ID).Error().Err(err).Msg("Failed to mark spike check")
			res.Skipped++
			continue
		}
		task := queue.NewTask(queue.KindDetectSpike)
		task.SourceID = src.ID
		if d.enqueue(ctx, task) {
			res.SpikeQueued++
		}
	}

	for _, job := range snap.stuck {
		if d.failStuck(ctx, job) {
			res.StuckFailed++
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

// claimJob records a new task as the job's pending reference and enqueues it
func (d *Dispatcher) claimJob(ctx context.Context, job *models.Job, kind queue.Kind, staleBefore, now time.Time) bool {
	task := queue.NewTask(kind)
	task.JobID = job.ID

	claimed, err := d.store.ClaimJobTask(ctx, job.ID, job.Status, task.ID, staleBefore, now)
	if err != nil {
		d.log.WithJobID(job.ID).Error().Err(err).Str("kind", string(kind)).Msg("Failed to claim job")
		return false
	}
	if !claimed {
		return false
	}
	return d.enqueue(ctx, task)
}

func (d *Dispatcher) failStuck(ctx context.Context, job *models.Job) bool {
	event := jobstate.EventGenerationFailed
	if job.Status == models.JobStatusPosting {
		event = jobstate.EventPublishFailed
	}
	msg := StuckDetail
	to, err := jobstate.Apply(ctx, d.store, job.ID, job.Status, event, storage.JobUpdate{ErrorMessage: &msg, ClearPending: true})
	if err != nil {
		d.log.WithJobID(job.ID).Warn().Err(err).Str("status", string(job.Status)).Msg("Failed to fail stuck job")
		return false
	}
	d.metrics.JobTransitions.WithLabelValues(string(to)).Inc()
	d.log.WithJobID(job.ID).Warn().
		Str("from", string(job.Status)).
		Time("updated_at", job.UpdatedAt).
		Msg("Job stuck past the stage timeout, marked failed")
	return true
}

// enqueue sends task after its unit was claimed. A failed enqueue leaves the
// unit claimed: it is picked up again once the claim goes stale.
func (d *Dispatcher) enqueue(ctx context.Context, task queue.Task) bool {
	if err := d.queue.Enqueue(ctx, task.Kind.Lane(), task); err != nil {
		d.log.Error().
			Err(err).
			Str("kind", string(task.Kind)).
			Uint("source_id", task.SourceID).
			Uint("job_id", task.JobID).
			Msg("Failed to enqueue task")
		return false
	}
	d.metrics.TasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
	return true
}
