// Package publisher handles publish-post tasks. It moves a scheduled job
// through posting to posted on the job's platform.
package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/platform"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

// OutcomeUnknownDetail is recorded when a redelivered task finds an earlier
// publish call that never reported back
const OutcomeUnknownDetail = "publish outcome unknown"

// Store is what the agent reads and writes
type Store interface {
	jobstate.Updater
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	SetPublishAttempt(ctx context.Context, id uint, taskID string, at *time.Time) error
}

// Agent handles publish-post tasks
type Agent struct {
	store      Store
	publishers *platform.Registry
	guard      agent.Guard
	metrics    *metrics.Collector
	log        *logger.Logger
	now        func() time.Time
}

// NewAgent creates a new publisher agent
func NewAgent(store Store, publishers *platform.Registry, guard agent.Guard, m *metrics.Collector, log *logger.Logger) *Agent {
	if m == nil {
		m = metrics.Nop()
	}
	return &Agent{
		store:      store,
		publishers: publishers,
		guard:      guard,
		metrics:    m,
		log:        log.WithComponent("publisher"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements worker.Handler
func (a *Agent) Handle(ctx context.Context, task queue.Task) worker.Result {
	log := a.log.WithJobID(task.JobID)

	job, err := a.store.GetJob(ctx, task.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Msg("Job no longer exists, skipping")
		return worker.Done
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load job")
		return worker.Retry
	}

	switch job.Status {
	case models.JobStatusScheduled:
		if job.ScheduledAt != nil && job.ScheduledAt.After(a.now()) {
			log.Info().Time("scheduled_at", *job.ScheduledAt).Msg("Job rescheduled into the future, skipping")
			return worker.Done
		}
		started := a.now()
		if err := a.transition(ctx, job, jobstate.EventPublishDue, storage.JobUpdate{
			PendingTaskID:  &task.ID,
			PublishAttempt: &started,
		}); err != nil {
			return lostRace(log, err)
		}
	case models.JobStatusPosting:
		if job.PendingTaskID != task.ID {
			log.Info().Str("owner_task", job.PendingTaskID).Msg("Job is being published by another task, skipping")
			return worker.Done
		}
		// the marker survives only a crash or an interrupted call, either of
		// which may have created the post
		if job.PublishAttempt != nil {
			log.Warn().Time("attempt", *job.PublishAttempt).Msg("Earlier publish attempt has no recorded outcome")
			return a.finish(ctx, log, job, jobstate.EventPublishFailed, OutcomeUnknownDetail, storage.JobUpdate{})
		}
		started := a.now()
		if err := a.store.SetPublishAttempt(ctx, job.ID, task.ID, &started); err != nil {
			return lostRace(log, err)
		}
		log.Info().Msg("Resuming publish after redelivery")
	default:
		log.Info().Str("status", string(job.Status)).Msg("Job not due for publishing, skipping")
		return worker.Done
	}

	pub, err := a.publishers.For(job.Platform)
	if err != nil {
		return a.finish(ctx, log, job, jobstate.EventPublishFailed, err.Error(), storage.JobUpdate{})
	}

	log.Info().Str("platform", string(job.Platform)).Msg("Publishing job")

	var postID string
	err = a.guard.Do(ctx, "publish "+string(job.Platform), func(ctx context.Context) error {
		var err error
		postID, err = pub.Publish(ctx, job)
		return err
	})

	current, rerr := a.store.GetJob(ctx, job.ID)
	if rerr != nil {
		log.Error().Err(rerr).Msg("Failed to re-read job after publishing")
		return worker.Retry
	}
	if current.Status != models.JobStatusPosting {
		if err == nil {
			log.Warn().
				Str("status", string(current.Status)).
				Str("post_id", postID).
				Msg("Job changed while the post was created, result not recorded")
			return worker.Done
		}
		log.Info().Str("status", string(current.Status)).Msg("Job changed during publishing, discarding result")
		return worker.Done
	}

	if err != nil {
		if agent.Interrupted(ctx) {
			return worker.Retry
		}
		switch failure.KindOf(err) {
		case failure.KindTransient:
			if cerr := a.store.SetPublishAttempt(ctx, job.ID, task.ID, nil); cerr != nil {
				log.Error().Err(cerr).Msg("Failed to clear publish marker")
			}
			log.Warn().Err(err).Msg("Publish failed transiently, will retry")
			return worker.Retry
		case failure.KindAuthRequired:
			return a.finish(ctx, log, job, jobstate.EventCredentialsInvalid, err.Error(), storage.JobUpdate{})
		case failure.KindTimeout:
			return a.finish(ctx, log, job, jobstate.EventPublishFailed, "publish timed out", storage.JobUpdate{})
		default:
			return a.finish(ctx, log, job, jobstate.EventPublishFailed, err.Error(), storage.JobUpdate{})
		}
	}

	postedAt := a.now()
	return a.finish(ctx, log, job, jobstate.EventPublishSucceeded, "", storage.JobUpdate{
		ExternalPostID: &postID,
		PostedAt:       &postedAt,
	})
}

// Exhausted marks the job failed once its task runs out of deliveries
func (a *Agent) Exhausted(ctx context.Context, task queue.Task) error {
	job, err := a.store.GetJob(ctx, task.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusScheduled:
		if err := a.transition(ctx, job, jobstate.EventPublishDue, storage.JobUpdate{}); err != nil {
			return ignoreLostRace(err)
		}
	case models.JobStatusPosting:
	default:
		return nil
	}

	msg := "exhausted retries"
	err = a.transition(ctx, job, jobstate.EventPublishFailed, storage.JobUpdate{ErrorMessage: &msg, ClearPending: true})
	return ignoreLostRace(err)
}

func (a *Agent) transition(ctx context.Context, job *models.Job, event jobstate.Event, upd storage.JobUpdate) error {
	to, err := jobstate.Apply(ctx, a.store, job.ID, job.Status, event, upd)
	if err != nil {
		return err
	}
	a.metrics.JobTransitions.WithLabelValues(string(to)).Inc()
	job.Status = to
	return nil
}

func (a *Agent) finish(ctx context.Context, log *logger.Logger, job *models.Job, event jobstate.Event, detail string, upd storage.JobUpdate) worker.Result {
	if detail != "" {
		upd.ErrorMessage = &detail
	}
	upd.ClearPending = true

	if err := a.transition(ctx, job, event, upd); err != nil {
		return lostRace(log, err)
	}

	if event == jobstate.EventPublishSucceeded {
		log.Info().Str("post_id", *upd.ExternalPostID).Msg("Job published")
		return worker.Done
	}
	log.Warn().Str("status", string(job.Status)).Str("detail", detail).Msg("Publish finished without a post")
	return worker.Fail
}

func lostRace(log *logger.Logger, err error) worker.Result {
	if ignoreLostRace(err) == nil {
		log.Info().Msg("Job changed concurrently, skipping")
		return worker.Done
	}
	log.Error().Err(err).Msg("Failed to record job transition")
	return worker.Retry
}

func ignoreLostRace(err error) error {
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return nil
	}
	return err
}
