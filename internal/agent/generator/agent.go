// Package generator handles generate-content tasks. It moves a queued job
// through generating into needs_review with AI-suggested copy.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/ai"
	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

// ContentGenerator writes copy for a job brief
type ContentGenerator interface {
	GenerateContent(ctx context.Context, req ai.ContentRequest) (*ai.GeneratedContent, error)
}

// Store is what the agent reads and writes
type Store interface {
	jobstate.Updater
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	GetCredential(ctx context.Context, ownerID string, platform models.Platform) (*models.PlatformCredential, error)
}

// Agent handles generate-content tasks
type Agent struct {
	store     Store
	generator ContentGenerator
	guard     agent.Guard
	metrics   *metrics.Collector
	log       *logger.Logger
	now       func() time.Time
}

// NewAgent creates a new generator agent
func NewAgent(store Store, generator ContentGenerator, guard agent.Guard, m *metrics.Collector, log *logger.Logger) *Agent {
	if m == nil {
		m = metrics.Nop()
	}
	return &Agent{
		store:     store,
		generator: generator,
		guard:     guard,
		metrics:   m,
		log:       log.WithComponent("generator"),
		now:       func() time.Time { return time.Now().UTC() },
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
	case models.JobStatusQueued:
		if err := a.transition(ctx, job, jobstate.EventGenerationStarted, storage.JobUpdate{PendingTaskID: &task.ID}); err != nil {
			return a.lostRace(log, err)
		}
	case models.JobStatusGenerating:
		// a redelivery of the task that started generation resumes it
		if job.PendingTaskID != task.ID {
			log.Info().Str("owner_task", job.PendingTaskID).Msg("Job is being generated by another task, skipping")
			return worker.Done
		}
		log.Info().Msg("Resuming generation after redelivery")
	default:
		log.Info().Str("status", string(job.Status)).Msg("Job not awaiting generation, skipping")
		return worker.Done
	}

	if reason := a.credentialProblem(ctx, job); reason != "" {
		log.Warn().Str("reason", reason).Msg("Credentials unusable, job needs re-authentication")
		return a.finish(ctx, log, job, jobstate.EventCredentialsInvalid, reason, storage.JobUpdate{})
	}

	var content *ai.GeneratedContent
	err = a.guard.Do(ctx, "generate", func(ctx context.Context) error {
		var err error
		content, err = a.generator.GenerateContent(ctx, ai.ContentRequest{
			Platform: job.Platform,
			MediaURL: job.MediaURL,
			Context:  job.Context,
		})
		return err
	})

	// The job may have been canceled while the call was in flight
	current, rerr := a.store.GetJob(ctx, job.ID)
	if rerr != nil {
		log.Error().Err(rerr).Msg("Failed to re-read job after generation")
		return worker.Retry
	}
	if current.Status != models.JobStatusGenerating {
		log.Info().Str("status", string(current.Status)).Msg("Job changed during generation, discarding result")
		return worker.Done
	}

	if err != nil {
		if agent.Interrupted(ctx) {
			return worker.Retry
		}
		switch failure.KindOf(err) {
		case failure.KindTransient:
			log.Warn().Err(err).Msg("Generation failed transiently, will retry")
			return worker.Retry
		case failure.KindAuthRequired:
			return a.finish(ctx, log, job, jobstate.EventCredentialsInvalid, err.Error(), storage.JobUpdate{})
		case failure.KindTimeout:
			return a.finish(ctx, log, job, jobstate.EventGenerationFailed, "generation timed out", storage.JobUpdate{})
		default:
			return a.finish(ctx, log, job, jobstate.EventGenerationFailed, err.Error(), storage.JobUpdate{})
		}
	}

	upd := storage.JobUpdate{
		AITitle:    &content.Title,
		AIHook:     &content.Hook,
		AIHashtags: models.StringSlice(content.Hashtags),
	}
	return a.finish(ctx, log, job, jobstate.EventGenerationSucceeded, "", upd)
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
	case models.JobStatusQueued:
		if err := a.transition(ctx, job, jobstate.EventGenerationStarted, storage.JobUpdate{}); err != nil {
			return ignoreLostRace(err)
		}
	case models.JobStatusGenerating:
	default:
		return nil
	}

	msg := "exhausted retries"
	err = a.transition(ctx, job, jobstate.EventGenerationFailed, storage.JobUpdate{ErrorMessage: &msg, ClearPending: true})
	return ignoreLostRace(err)
}

// credentialProblem returns why the owner cannot publish to the job's
// platform, or "" when a usable credential exists
func (a *Agent) credentialProblem(ctx context.Context, job *models.Job) string {
	cred, err := a.store.GetCredential(ctx, job.OwnerID, job.Platform)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("no %s credential for owner", job.Platform)
	}
	if err != nil {
		// a store hiccup is not evidence the credential is bad; generation
		// goes ahead and publishing checks again
		a.log.Warn().Err(err).Msg("Failed to load credential")
		return ""
	}
	if !cred.Usable(a.now()) {
		return fmt.Sprintf("%s credential expired", job.Platform)
	}
	return ""
}

// transition applies event to job and advances job.Status on success
func (a *Agent) transition(ctx context.Context, job *models.Job, event jobstate.Event, upd storage.JobUpdate) error {
	to, err := jobstate.Apply(ctx, a.store, job.ID, job.Status, event, upd)
	if err != nil {
		return err
	}
	a.metrics.JobTransitions.WithLabelValues(string(to)).Inc()
	job.Status = to
	return nil
}

// finish records the outcome of a generation attempt
func (a *Agent) finish(ctx context.Context, log *logger.Logger, job *models.Job, event jobstate.Event, detail string, upd storage.JobUpdate) worker.Result {
	if detail != "" {
		upd.ErrorMessage = &detail
	}
	upd.ClearPending = true

	if err := a.transition(ctx, job, event, upd); err != nil {
		return a.lostRace(log, err)
	}

	if event == jobstate.EventGenerationSucceeded {
		log.Info().Str("status", string(job.Status)).Msg("Generation finished")
		return worker.Done
	}
	log.Warn().Str("status", string(job.Status)).Str("detail", detail).Msg("Generation finished")
	return worker.Fail
}

// lostRace settles a failed write: a concurrent transition means there is
// nothing left to do, anything else is retried
func (a *Agent) lostRace(log *logger.Logger, err error) worker.Result {
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
