// Package service is the surface the API and CLI drive: job review and
// cancellation, source management, credentials and the alert and card feeds.
// Input is validated here and rejected before anything is written.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

// ErrConflict is returned when the addressed job is not in a status that
// allows the operation
var ErrConflict = errors.New("conflict")

// SourceSupport reports which (platform, kind) pairs can be scraped
type SourceSupport interface {
	Supports(platform models.Platform, kind models.SourceKind) bool
}

// PublishSupport reports which platforms jobs can target
type PublishSupport interface {
	Supports(platform models.Platform) bool
}

// Service implements the exposed operations on top of the store
type Service struct {
	store      storage.Store
	sources    SourceSupport
	publishers PublishSupport
	validate   *validator.Validate
	metrics    *metrics.Collector
	log        *logger.Logger
	now        func() time.Time
}

// New creates a service
func New(store storage.Store, sources SourceSupport, publishers PublishSupport, m *metrics.Collector, log *logger.Logger) *Service {
	if m == nil {
		m = metrics.Nop()
	}
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return &Service{
		store:      store,
		sources:    sources,
		publishers: publishers,
		validate:   v,
		metrics:    m,
		log:        log.WithComponent("service"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// check validates req and reports problems as a validation failure
func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return failure.Validationf("invalid request: %s", strings.Join(fields, ", "))
		}
		return failure.Validation("request", err)
	}
	return nil
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return failure.Validationf("owner is required")
	}
	return nil
}

// CreateJobRequest is a new content brief
type CreateJobRequest struct {
	GroupID  string `json:"group_id" validate:"omitempty,max=64"`
	Platform string `json:"platform" validate:"required"`
	MediaURL string `json:"media_url" validate:"omitempty,url,max=1000"`
	Context  string `json:"context" validate:"required,max=4000"`
}

// ApproveJobRequest carries the reviewed copy and publish time
type ApproveJobRequest struct {
	Caption     string     `json:"caption" validate:"required,max=3000"`
	Hashtags    []string   `json:"hashtags" validate:"max=30,dive,required,max=100"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// ListJobsRequest filters an owner's jobs
type ListJobsRequest struct {
	Status string `query:"status"`
	Limit  int    `query:"limit" validate:"min=0,max=500"`
	Offset int    `query:"offset" validate:"min=0"`
}

// CreateJob stores a new queued job. The dispatcher picks it up on its
// next cycle.
func (s *Service) CreateJob(ctx context.Context, ownerID string, req CreateJobRequest) (*models.Job, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.check(req); err != nil {
		return nil, err
	}
	platform := models.Platform(strings.ToLower(req.Platform))
	if s.publishers != nil && !s.publishers.Supports(platform) {
		return nil, failure.Validationf("platform %q cannot be published to", req.Platform)
	}

	job := &models.Job{
		OwnerID:  ownerID,
		GroupID:  req.GroupID,
		Platform: platform,
		MediaURL: req.MediaURL,
		Context:  strings.TrimSpace(req.Context),
		Status:   models.JobStatusQueued,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
	s.log.Info().Uint("job_id", job.ID).Str("owner_id", ownerID).Msg("Job created")
	return job, nil
}

// GetJob returns one of the owner's jobs
func (s *Service) GetJob(ctx context.Context, ownerID string, id uint) (*models.Job, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first, optionally by status
func (s *Service) ListJobs(ctx context.Context, ownerID string, req ListJobsRequest) ([]*models.Job, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.check(req); err != nil {
		return nil, err
	}
	filter := storage.DefaultJobFilter()
	filter.OwnerID = ownerID
	if req.Status != "" {
		status, err := jobstate.ParseStatus(req.Status)
		if err != nil {
			return nil, failure.Validation("list jobs", err)
		}
		filter.Status = &status
	}
	if req.Limit > 0 {
		filter.Limit = req.Limit
	}
	filter.Offset = req.Offset
	return s.store.ListJobs(ctx, filter)
}

// ApproveJob records the reviewed caption and hashtags and schedules the
// job. A missing publish time means as soon as possible.
func (s *Service) ApproveJob(ctx context.Context, ownerID string, id uint, req ApproveJobRequest) (*models.Job, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	job, err := s.GetJob(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	at := s.now()
	if req.ScheduledAt != nil {
		at = req.ScheduledAt.UTC()
	}
	caption := strings.TrimSpace(req.Caption)
	hashtags := models.StringSlice(req.Hashtags)
	if hashtags == nil {
		hashtags = models.StringSlice{}
	}

	if err := s.apply(ctx, job, jobstate.EventApproved, storage.JobUpdate{
		Caption:     &caption,
		Hashtags:    hashtags,
		ScheduledAt: &at,
	}); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, id)
}

// cancelAttempts bounds how often a cancel re-reads a job that a worker
// moved between the read and the write
const cancelAttempts = 2

// CancelJob cancels a job in any non-terminal status. A worker holding the
// job finds the cancel when it re-reads the job and drops its result.
func (s *Service) CancelJob(ctx context.Context, ownerID string, id uint) (*models.Job, error) {
	for attempt := 1; ; attempt++ {
		job, err := s.GetJob(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		err = s.apply(ctx, job, jobstate.EventCanceled, storage.JobUpdate{ClearPending: true})
		if err == nil {
			return s.store.GetJob(ctx, id)
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) || attempt == cancelAttempts {
			return nil, err
		}
		s.log.Debug().Uint("job_id", id).Str("seen", string(job.Status)).Msg("Job moved during cancel, retrying")
	}
}

// ResubmitJob creates a fresh queued job from a failed, canceled or
// needs_reauth one. The original is left as it is.
func (s *Service) ResubmitJob(ctx context.Context, ownerID string, id uint) (*models.Job, error) {
	old, err := s.GetJob(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	switch old.Status {
	case models.JobStatusFailed, models.JobStatusCanceled, models.JobStatusNeedsReauth:
	default:
		return nil, fmt.Errorf("%w: job %d is %s and cannot be resubmitted", ErrConflict, old.ID, old.Status)
	}

	job := &models.Job{
		OwnerID:         old.OwnerID,
		GroupID:         old.GroupID,
		Platform:        old.Platform,
		MediaURL:        old.MediaURL,
		Context:         old.Context,
		Status:          models.JobStatusQueued,
		ResubmittedFrom: &old.ID,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.log.Info().Uint("job_id", job.ID).Uint("resubmitted_from", old.ID).Msg("Job resubmitted")
	return job, nil
}

// apply runs one state machine edge and maps refusals to ErrConflict
func (s *Service) apply(ctx context.Context, job *models.Job, event jobstate.Event, upd storage.JobUpdate) error {
	to, err := jobstate.Apply(ctx, s.store, job.ID, job.Status, event, upd)
	var terr *jobstate.TransitionError
	switch {
	case err == nil:
		s.metrics.JobTransitions.WithLabelValues(string(to)).Inc()
		s.log.Info().Uint("job_id", job.ID).Str("from", string(job.Status)).Str("to", string(to)).Msg("Job transitioned")
		return nil
	case errors.As(err, &terr):
		return fmt.Errorf("%w: %s", ErrConflict, terr.Error())
	case errors.Is(err, storage.ErrPreconditionFailed):
		return fmt.Errorf("%w: job %d changed concurrently: %w", ErrConflict, job.ID, err)
	}
	return err
}
