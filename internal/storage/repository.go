package storage

import (
	"context"
	"errors"
	"time"

	"github.com/signalpost/internal/models"
)

var (
	// ErrNotFound is returned when the addressed record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrPreconditionFailed is returned when a compare-and-swap write finds a
	// different status than the caller expected
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Store defines the Signal Store the pipeline runs against
type Store interface {
	SourceStore
	ItemStore
	JobStore
	AlertStore
	CardStore
	CredentialStore

	// Maintenance
	Ping(ctx context.Context) error
	Close() error
	Migrate() error
}

// SourceStore persists monitored sources
type SourceStore interface {
	CreateSource(ctx context.Context, source *models.Source) error
	GetSource(ctx context.Context, id uint) (*models.Source, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]*models.Source, error)
	SetSourceEnabled(ctx context.Context, ownerID string, id uint, enabled bool) error
	DeleteSource(ctx context.Context, ownerID string, id uint) error

	// ListEnabledSources returns every enabled, non-deleted source
	ListEnabledSources(ctx context.Context) ([]*models.Source, error)
	// ClaimSourcePoll sets last_polled_at to now only if the source is still
	// enabled and was last polled at or before dueBefore. It reports whether
	// the claim won.
	ClaimSourcePoll(ctx context.Context, id uint, dueBefore, now time.Time) (bool, error)
	// ListSourcesWithNewItems returns enabled sources holding items created
	// after their last spike check
	ListSourcesWithNewItems(ctx context.Context) ([]*models.Source, error)
	MarkSpikeChecked(ctx context.Context, id uint, now time.Time) error
}

// ItemStore persists ingested items
type ItemStore interface {
	// UpsertItem inserts the item or, when (platform, external_id) already
	// exists, updates its content and engagement in place. item.ID is set in
	// both cases; inserted reports which happened.
	UpsertItem(ctx context.Context, item *models.Item) (inserted bool, err error)
	GetItem(ctx context.Context, id uint) (*models.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*models.Item, error)
	// CountItems counts a source's items posted in [from, to)
	CountItems(ctx context.Context, sourceID uint, from, to time.Time) (int64, error)
}

// JobStore persists content jobs. Status is only ever written through
// UpdateJobIfStatus.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	UpdateJobIfStatus(ctx context.Context, id uint, expected models.JobStatus, upd JobUpdate) error

	// ClaimJobTask records taskID as the job's pending task when the job is
	// still in status and has no pending task newer than staleBefore
	ClaimJobTask(ctx context.Context, id uint, status models.JobStatus, taskID string, staleBefore, now time.Time) (bool, error)
	// ListJobsAwaitingGeneration returns queued jobs without a live pending task
	ListJobsAwaitingGeneration(ctx context.Context, staleBefore time.Time, limit int) ([]*models.Job, error)
	// ListJobsDueForPublish returns scheduled jobs whose publish time has
	// passed and that have no live pending task
	ListJobsDueForPublish(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Job, error)
	// SetPublishAttempt sets or, with a nil at, clears the publish marker of a
	// posting job owned by taskID
	SetPublishAttempt(ctx context.Context, id uint, taskID string, at *time.Time) error
	// ListStuckJobs returns generating or posting jobs not updated since before
	ListStuckJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
}

// AlertStore persists detected spikes. Alerts are never updated.
type AlertStore interface {
	// CreateAlertIfAbsent inserts the alert unless one exists for the same
	// (source, metric, bucket)
	CreateAlertIfAbsent(ctx context.Context, alert *models.Alert) (bool, error)
	ListAlerts(ctx context.Context, filter FeedFilter) ([]*models.Alert, error)
}

// CardStore persists strategy cards, at most one per item
type CardStore interface {
	GetCardByItem(ctx context.Context, itemID uint) (*models.StrategyCard, error)
	CreateCardIfAbsent(ctx context.Context, card *models.StrategyCard) (bool, error)
	ListCards(ctx context.Context, filter FeedFilter) ([]*models.StrategyCard, error)
}

// CredentialStore persists publishing credentials per owner and platform
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred *models.PlatformCredential) error
	GetCredential(ctx context.Context, ownerID string, platform models.Platform) (*models.PlatformCredential, error)
}

// JobUpdate lists the columns a status transition writes alongside the
// status itself. Nil fields are left untouched.
type JobUpdate struct {
	Status         models.JobStatus
	AITitle        *string
	AIHook         *string
	AIHashtags     models.StringSlice
	Caption        *string
	Hashtags       models.StringSlice
	ScheduledAt    *time.Time
	ErrorMessage   *string
	ExternalPostID *string
	PostedAt       *time.Time
	PublishAttempt *time.Time
	// PendingTaskID records the task now working the job
	PendingTaskID *string
	// ClearPending drops the dispatcher's pending task reference
	ClearPending bool
}

// SourceFilter defines filtering options for sources
type SourceFilter struct {
	OwnerID string
	GroupID string
	Enabled *bool
	Limit   int
	Offset  int
}

// ItemFilter defines filtering options for items
type ItemFilter struct {
	SourceID uint
	Limit    int
	Offset   int
}

// JobFilter defines filtering options for jobs
type JobFilter struct {
	OwnerID   string
	Status    *models.JobStatus
	Limit     int
	Offset    int
	OrderBy   string
	OrderDesc bool
}

// FeedFilter scopes alert and card listings by the owner or group of the
// sources they describe. Results are most-recent-first.
type FeedFilter struct {
	OwnerID string
	GroupID string
	Limit   int
	Offset  int
}

// DefaultJobFilter returns a filter with sensible defaults
func DefaultJobFilter() JobFilter {
	return JobFilter{
		Limit:     50,
		OrderBy:   "created_at",
		OrderDesc: true,
	}
}

// DefaultFeedFilter returns a filter with sensible defaults
func DefaultFeedFilter() FeedFilter {
	return FeedFilter{Limit: 50}
}
