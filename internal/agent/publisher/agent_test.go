package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/platform"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/storage/gormstore"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

type fakePublisher struct {
	postID string
	err    error
	calls  int
	during func(ctx context.Context) error
}

func (f *fakePublisher) Platform() models.Platform { return models.PlatformLinkedIn }

func (f *fakePublisher) Publish(ctx context.Context, job *models.Job) (string, error) {
	f.calls++
	if f.during != nil {
		if err := f.during(ctx); err != nil {
			return "", err
		}
	}
	return f.postID, f.err
}

type fixture struct {
	store *gormstore.Store
	pub   *fakePublisher
	agent *Agent
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := gormstore.New(gormstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		pub:   &fakePublisher{postID: "urn:li:share:1"},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.agent = NewAgent(store, platform.NewRegistry(f.pub), agent.Guard{Timeout: time.Second}, nil, logger.Nop())
	f.agent.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) scheduledJob(t *testing.T, at time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		OwnerID: "alice", Platform: models.PlatformLinkedIn, Caption: "Go", Status: models.JobStatusScheduled, ScheduledAt: &at,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id uint) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func publishTask(jobID uint) queue.Task {
	task := queue.NewTask(queue.KindPublishPost)
	task.JobID = jobID
	return task
}

func TestHandle_Posts(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now.Add(-time.Minute))

	assert.Equal(t, worker.Done, f.agent.Handle(context.Background(), publishTask(job.ID)))

	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusPosted, got.Status)
	assert.Equal(t, "urn:li:share:1", got.ExternalPostID)
	require.NotNil(t, got.PostedAt)
	assert.True(t, got.PostedAt.Equal(f.now))
	assert.Empty(t, got.PendingTaskID)
}

func TestHandle_AuthFailureNeedsReauth(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now)
	f.pub.err = failure.AuthRequired("linkedin", errors.New("401 token revoked"))

	assert.Equal(t, worker.Fail, f.agent.Handle(context.Background(), publishTask(job.ID)))

	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusNeedsReauth, got.Status)
	assert.Contains(t, *got.ErrorMessage, "token revoked")
}

func TestHandle_TransientRetriesThenResumes(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now)
	task := publishTask(job.ID)
	f.pub.err = failure.Transient("linkedin", errors.New("502"))

	assert.Equal(t, worker.Retry, f.agent.Handle(context.Background(), task))
	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusPosting, got.Status)
	assert.Equal(t, task.ID, got.PendingTaskID)

	assert.Nil(t, got.PublishAttempt, "a transient failure is known not to have posted")

	f.pub.err = nil
	assert.Equal(t, worker.Done, f.agent.Handle(context.Background(), task))
	assert.Equal(t, models.JobStatusPosted, f.reload(t, job.ID).Status)
	assert.Equal(t, 2, f.pub.calls)
}

func TestHandle_RedeliveryAfterCrashDoesNotRepost(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now)
	task := publishTask(job.ID)

	// a worker moved the job to posting and died inside Publish
	_, err := jobstate.Apply(context.Background(), f.store, job.ID, models.JobStatusScheduled, jobstate.EventPublishDue, storage.JobUpdate{
		PendingTaskID:  &task.ID,
		PublishAttempt: &f.now,
	})
	require.NoError(t, err)

	assert.Equal(t, worker.Fail, f.agent.Handle(context.Background(), task))
	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, OutcomeUnknownDetail, *got.ErrorMessage)
	assert.Zero(t, f.pub.calls)
}

func TestHandle_InterruptedPublishIsNotRetriedBlind(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now)
	task := publishTask(job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	f.pub.during = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}
	assert.Equal(t, worker.Retry, f.agent.Handle(ctx, task))
	require.NotNil(t, f.reload(t, job.ID).PublishAttempt)

	f.pub.during = nil
	assert.Equal(t, worker.Fail, f.agent.Handle(context.Background(), task))
	assert.Equal(t, OutcomeUnknownDetail, *f.reload(t, job.ID).ErrorMessage)
	assert.Equal(t, 1, f.pub.calls)
}

func TestHandle_OtherFailureFails(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now)
	f.pub.err = failure.Fatal("linkedin", errors.New("422 duplicate post"))

	assert.Equal(t, worker.Fail, f.agent.Handle(context.Background(), publishTask(job.ID)))
	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "duplicate post")
}

func TestHandle_TimeoutFails(t *testing.T) {
	f := newFixture(t)
	f.agent.guard = agent.Guard{Timeout: 20 * time.Millisecond}
	job := f.scheduledJob(t, f.now)
	f.pub.during = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	assert.Equal(t, worker.Fail, f.agent.Handle(context.Background(), publishTask(job.ID)))
	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "publish timed out", *got.ErrorMessage)
}

func TestHandle_UnknownPlatformFails(t *testing.T) {
	f := newFixture(t)
	f.agent.publishers = platform.NewRegistry()
	job := f.scheduledJob(t, f.now)

	assert.Equal(t, worker.Fail, f.agent.Handle(context.Background(), publishTask(job.ID)))
	assert.Equal(t, models.JobStatusFailed, f.reload(t, job.ID).Status)
}

func TestHandle_CancelDuringPublishWins(t *testing.T) {
	f := newFixture(t)
	job := f.scheduledJob(t, f.now)
	f.pub.during = func(ctx context.Context) error {
		_, err := jobstate.Apply(ctx, f.store, job.ID, models.JobStatusPosting, jobstate.EventCanceled, storage.JobUpdate{})
		return err
	}

	assert.Equal(t, worker.Done, f.agent.Handle(context.Background(), publishTask(job.ID)))
	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCanceled, got.Status)
	assert.Empty(t, got.ExternalPostID)
}

func TestHandle_SkipsFutureAndForeignTasks(t *testing.T) {
	f := newFixture(t)
	future := f.scheduledJob(t, f.now.Add(time.Hour))
	assert.Equal(t, worker.Done, f.agent.Handle(context.Background(), publishTask(future.ID)))
	assert.Equal(t, models.JobStatusScheduled, f.reload(t, future.ID).Status)

	review := &models.Job{OwnerID: "alice", Platform: models.PlatformLinkedIn, Status: models.JobStatusNeedsReview}
	require.NoError(t, f.store.CreateJob(context.Background(), review))
	assert.Equal(t, worker.Done, f.agent.Handle(context.Background(), publishTask(review.ID)))
	assert.Zero(t, f.pub.calls)
}

func TestExhausted_MarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.scheduledJob(t, f.now)
	task := publishTask(job.ID)
	f.pub.err = failure.Transient("linkedin", errors.New("502"))
	require.Equal(t, worker.Retry, f.agent.Handle(ctx, task))

	require.NoError(t, f.agent.Exhausted(ctx, task))
	got := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "exhausted retries", *got.ErrorMessage)
}
