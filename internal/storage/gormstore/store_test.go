package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createSource(t *testing.T, s *Store, owner string) *models.Source {
	t.Helper()
	src := &models.Source{
		OwnerID:  owner,
		GroupID:  "growth",
		Platform: models.PlatformReddit,
		Kind:     models.SourceKindSubreddit,
		Value:    "golang",
		Enabled:  true,
	}
	require.NoError(t, s.CreateSource(context.Background(), src))
	return src
}

func createJob(t *testing.T, s *Store, status models.JobStatus) *models.Job {
	t.Helper()
	job := &models.Job{
		OwnerID:  "owner-1",
		Platform: models.PlatformLinkedIn,
		MediaURL: "https://cdn.example.com/a.mp4",
		Status:   status,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestUpdateJobIfStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, models.JobStatusQueued)

	err := s.UpdateJobIfStatus(ctx, job.ID, models.JobStatusQueued, storage.JobUpdate{Status: models.JobStatusGenerating})
	require.NoError(t, err)

	// second identical CAS loses
	err = s.UpdateJobIfStatus(ctx, job.ID, models.JobStatusQueued, storage.JobUpdate{Status: models.JobStatusGenerating})
	assert.True(t, errors.Is(err, storage.ErrPreconditionFailed))

	title, hook := "Title", "Hook"
	err = s.UpdateJobIfStatus(ctx, job.ID, models.JobStatusGenerating, storage.JobUpdate{
		Status:     models.JobStatusNeedsReview,
		AITitle:    &title,
		AIHook:     &hook,
		AIHashtags: models.StringSlice{"go", "cloud"},
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsReview, got.Status)
	require.NotNil(t, got.AITitle)
	assert.Equal(t, "Title", *got.AITitle)
	assert.Equal(t, models.StringSlice{"go", "cloud"}, got.AIHashtags)

	err = s.UpdateJobIfStatus(ctx, 9999, models.JobStatusQueued, storage.JobUpdate{Status: models.JobStatusGenerating})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestClaimJobTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, models.JobStatusQueued)
	now := time.Now().UTC()

	won, err := s.ClaimJobTask(ctx, job.ID, models.JobStatusQueued, "task-a", now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimJobTask(ctx, job.ID, models.JobStatusQueued, "task-b", now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.False(t, won, "live pending task blocks a second claim")

	awaiting, err := s.ListJobsAwaitingGeneration(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)

	// a stale claim can be taken over
	later := now.Add(time.Hour)
	won, err = s.ClaimJobTask(ctx, job.ID, models.JobStatusQueued, "task-c", later.Add(-time.Minute), later)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-c", got.PendingTaskID)

	won, err = s.ClaimJobTask(ctx, job.ID, models.JobStatusScheduled, "task-d", later, later)
	require.NoError(t, err)
	assert.False(t, won, "wrong status")
}

func TestClearPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, models.JobStatusScheduled)
	now := time.Now().UTC()

	_, err := s.ClaimJobTask(ctx, job.ID, models.JobStatusScheduled, "task-a", now.Add(-time.Minute), now)
	require.NoError(t, err)

	require.NoError(t, s.UpdateJobIfStatus(ctx, job.ID, models.JobStatusScheduled, storage.JobUpdate{
		Status:       models.JobStatusPosting,
		ClearPending: true,
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingTaskID)
	assert.Nil(t, got.PendingSince)
}

func TestListJobsDueForPublish(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := createJob(t, s, models.JobStatusScheduled)
	future := createJob(t, s, models.JobStatusScheduled)
	review := createJob(t, s, models.JobStatusNeedsReview)

	past, later := now.Add(-time.Hour), now.Add(time.Hour)
	for id, at := range map[uint]time.Time{due.ID: past, future.ID: later, review.ID: past} {
		at := at
		require.NoError(t, s.db.Model(&models.Job{}).Where("id = ?", id).Update("scheduled_at", at).Error)
	}

	jobs, err := s.ListJobsDueForPublish(ctx, now, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
}

func TestListJobs_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := createJob(t, s, models.JobStatusQueued)
	second := createJob(t, s, models.JobStatusQueued)
	createJob(t, s, models.JobStatusCanceled)

	status := models.JobStatusQueued
	filter := storage.DefaultJobFilter()
	filter.Status = &status
	filter.OwnerID = "owner-1"

	jobs, err := s.ListJobs(ctx, filter)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestUpsertItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")

	raw := &models.RawItem{ExternalID: "t3_abc", Title: "first", Likes: 3, PostedAt: time.Now().UTC()}
	item := raw.ToItem(src.ID, models.PlatformReddit)

	inserted, err := s.UpsertItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, inserted)
	firstID := item.ID
	require.NotZero(t, firstID)

	raw.Title = "edited"
	raw.Likes = 50
	again := raw.ToItem(src.ID, models.PlatformReddit)
	inserted, err = s.UpsertItem(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, "edited", again.Title)
	assert.Equal(t, 50, again.Likes)

	items, err := s.ListItems(ctx, storage.ItemFilter{SourceID: src.ID})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCountItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	posted := []time.Time{
		end.Add(-30 * time.Minute),
		end.Add(-59 * time.Minute),
		end.Add(-61 * time.Minute),
		end, // excluded: window is half-open
	}
	for i, at := range posted {
		_, err := s.UpsertItem(ctx, &models.Item{
			SourceID:   src.ID,
			Platform:   models.PlatformReddit,
			ExternalID: string(rune('a' + i)),
			PostedAt:   at,
		})
		require.NoError(t, err)
	}

	n, err := s.CountItems(ctx, src.ID, end.Add(-time.Hour), end)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestClaimSourcePoll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")
	now := time.Now().UTC()

	won, err := s.ClaimSourcePoll(ctx, src.ID, now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimSourcePoll(ctx, src.ID, now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.SetSourceEnabled(ctx, "owner-1", src.ID, false))
	later := now.Add(time.Hour)
	won, err = s.ClaimSourcePoll(ctx, src.ID, later.Add(-15*time.Minute), later)
	require.NoError(t, err)
	assert.False(t, won, "disabled sources are never claimed")
}

func TestSourceOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")

	assert.ErrorIs(t, s.SetSourceEnabled(ctx, "owner-2", src.ID, false), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSource(ctx, "owner-2", src.ID), storage.ErrNotFound)

	require.NoError(t, s.DeleteSource(ctx, "owner-1", src.ID))
	_, err := s.GetSource(ctx, src.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	enabled, err := s.ListEnabledSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestSourcesWithNewItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")
	createSource(t, s, "owner-1")

	_, err := s.UpsertItem(ctx, &models.Item{SourceID: src.ID, Platform: models.PlatformReddit, ExternalID: "x", PostedAt: time.Now().UTC()})
	require.NoError(t, err)

	pending, err := s.ListSourcesWithNewItems(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, src.ID, pending[0].ID)

	require.NoError(t, s.MarkSpikeChecked(ctx, src.ID, time.Now().UTC().Add(time.Minute)))
	pending, err = s.ListSourcesWithNewItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateAlertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newAlert := func() *models.Alert {
		return &models.Alert{
			SourceID:      src.ID,
			Metric:        models.MetricItemsPerWindow,
			WindowStart:   end.Add(-time.Hour),
			WindowEnd:     end,
			Bucket:        end,
			CurrentValue:  25,
			PreviousValue: 10,
			Factor:        2.5,
		}
	}

	created, err := s.CreateAlertIfAbsent(ctx, newAlert())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateAlertIfAbsent(ctx, newAlert())
	require.NoError(t, err)
	assert.False(t, created)

	alerts, err := s.ListAlerts(ctx, storage.FeedFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	alerts, err = s.ListAlerts(ctx, storage.FeedFilter{OwnerID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestCreateCardIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, "owner-1")

	card := &models.StrategyCard{ItemID: 7, SourceID: src.ID, Niche: "devtools", Tactic: "Open with a number", Confidence: 0.8}
	created, err := s.CreateCardIfAbsent(ctx, card)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateCardIfAbsent(ctx, &models.StrategyCard{ItemID: 7, SourceID: src.ID, Tactic: "dup"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetCardByItem(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Open with a number", got.Tactic)

	cards, err := s.ListCards(ctx, storage.FeedFilter{GroupID: "growth"})
	require.NoError(t, err)
	assert.Len(t, cards, 1)
}

func TestSaveCredential_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCredential(ctx, &models.PlatformCredential{
		OwnerID: "owner-1", Platform: models.PlatformLinkedIn, AccessToken: "one",
	}))
	require.NoError(t, s.SaveCredential(ctx, &models.PlatformCredential{
		OwnerID: "owner-1", Platform: models.PlatformLinkedIn, AccessToken: "two",
	}))

	got, err := s.GetCredential(ctx, "owner-1", models.PlatformLinkedIn)
	require.NoError(t, err)
	assert.Equal(t, "two", got.AccessToken)

	_, err = s.GetCredential(ctx, "owner-2", models.PlatformLinkedIn)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
