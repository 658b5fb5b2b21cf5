package jobstate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
)

// ── ParseStatus ────────────────────────────────────────────────────────────

func TestParseStatus(t *testing.T) {
	for _, s := range models.AllJobStatuses {
		got, err := jobstate.ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := jobstate.ParseStatus("archived")
	assert.Error(t, err)
	_, err = jobstate.ParseStatus("")
	assert.Error(t, err)
}

// ── Next ───────────────────────────────────────────────────────────────────

func TestNext_Edges(t *testing.T) {
	cases := []struct {
		from  models.JobStatus
		event jobstate.Event
		to    models.JobStatus
	}{
		{models.JobStatusQueued, jobstate.EventGenerationStarted, models.JobStatusGenerating},
		{models.JobStatusGenerating, jobstate.EventGenerationSucceeded, models.JobStatusNeedsReview},
		{models.JobStatusGenerating, jobstate.EventGenerationFailed, models.JobStatusFailed},
		{models.JobStatusGenerating, jobstate.EventCredentialsInvalid, models.JobStatusNeedsReauth},
		{models.JobStatusNeedsReview, jobstate.EventApproved, models.JobStatusScheduled},
		{models.JobStatusScheduled, jobstate.EventPublishDue, models.JobStatusPosting},
		{models.JobStatusPosting, jobstate.EventPublishSucceeded, models.JobStatusPosted},
		{models.JobStatusPosting, jobstate.EventPublishFailed, models.JobStatusFailed},
		{models.JobStatusPosting, jobstate.EventCredentialsInvalid, models.JobStatusNeedsReauth},
	}
	for _, c := range cases {
		got, err := jobstate.Next(c.from, c.event)
		require.NoError(t, err, "%s + %s", c.from, c.event)
		assert.Equal(t, c.to, got, "%s + %s", c.from, c.event)
	}
}

func TestNext_RejectsMissingEdges(t *testing.T) {
	cases := []struct {
		from  models.JobStatus
		event jobstate.Event
	}{
		{models.JobStatusQueued, jobstate.EventApproved},
		{models.JobStatusQueued, jobstate.EventPublishDue},
		{models.JobStatusNeedsReview, jobstate.EventPublishDue},
		{models.JobStatusScheduled, jobstate.EventGenerationStarted},
		{models.JobStatusNeedsReauth, jobstate.EventGenerationStarted},
		{models.JobStatusPosted, jobstate.EventPublishDue},
		{models.JobStatusFailed, jobstate.EventGenerationStarted},
	}
	for _, c := range cases {
		_, err := jobstate.Next(c.from, c.event)
		var te *jobstate.TransitionError
		require.ErrorAs(t, err, &te, "%s + %s", c.from, c.event)
		assert.Equal(t, c.from, te.From)
	}
}

func TestNext_UnknownStatus(t *testing.T) {
	_, err := jobstate.Next("archived", jobstate.EventCanceled)
	assert.Error(t, err)
}

// ── cancel is reachable from every live state ─────────────────────────────

func TestNext_CancelFromNonTerminals(t *testing.T) {
	for _, s := range models.AllJobStatuses {
		got, err := jobstate.Next(s, jobstate.EventCanceled)
		if jobstate.IsTerminal(s) {
			assert.Error(t, err, "cancel from terminal %s", s)
			continue
		}
		require.NoError(t, err, "cancel from %s", s)
		assert.Equal(t, models.JobStatusCanceled, got)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, jobstate.IsTerminal(models.JobStatusPosted))
	assert.True(t, jobstate.IsTerminal(models.JobStatusFailed))
	assert.True(t, jobstate.IsTerminal(models.JobStatusCanceled))
	assert.False(t, jobstate.IsTerminal(models.JobStatusNeedsReauth))
	assert.False(t, jobstate.IsTerminal(models.JobStatusQueued))
}

// ── terminal states have no outgoing edges ────────────────────────────────

func TestIsTransitionAllowed_FromTerminals(t *testing.T) {
	for _, from := range []models.JobStatus{models.JobStatusPosted, models.JobStatusFailed, models.JobStatusCanceled} {
		for _, to := range models.AllJobStatuses {
			assert.False(t, jobstate.IsTransitionAllowed(from, to), "%s → %s", from, to)
		}
	}
}

func TestIsTransitionAllowed_NoSkips(t *testing.T) {
	assert.False(t, jobstate.IsTransitionAllowed(models.JobStatusQueued, models.JobStatusNeedsReview))
	assert.False(t, jobstate.IsTransitionAllowed(models.JobStatusNeedsReview, models.JobStatusPosting))
	assert.False(t, jobstate.IsTransitionAllowed(models.JobStatusScheduled, models.JobStatusPosted))
	assert.False(t, jobstate.IsTransitionAllowed(models.JobStatusQueued, models.JobStatusFailed))
}

// ── IsPath ─────────────────────────────────────────────────────────────────

func TestIsPath(t *testing.T) {
	happy := []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusGenerating,
		models.JobStatusNeedsReview,
		models.JobStatusScheduled,
		models.JobStatusPosting,
		models.JobStatusPosted,
	}
	assert.True(t, jobstate.IsPath(happy))
	assert.True(t, jobstate.IsPath([]models.JobStatus{models.JobStatusQueued, models.JobStatusCanceled}))
	assert.True(t, jobstate.IsPath([]models.JobStatus{
		models.JobStatusQueued, models.JobStatusGenerating, models.JobStatusNeedsReauth, models.JobStatusCanceled,
	}))

	assert.False(t, jobstate.IsPath(nil))
	assert.False(t, jobstate.IsPath(happy[1:]))
	assert.False(t, jobstate.IsPath([]models.JobStatus{models.JobStatusQueued, models.JobStatusScheduled}))
}

// ── Apply ──────────────────────────────────────────────────────────────────

type fakeUpdater struct {
	status models.JobStatus
	last   storage.JobUpdate
	calls  int
}

func (f *fakeUpdater) UpdateJobIfStatus(_ context.Context, _ uint, expected models.JobStatus, upd storage.JobUpdate) error {
	f.calls++
	if f.status != expected {
		return storage.ErrPreconditionFailed
	}
	f.status = upd.Status
	f.last = upd
	return nil
}

func TestApply_WritesTarget(t *testing.T) {
	u := &fakeUpdater{status: models.JobStatusGenerating}
	title := "hello"

	to, err := jobstate.Apply(context.Background(), u, 1, models.JobStatusGenerating,
		jobstate.EventGenerationSucceeded, storage.JobUpdate{AITitle: &title})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsReview, to)
	assert.Equal(t, models.JobStatusNeedsReview, u.status)
	assert.Equal(t, &title, u.last.AITitle)
}

func TestApply_LostRace(t *testing.T) {
	u := &fakeUpdater{status: models.JobStatusCanceled}

	_, err := jobstate.Apply(context.Background(), u, 1, models.JobStatusGenerating,
		jobstate.EventGenerationSucceeded, storage.JobUpdate{})
	assert.True(t, errors.Is(err, storage.ErrPreconditionFailed))
	assert.Equal(t, models.JobStatusCanceled, u.status)
}

func TestApply_InvalidEdgeSkipsWrite(t *testing.T) {
	u := &fakeUpdater{status: models.JobStatusQueued}

	_, err := jobstate.Apply(context.Background(), u, 1, models.JobStatusQueued,
		jobstate.EventPublishDue, storage.JobUpdate{})
	assert.Error(t, err)
	assert.Zero(t, u.calls)
}
