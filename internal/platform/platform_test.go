package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/failure"
)

type stubPublisher struct{}

func (stubPublisher) Platform() models.Platform { return models.PlatformLinkedIn }

func (stubPublisher) Publish(context.Context, *models.Job) (string, error) { return "urn:1", nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubPublisher{})

	p, err := r.For(models.PlatformLinkedIn)
	require.NoError(t, err)
	id, err := p.Publish(context.Background(), &models.Job{})
	require.NoError(t, err)
	assert.Equal(t, "urn:1", id)
	assert.True(t, r.Supports(models.PlatformLinkedIn))

	_, err = r.For(models.PlatformReddit)
	assert.True(t, failure.IsValidation(err))
	assert.False(t, r.Supports(models.PlatformReddit))
}
