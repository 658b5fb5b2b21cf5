// Package platform routes approved jobs to the publisher for their platform
package platform

import (
	"context"
	"fmt"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/failure"
)

// Publisher posts approved content to one platform
type Publisher interface {
	// Platform returns the platform this publisher posts to
	Platform() models.Platform

	// Publish posts job's caption and hashtags on behalf of job.OwnerID and
	// returns the platform's identifier for the new post. Errors are
	// classified with pkg/failure.
	Publish(ctx context.Context, job *models.Job) (string, error)
}

// Registry holds one publisher per platform
type Registry struct {
	publishers map[models.Platform]Publisher
}

// NewRegistry creates a registry from publishers
func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: make(map[models.Platform]Publisher)}
	for _, p := range publishers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any publisher for the same platform
func (r *Registry) Register(p Publisher) {
	r.publishers[p.Platform()] = p
}

// For returns the publisher for platform. An unknown platform is a
// validation failure.
func (r *Registry) For(platform models.Platform) (Publisher, error) {
	p, ok := r.publishers[platform]
	if !ok {
		return nil, failure.Validation("publish", fmt.Errorf("no publisher for platform %q", platform))
	}
	return p, nil
}

// Supports reports whether a publisher is registered for platform
func (r *Registry) Supports(platform models.Platform) bool {
	_, ok := r.publishers[platform]
	return ok
}
