// Package scrape fetches raw items for a monitored source from its platform
package scrape

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/failure"
)

// Scraper fetches the latest items for sources on one platform
type Scraper interface {
	// Platform returns the platform this scraper reads
	Platform() models.Platform

	// Supports reports whether the scraper can read sources of kind
	Supports(kind models.SourceKind) bool

	// Scrape retrieves the newest items for source. Errors are classified
	// with pkg/failure.
	Scrape(ctx context.Context, source *models.Source) ([]*models.RawItem, error)
}

// GenerateExternalID creates a stable ID for an item that has none, based on
// platform and URL
func GenerateExternalID(platform models.Platform, url string) string {
	data := fmt.Sprintf("%s:%s", platform, url)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:16]) // Use first 16 bytes (32 hex chars)
}

// Registry routes sources to the scraper for their platform
type Registry struct {
	scrapers map[models.Platform]Scraper
}

// NewRegistry creates an empty registry
func NewRegistry(scrapers ...Scraper) *Registry {
	r := &Registry{scrapers: make(map[models.Platform]Scraper)}
	for _, s := range scrapers {
		r.Register(s)
	}
	return r
}

// Register adds a scraper, replacing any previous one for its platform
func (r *Registry) Register(s Scraper) {
	r.scrapers[s.Platform()] = s
}

// For returns the scraper that reads sources of platform and kind. A missing
// scraper is a validation failure: redelivery cannot fix it.
func (r *Registry) For(platform models.Platform, kind models.SourceKind) (Scraper, error) {
	s, ok := r.scrapers[platform]
	if !ok {
		return nil, failure.Validationf("no scraper registered for platform %s", platform)
	}
	if !s.Supports(kind) {
		return nil, failure.Validationf("%s scraper does not support %s sources", platform, kind)
	}
	return s, nil
}

// Supports reports whether some scraper reads sources of platform and kind
func (r *Registry) Supports(platform models.Platform, kind models.SourceKind) bool {
	_, err := r.For(platform, kind)
	return err == nil
}
