// Package rss reads RSS and Atom feeds with gofeed
package rss

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/scrape"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
	"github.com/signalpost/pkg/ratelimit"
)

// Scraper implements scrape.Scraper for feeds. A profile source's value is
// the feed URL; a keyword source reads the feed in its scope filter and
// keeps items mentioning the keyword.
type Scraper struct {
	parser      *gofeed.Parser
	rateLimiter *ratelimit.MultiLimiter
	maxAge      time.Duration
	log         *logger.Logger
}

// New creates a feed scraper
func New(limiter *ratelimit.MultiLimiter, log *logger.Logger) *Scraper {
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}
	parser := gofeed.NewParser()
	parser.UserAgent = "signalpost/1.0"
	return &Scraper{
		parser:      parser,
		rateLimiter: limiter,
		maxAge:      7 * 24 * time.Hour,
		log:         log.WithComponent("scrape.rss"),
	}
}

// Platform returns rss
func (s *Scraper) Platform() models.Platform {
	return models.PlatformRSS
}

// Supports reports true for profile and keyword sources
func (s *Scraper) Supports(kind models.SourceKind) bool {
	return kind == models.SourceKindProfile || kind == models.SourceKindKeyword
}

func feedURL(src *models.Source) (feed, keyword string, err error) {
	switch src.Kind {
	case models.SourceKindProfile:
		feed = src.Value
	case models.SourceKindKeyword:
		feed, keyword = src.ScopeFilter, strings.ToLower(strings.TrimSpace(src.Value))
	default:
		return "", "", failure.Validationf("unsupported rss source kind %q", src.Kind)
	}
	if feed == "" {
		return "", "", failure.Validationf("rss source %d has no feed url", src.ID)
	}
	return feed, keyword, nil
}

// Scrape retrieves recent feed entries for src
func (s *Scraper) Scrape(ctx context.Context, src *models.Source) ([]*models.RawItem, error) {
	url, keyword, err := feedURL(src)
	if err != nil {
		return nil, err
	}

	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterRSS); err != nil {
		return nil, failure.Transient("rss", fmt.Errorf("rate limit error: %w", err))
	}

	s.log.Debug().Str("url", url).Msg("Fetching RSS feed")

	feed, err := s.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, classify(ctx, url, err)
	}

	items := make([]*models.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		// Skip items older than the max age
		publishedAt := time.Now().UTC()
		if entry.PublishedParsed != nil {
			publishedAt = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			publishedAt = entry.UpdatedParsed.UTC()
		}
		if time.Since(publishedAt) > s.maxAge {
			continue
		}

		title := cleanText(entry.Title)
		content := cleanText(entry.Description)
		if keyword != "" &&
			!strings.Contains(strings.ToLower(title), keyword) &&
			!strings.Contains(strings.ToLower(content), keyword) {
			continue
		}

		id := entry.GUID
		if id == "" {
			id = scrape.GenerateExternalID(models.PlatformRSS, entry.Link)
		}

		author := ""
		if entry.Author != nil {
			author = entry.Author.Name
		}

		items = append(items, &models.RawItem{
			ExternalID: id,
			Title:      title,
			Content:    content,
			URL:        entry.Link,
			Author:     author,
			PostedAt:   publishedAt,
		})
	}

	s.log.Info().
		Int("count", len(items)).
		Uint("source_id", src.ID).
		Msg("Fetched RSS items")

	return items, nil
}

func classify(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("failed to fetch feed %s: %w", url, ctx.Err())
	}
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return failure.FromHTTPStatus("rss", httpErr.StatusCode, err)
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return failure.Fatal("rss", fmt.Errorf("failed to parse feed %s: %w", url, err))
	}
	return failure.Transient("rss", fmt.Errorf("failed to fetch feed %s: %w", url, err))
}

// cleanText removes HTML tags and extra whitespace
func cleanText(text string) string {
	// Remove HTML tags (simple approach)
	text = strings.ReplaceAll(text, "<br>", " ")
	text = strings.ReplaceAll(text, "<br/>", " ")
	text = strings.ReplaceAll(text, "<br />", " ")
	text = strings.ReplaceAll(text, "</p>", " ")
	text = strings.ReplaceAll(text, "<p>", "")

	// Remove remaining HTML tags
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
		} else if r == '>' {
			inTag = false
		} else if !inTag {
			result.WriteRune(r)
		}
	}

	// Clean up whitespace
	return strings.Join(strings.Fields(result.String()), " ")
}

// Ensure Scraper implements scrape.Scraper
var _ scrape.Scraper = (*Scraper)(nil)
