// Package reddit reads public Reddit listings through the JSON endpoints
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/scrape"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
	"github.com/signalpost/pkg/ratelimit"
)

// Scraper implements scrape.Scraper for subreddits, user profiles and
// keyword searches
type Scraper struct {
	baseURL     string
	userAgent   string
	limit       int
	httpClient  *http.Client
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a Reddit scraper
func New(cfg config.RedditConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Scraper {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.reddit.com"
	}
	if cfg.Limit <= 0 || cfg.Limit > 100 {
		cfg.Limit = 50
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}
	return &Scraper{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		limit:       cfg.Limit,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: limiter,
		log:         log.WithComponent("scrape.reddit"),
	}
}

// Platform returns reddit
func (s *Scraper) Platform() models.Platform {
	return models.PlatformReddit
}

// Supports reports true for every source kind
func (s *Scraper) Supports(kind models.SourceKind) bool {
	switch kind {
	case models.SourceKindSubreddit, models.SourceKindProfile, models.SourceKindKeyword:
		return true
	}
	return false
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data post   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	Name          string  `json:"name"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	Permalink     string  `json:"permalink"`
	URL           string  `json:"url"`
	Author        string  `json:"author"`
	Subreddit     string  `json:"subreddit"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	NumCrossposts int     `json:"num_crossposts"`
	CreatedUTC    float64 `json:"created_utc"`
}

// listingURL builds the endpoint for a source
func (s *Scraper) listingURL(src *models.Source) (string, error) {
	value := strings.TrimSpace(src.Value)
	if value == "" {
		return "", failure.Validationf("reddit source %d has no value", src.ID)
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprint(s.limit))
	q.Set("raw_json", "1")

	switch src.Kind {
	case models.SourceKindSubreddit:
		name := strings.TrimPrefix(strings.TrimPrefix(value, "/"), "r/")
		return fmt.Sprintf("%s/r/%s/new.json?%s", s.baseURL, url.PathEscape(name), q.Encode()), nil
	case models.SourceKindProfile:
		name := strings.TrimPrefix(strings.TrimPrefix(value, "/"), "u/")
		return fmt.Sprintf("%s/user/%s/submitted.json?%s", s.baseURL, url.PathEscape(name), q.Encode()), nil
	case models.SourceKindKeyword:
		q.Set("q", value)
		q.Set("sort", "new")
		if src.ScopeFilter != "" {
			q.Set("restrict_sr", "1")
			return fmt.Sprintf("%s/r/%s/search.json?%s", s.baseURL, url.PathEscape(src.ScopeFilter), q.Encode()), nil
		}
		return fmt.Sprintf("%s/search.json?%s", s.baseURL, q.Encode()), nil
	}
	return "", failure.Validationf("unsupported reddit source kind %q", src.Kind)
}

// Scrape retrieves the newest posts for src
func (s *Scraper) Scrape(ctx context.Context, src *models.Source) ([]*models.RawItem, error) {
	endpoint, err := s.listingURL(src)
	if err != nil {
		return nil, err
	}

	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterReddit); err != nil {
		return nil, failure.Transient("reddit", fmt.Errorf("rate limit error: %w", err))
	}

	s.log.Debug().Str("url", endpoint).Uint("source_id", src.ID).Msg("Fetching Reddit listing")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, failure.Fatal("reddit", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reddit request: %w", ctx.Err())
		}
		return nil, failure.Transient("reddit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, failure.FromHTTPStatus("reddit", resp.StatusCode,
			fmt.Errorf("reddit returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var l listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, failure.Transient("reddit", fmt.Errorf("failed to decode listing: %w", err))
	}

	items := make([]*models.RawItem, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "t3" || child.Data.Name == "" {
			continue
		}
		p := child.Data
		link := p.URL
		if p.Permalink != "" {
			link = "https://www.reddit.com" + p.Permalink
		}
		items = append(items, &models.RawItem{
			ExternalID: p.Name,
			Title:      p.Title,
			Content:    p.Selftext,
			URL:        link,
			Author:     p.Author,
			Likes:      p.Score,
			Comments:   p.NumComments,
			Shares:     p.NumCrossposts,
			PostedAt:   time.Unix(int64(p.CreatedUTC), 0).UTC(),
		})
	}

	s.log.Info().
		Int("count", len(items)).
		Uint("source_id", src.ID).
		Str("kind", string(src.Kind)).
		Msg("Fetched Reddit items")

	return items, nil
}

// Ensure Scraper implements scrape.Scraper
var _ scrape.Scraper = (*Scraper)(nil)
