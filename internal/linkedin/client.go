// Package linkedin publishes approved jobs through the LinkedIn Posts API
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/platform"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
	"github.com/signalpost/pkg/ratelimit"
)

const restliVersion = "2.0.0"

// LinkedIn content limits
const maxCommentaryLength = 3000

// TokenProvider returns a usable credential for an owner
type TokenProvider interface {
	Token(ctx context.Context, ownerID string) (*models.PlatformCredential, error)
}

// Client handles LinkedIn API requests
type Client struct {
	baseURL     string
	apiVersion  string
	httpClient  *http.Client
	tokens      TokenProvider
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger

	// processingDelay is how long to wait for an uploaded image to be
	// processed before referencing it in a post
	processingDelay time.Duration
}

// NewClient creates a new LinkedIn API client
func NewClient(cfg config.LinkedInConfig, tokens TokenProvider, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.linkedin.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "202401"
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:      cfg.APIVersion,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		tokens:          tokens,
		rateLimiter:     limiter,
		log:             log.WithComponent("linkedin"),
		processingDelay: 2 * time.Second,
	}
}

// Platform returns linkedin
func (c *Client) Platform() models.Platform {
	return models.PlatformLinkedIn
}

// do performs an authenticated HTTP request against the API
func (c *Client) do(ctx context.Context, cred *models.PlatformCredential, method, path string, body any) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterLinkedIn); err != nil {
		return nil, failure.Transient("linkedin", fmt.Errorf("rate limit error: %w", err))
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, failure.Fatal("linkedin", fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, failure.Fatal("linkedin", fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("X-Restli-Protocol-Version", restliVersion)
	req.Header.Set("LinkedIn-Version", c.apiVersion)
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Msg("Making LinkedIn API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	c.log.Debug().
		Int("status", resp.StatusCode).
		Msg("LinkedIn API response")

	return resp, nil
}

// transportError keeps deadline errors unwrapped so they classify as
// timeouts; other transport failures are transient
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("linkedin request: %w", ctx.Err())
	}
	return failure.Transient("linkedin", fmt.Errorf("request failed: %w", err))
}

// statusError reads a non-success response into a classified error
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return failure.FromHTTPStatus("linkedin", resp.StatusCode,
		fmt.Errorf("%s: %s - %s", op, resp.Status, strings.TrimSpace(string(body))))
}

// Profile represents a LinkedIn user profile
type Profile struct {
	Sub   string `json:"sub"` // LinkedIn member ID
	Name  string `json:"name"`
	Email string `json:"email"`
}

// GetProfile retrieves the authenticated member's profile
func (c *Client) GetProfile(ctx context.Context, cred *models.PlatformCredential) (*Profile, error) {
	resp, err := c.do(ctx, cred, http.MethodGet, "/v2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get profile", resp)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, failure.Transient("linkedin", fmt.Errorf("failed to decode profile: %w", err))
	}
	if profile.Sub == "" {
		return nil, failure.Fatal("linkedin", fmt.Errorf("profile has no member id"))
	}

	return &profile, nil
}

// PostRequest represents the LinkedIn Posts API request body
type PostRequest struct {
	Author                    string       `json:"author"`
	Commentary                string       `json:"commentary"`
	Visibility                string       `json:"visibility"`
	Distribution              Distribution `json:"distribution"`
	LifecycleState            string       `json:"lifecycleState"`
	IsReshareDisabledByAuthor bool         `json:"isReshareDisabledByAuthor"`
	Content                   *PostContent `json:"content,omitempty"`
}

// Distribution represents post distribution settings
type Distribution struct {
	FeedDistribution               string `json:"feedDistribution"`
	TargetEntities                 []any  `json:"targetEntities"`
	ThirdPartyDistributionChannels []any  `json:"thirdPartyDistributionChannels"`
}

// PostContent contains the media content for the post
type PostContent struct {
	Media Media `json:"media"`
}

// Media references an uploaded asset
type Media struct {
	ID string `json:"id"` // urn:li:image:xxx
}

// Publish posts job's approved text, with its media attached when set, as
// the job owner. It implements platform.Publisher.
func (c *Client) Publish(ctx context.Context, job *models.Job) (string, error) {
	log := c.log.WithJobID(job.ID)

	cred, err := c.tokens.Token(ctx, job.OwnerID)
	if err != nil {
		return "", err
	}

	profile, err := c.GetProfile(ctx, cred)
	if err != nil {
		return "", err
	}
	author := fmt.Sprintf("urn:li:person:%s", profile.Sub)

	content := sanitizeForLinkedIn(job.PublishText())
	if content == "" {
		return "", failure.Validation("linkedin", fmt.Errorf("job %d has no caption to publish", job.ID))
	}
	if runes := []rune(content); len(runes) > maxCommentaryLength {
		log.Warn().
			Int("original_length", len(runes)).
			Int("max_length", maxCommentaryLength).
			Msg("Content exceeds LinkedIn limit, truncating")
		content = string(runes[:maxCommentaryLength-3]) + "..."
	}

	postReq := PostRequest{
		Author:     author,
		Commentary: content,
		Visibility: "PUBLIC",
		Distribution: Distribution{
			FeedDistribution:               "MAIN_FEED",
			TargetEntities:                 []any{},
			ThirdPartyDistributionChannels: []any{},
		},
		LifecycleState: "PUBLISHED",
	}

	if job.MediaURL != "" {
		imageURN, err := c.uploadImage(ctx, cred, author, job.MediaURL)
		if err != nil {
			return "", err
		}
		postReq.Content = &PostContent{Media: Media{ID: imageURN}}
	}

	resp, err := c.do(ctx, cred, http.MethodPost, "/rest/posts", postReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		err := statusError("create post", resp)
		log.Error().Err(err).Int("status", resp.StatusCode).Msg("Failed to create post")
		return "", err
	}

	postURN := resp.Header.Get("x-restli-id")
	if postURN == "" {
		postURN = resp.Header.Get("Location")
	}

	log.Info().
		Str("post_urn", postURN).
		Bool("with_media", postReq.Content != nil).
		Msg("Post created successfully")

	return postURN, nil
}

var sanitizeReplacer = strings.NewReplacer(
	"━", "-", "─", "-", "═", "=", "│", "|", "║", "|",
	"┌", "+", "┐", "+", "└", "+", "┘", "+", "├", "+", "┤", "+", "┼", "+",
	"•", "-", "◦", "-", "▪", "-", "►", ">", "◄", "<",
	"★", "*", "☆", "*", "✓", "[x]", "✔", "[x]", "✗", "[ ]", "✘", "[ ]",
	"→", "->", "←", "<-", "⇒", "=>", "⇐", "<=",
	"\u00a0", " ", "\u2002", " ", "\u2003", " ", "\u2009", " ",
	"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "",
	"\r\n", "\n", "\r", "\n",
)

// sanitizeForLinkedIn rewrites decorative unicode the Posts API mangles and
// drops non-printable characters
func sanitizeForLinkedIn(content string) string {
	content = sanitizeReplacer.Replace(content)

	var result strings.Builder
	result.Grow(len(content))
	for _, r := range content {
		if r == '\n' || r == '\t' || (unicode.IsPrint(r) && r < 0x10000) {
			result.WriteRune(r)
		}
	}
	content = result.String()

	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(content)
}

var _ platform.Publisher = (*Client)(nil)
