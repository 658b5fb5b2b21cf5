package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/failure"
)

// ContentRequest is the brief for one job's copy
type ContentRequest struct {
	Platform models.Platform
	MediaURL string
	Context  string
}

// GeneratedContent is the AI-suggested copy for a job
type GeneratedContent struct {
	Title    string   `json:"title"`
	Hook     string   `json:"hook"`
	Hashtags []string `json:"hashtags"`
}

// GenerateContent creates title, hook and hashtags for a job
func (c *Client) GenerateContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error) {
	systemPrompt := fmt.Sprintf(ContentGenerationSystemPrompt, req.Platform, c.brandVoice)
	userPrompt := fmt.Sprintf(ContentGenerationUserPrompt, req.MediaURL, req.Context)

	response, err := c.CompleteWithJSON(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var content GeneratedContent
	if err := decodeResponse("generate", response, &content); err != nil {
		c.log.Error().
			Err(err).
			Str("response", truncate(response, 500)).
			Msg("Failed to parse content response")
		return nil, err
	}

	content.Title = strings.TrimSpace(content.Title)
	content.Hook = strings.TrimSpace(content.Hook)
	content.Hashtags = normalizeHashtags(content.Hashtags)
	if content.Title == "" && content.Hook == "" {
		return nil, failure.Fatal("generate", errors.New("model returned empty copy"))
	}

	return &content, nil
}
