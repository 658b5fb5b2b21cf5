package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/failure"
)

// Strategy is the tactic the model reads out of one item
type Strategy struct {
	Platforms  []string `json:"platforms"`
	Niche      string   `json:"niche"`
	Tactic     string   `json:"tactic"`
	Confidence float64  `json:"confidence"`
}

// ExtractStrategy names the tactic behind an ingested item
func (c *Client) ExtractStrategy(ctx context.Context, item *models.Item) (*Strategy, error) {
	userPrompt := fmt.Sprintf(StrategyExtractionUserPrompt,
		item.Platform,
		item.Title,
		truncate(item.Content, 4000),
		item.URL,
		item.Likes,
		item.Comments,
		item.Shares,
	)

	response, err := c.CompleteWithJSON(ctx, StrategyExtractionSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var strategy Strategy
	if err := decodeResponse("strategy", response, &strategy); err != nil {
		c.log.Error().
			Err(err).
			Str("response", truncate(response, 500)).
			Msg("Failed to parse strategy response")
		return nil, err
	}

	strategy.Tactic = strings.TrimSpace(strategy.Tactic)
	if strategy.Tactic == "" {
		return nil, failure.Fatal("strategy", errors.New("model returned no tactic"))
	}
	strategy.Niche = strings.TrimSpace(strategy.Niche)
	strategy.Confidence = models.ClampConfidence(strategy.Confidence)

	return &strategy, nil
}
