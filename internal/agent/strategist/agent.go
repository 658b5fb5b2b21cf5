// Package strategist handles extract-strategy tasks: one item in, at most
// one strategy card out.
package strategist

import (
	"context"
	"errors"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/ai"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/logger"
)

// Extractor derives a tactic from an item
type Extractor interface {
	ExtractStrategy(ctx context.Context, item *models.Item) (*ai.Strategy, error)
}

// Notifier is told about each card after it is stored
type Notifier interface {
	CardCreated(ctx context.Context, card *models.StrategyCard) error
}

// Store is what the agent reads and writes
type Store interface {
	GetItem(ctx context.Context, id uint) (*models.Item, error)
	GetCardByItem(ctx context.Context, itemID uint) (*models.StrategyCard, error)
	CreateCardIfAbsent(ctx context.Context, card *models.StrategyCard) (bool, error)
}

// Agent handles extract-strategy tasks
type Agent struct {
	store     Store
	extractor Extractor
	notifier  Notifier
	guard     agent.Guard
	metrics   *metrics.Collector
	log       *logger.Logger
}

// NewAgent creates a new strategist. notifier may be nil.
func NewAgent(store Store, extractor Extractor, notifier Notifier, guard agent.Guard, m *metrics.Collector, log *logger.Logger) *Agent {
	if m == nil {
		m = metrics.Nop()
	}
	return &Agent{
		store:     store,
		extractor: extractor,
		notifier:  notifier,
		guard:     guard,
		metrics:   m,
		log:       log.WithComponent("strategist"),
	}
}

// Handle implements worker.Handler
func (a *Agent) Handle(ctx context.Context, task queue.Task) worker.Result {
	card, err := a.Extract(ctx, task.ItemID)
	if err != nil {
		result := agent.ResultFor(ctx, err)
		a.log.Warn().
			Err(err).
			Uint("item_id", task.ItemID).
			Str("result", result.String()).
			Msg("Strategy extraction failed")
		return result
	}
	if card != nil {
		a.log.Info().
			Uint("item_id", card.ItemID).
			Str("niche", card.Niche).
			Float64("confidence", card.Confidence).
			Msg("Strategy card created")
	}
	return worker.Done
}

// Extract creates the card for itemID. It returns nil when the item is gone
// or already has a card.
func (a *Agent) Extract(ctx context.Context, itemID uint) (*models.StrategyCard, error) {
	log := a.log.With().Uint("item_id", itemID).Logger()

	_, err := a.store.GetCardByItem(ctx, itemID)
	if err == nil {
		log.Debug().Msg("Item already has a card, skipping")
		return nil, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	item, err := a.store.GetItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info().Msg("Item no longer exists, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var strategy *ai.Strategy
	err = a.guard.Do(ctx, "extract strategy", func(ctx context.Context) error {
		var err error
		strategy, err = a.extractor.ExtractStrategy(ctx, item)
		return err
	})
	if err != nil {
		return nil, err
	}

	card := &models.StrategyCard{
		ItemID:     item.ID,
		SourceID:   item.SourceID,
		Platforms:  models.StringSlice(strategy.Platforms),
		Niche:      strategy.Niche,
		Tactic:     strategy.Tactic,
		Confidence: models.ClampConfidence(strategy.Confidence),
	}
	created, err := a.store.CreateCardIfAbsent(ctx, card)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Info().Msg("Card written concurrently, keeping the existing one")
		return nil, nil
	}
	a.metrics.CardsCreated.Inc()

	if a.notifier != nil {
		if err := a.notifier.CardCreated(ctx, card); err != nil {
			log.Warn().Err(err).Msg("Failed to notify about card")
		}
	}
	return card, nil
}
