// Package ingest handles scrape-source tasks: it pulls a source's newest
// items, upserts them and queues strategy extraction for the new ones.
package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/scrape"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/logger"
)

// Store is what the agent reads and writes
type Store interface {
	GetSource(ctx context.Context, id uint) (*models.Source, error)
	UpsertItem(ctx context.Context, item *models.Item) (bool, error)
}

// Config holds agent settings
type Config struct {
	// MinStrategyScore is the quality score an item needs to be queued for
	// strategy extraction
	MinStrategyScore float64
}

// Agent handles scrape-source tasks
type Agent struct {
	store    Store
	scrapers *scrape.Registry
	queue    agent.Enqueuer
	guard    agent.Guard
	cfg      Config
	metrics  *metrics.Collector
	log      *logger.Logger
}

// NewAgent creates a new ingest agent
func NewAgent(
	store Store,
	scrapers *scrape.Registry,
	q agent.Enqueuer,
	guard agent.Guard,
	cfg Config,
	m *metrics.Collector,
	log *logger.Logger,
) *Agent {
	if m == nil {
		m = metrics.Nop()
	}
	return &Agent{
		store:    store,
		scrapers: scrapers,
		queue:    q,
		guard:    guard,
		cfg:      cfg,
		metrics:  m,
		log:      log.WithComponent("ingest"),
	}
}

// Result contains the counts of one scrape
type Result struct {
	ItemsFound     int
	ItemsNew       int
	ItemsUpdated   int
	StrategyQueued int
	Duration       time.Duration
}

// Handle implements worker.Handler
func (a *Agent) Handle(ctx context.Context, task queue.Task) worker.Result {
	res, err := a.Run(ctx, task.SourceID)
	if err != nil {
		result := agent.ResultFor(ctx, err)
		a.log.WithSourceID(task.SourceID).Warn().
			Err(err).
			Str("result", result.String()).
			Msg("Scrape failed")
		return result
	}
	if res != nil {
		a.log.WithSourceID(task.SourceID).Info().
			Int("found", res.ItemsFound).
			Int("new", res.ItemsNew).
			Int("updated", res.ItemsUpdated).
			Int("strategy_queued", res.StrategyQueued).
			Dur("took", res.Duration).
			Msg("Scrape complete")
	}
	return worker.Done
}

// Run scrapes one source. A source that was deleted or disabled since the
// task was enqueued is skipped with a nil result.
func (a *Agent) Run(ctx context.Context, sourceID uint) (*Result, error) {
	start := time.Now()
	log := a.log.WithSourceID(sourceID)

	src, err := a.store.GetSource(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info().Msg("Source no longer exists, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !src.Enabled {
		log.Info().Msg("Source disabled, skipping")
		return nil, nil
	}

	scraper, err := a.scrapers.For(src.Platform, src.Kind)
	if err != nil {
		return nil, err
	}

	var raw []*models.RawItem
	err = a.guard.Do(ctx, "scrape "+string(src.Platform), func(ctx context.Context) error {
		var err error
		raw, err = scraper.Scrape(ctx, src)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &Result{ItemsFound: len(raw)}
	for _, r := range raw {
		if r.ExternalID == "" {
			continue
		}
		item := r.ToItem(src.ID, src.Platform)
		inserted, err := a.store.UpsertItem(ctx, item)
		if err != nil {
			return nil, err
		}
		a.metrics.ItemsIngested.WithLabelValues(string(src.Platform), strconv.FormatBool(inserted)).Inc()
		if !inserted {
			res.ItemsUpdated++
			continue
		}
		res.ItemsNew++
		// queued per insert: a later failure redelivers the scrape, and the
		// retry sees this item as an update
		if a.queueStrategy(ctx, log, item) {
			res.StrategyQueued++
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

// queueStrategy enqueues extract-strategy for a new item above the score
// floor. An enqueue failure is logged and loses that item's extraction.
func (a *Agent) queueStrategy(ctx context.Context, log *logger.Logger, item *models.Item) bool {
	if item.QualityScore < a.cfg.MinStrategyScore {
		return false
	}
	task := queue.NewTask(queue.KindExtractStrategy)
	task.ItemID = item.ID
	task.SourceID = item.SourceID
	if err := a.queue.Enqueue(ctx, task.Kind.Lane(), task); err != nil {
		log.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to enqueue strategy extraction")
		return false
	}
	a.metrics.TasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
	return true
}
