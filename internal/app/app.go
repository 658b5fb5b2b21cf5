// Package app wires the store, the broker, the collaborators and every task
// handler into one graph shared by the commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/agent/generator"
	"github.com/signalpost/internal/agent/ingest"
	"github.com/signalpost/internal/agent/publisher"
	"github.com/signalpost/internal/agent/strategist"
	"github.com/signalpost/internal/ai"
	"github.com/signalpost/internal/api"
	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/dispatcher"
	"github.com/signalpost/internal/linkedin"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/platform"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/scrape"
	"github.com/signalpost/internal/scrape/reddit"
	"github.com/signalpost/internal/scrape/rss"
	"github.com/signalpost/internal/service"
	"github.com/signalpost/internal/spike"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/storage/gormstore"
	"github.com/signalpost/internal/tracker"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
	"github.com/signalpost/pkg/ratelimit"
)

// Notifier receives each new alert and strategy card
type Notifier interface {
	spike.Notifier
	strategist.Notifier
}

// AI is the model-backed collaborator
type AI interface {
	generator.ContentGenerator
	strategist.Extractor
}

// Deps are the pieces Assemble connects. Build fills them from config;
// tests supply fakes.
type Deps struct {
	Store      storage.Store
	Broker     queue.Broker
	AI         AI
	Scrapers   *scrape.Registry
	Publishers *platform.Registry
	// Notifier may be nil
	Notifier Notifier
	// OAuth may be nil when LinkedIn is not configured
	OAuth   *linkedin.OAuthManager
	Metrics *metrics.Collector
}

// App is the assembled process graph
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Collector

	Store  storage.Store
	Broker queue.Broker
	OAuth  *linkedin.OAuthManager

	Service    *service.Service
	Dispatcher *dispatcher.Dispatcher
	Ingest     *ingest.Agent
	Generator  *generator.Agent
	Publisher  *publisher.Agent
	Strategist *strategist.Agent
	Spike      *spike.Detector

	// Breakers guard the collaborator calls, one per collaborator
	Breakers []*failure.Breaker
}

// Build opens the store and the broker named in cfg and assembles the graph
// around the real collaborators
func Build(ctx context.Context, cfg *config.Config, role string, log *logger.Logger) (*App, error) {
	m := metrics.New(role)

	store, err := gormstore.New(gormstore.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}

	broker, err := OpenBroker(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Limits{
		LinkedInRequestsPerDay:     cfg.RateLimit.LinkedInRequestsPerDay,
		AnthropicRequestsPerMinute: cfg.RateLimit.AnthropicRequestsPerMinute,
		RedditRequestsPerMinute:    cfg.RateLimit.RedditRequestsPerMinute,
	})

	oauth := linkedin.NewOAuthManager(cfg.LinkedIn, store, log)
	publishers := platform.NewRegistry(linkedin.NewClient(cfg.LinkedIn, oauth, limiter, log))

	scrapers := scrape.NewRegistry(
		reddit.New(cfg.Reddit, limiter, log),
		rss.New(limiter, log),
	)

	deps := Deps{
		Store:      store,
		Broker:     broker,
		AI:         ai.NewClient(cfg.Anthropic, limiter, log),
		Scrapers:   scrapers,
		Publishers: publishers,
		OAuth:      oauth,
		Metrics:    m,
	}

	exporter, err := tracker.NewSheetsExporter(ctx, cfg.Tracker, log)
	if err != nil {
		_ = broker.Close()
		_ = store.Close()
		return nil, err
	}
	if exporter != nil {
		deps.Notifier = exporter
	}

	return Assemble(cfg, deps, log), nil
}

// OpenBroker connects the broker named by cfg.Driver
func OpenBroker(ctx context.Context, cfg config.QueueConfig) (queue.Broker, error) {
	opts := queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
	}
	switch cfg.Driver {
	case "memory":
		return queue.NewMemoryBroker(opts), nil
	case "redis", "":
		return queue.NewRedisBroker(ctx, queue.RedisConfig{URL: cfg.RedisURL, Prefix: cfg.Prefix}, opts)
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// Assemble connects deps into handlers, the coordinator and the service
func Assemble(cfg *config.Config, deps Deps, log *logger.Logger) *App {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop()
	}

	breaker := func(name string) *failure.Breaker {
		blog := log.WithComponent("breaker")
		return failure.NewBreaker(failure.BreakerConfig{
			Name:     name,
			Failures: cfg.Worker.BreakerFailures,
			Delay:    cfg.Worker.BreakerDelay,
			OnStateChange: func(name, from, to string) {
				blog.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("Circuit breaker changed state")
			},
		})
	}
	aiBreaker, scrapeBreaker, publishBreaker := breaker("anthropic"), breaker("scrape"), breaker("publish")
	aiGuard := agent.Guard{Timeout: cfg.Worker.CallTimeout, Breaker: aiBreaker}
	scrapeGuard := agent.Guard{Timeout: cfg.Worker.CallTimeout, Breaker: scrapeBreaker}
	publishGuard := agent.Guard{Timeout: cfg.Worker.CallTimeout, Breaker: publishBreaker}

	var alerts spike.Notifier
	var cards strategist.Notifier
	if deps.Notifier != nil {
		alerts, cards = deps.Notifier, deps.Notifier
	}

	return &App{
		Config:  cfg,
		Log:     log,
		Metrics: m,
		Store:   deps.Store,
		Broker:  deps.Broker,
		OAuth:   deps.OAuth,

		Service: service.New(deps.Store, deps.Scrapers, deps.Publishers, m, log),
		Dispatcher: dispatcher.New(deps.Store, deps.Broker, dispatcher.Config{
			DefaultPollInterval: cfg.Dispatcher.DefaultPollInterval,
			StageTimeout:        cfg.Dispatcher.StageTimeout,
			BatchLimit:          cfg.Dispatcher.BatchLimit,
		}, m, log),
		Ingest: ingest.NewAgent(deps.Store, deps.Scrapers, deps.Broker, scrapeGuard, ingest.Config{
			MinStrategyScore: cfg.Worker.StrategyMinScore,
		}, m, log),
		Generator:  generator.NewAgent(deps.Store, deps.AI, aiGuard, m, log),
		Publisher:  publisher.NewAgent(deps.Store, deps.Publishers, publishGuard, m, log),
		Strategist: strategist.NewAgent(deps.Store, deps.AI, cards, aiGuard, m, log),
		Spike: spike.NewDetector(deps.Store, alerts, spike.Config{
			Window:    cfg.Spike.Window,
			Align:     cfg.Spike.Align,
			Threshold: cfg.Spike.Threshold,
		}, m, log),
		Breakers: []*failure.Breaker{aiBreaker, scrapeBreaker, publishBreaker},
	}
}

// Handlers maps every task kind to its handler
func (a *App) Handlers() map[queue.Kind]worker.Handler {
	return map[queue.Kind]worker.Handler{
		queue.KindDispatchCycle:   a.Dispatcher,
		queue.KindScrapeSource:    a.Ingest,
		queue.KindGenerateContent: a.Generator,
		queue.KindPublishPost:     a.Publisher,
		queue.KindDetectSpike:     a.Spike,
		queue.KindExtractStrategy: a.Strategist,
	}
}

// NewPool returns a pool on lane with the handlers for that lane's kinds
func (a *App) NewPool(lane queue.Lane, concurrency int) *worker.Pool {
	if concurrency <= 0 {
		concurrency = a.Config.Worker.Concurrency
	}
	pool := worker.New(a.Broker, worker.Config{
		Lane:          lane,
		Concurrency:   concurrency,
		MaxDeliveries: a.Config.Worker.MaxDeliveries,
		PollTimeout:   a.Config.Queue.PollTimeout,
		TaskTimeout:   a.Config.Worker.TaskTimeout,
	}, a.Metrics, a.Log)

	for kind, h := range a.Handlers() {
		if kind.Lane() == lane {
			pool.Register(kind, h)
		}
	}
	return pool
}

// APIServer builds the HTTP surface over the service
func (a *App) APIServer() *api.Server {
	return api.New(a.Service, a.Config.API, a.Metrics, a.Store, a.Log)
}

// Close releases the broker and the store
func (a *App) Close() error {
	var errs []error
	if a.Broker != nil {
		errs = append(errs, a.Broker.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
