package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalpost/internal/app"
	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/pkg/logger"
)

var (
	cfgFile     string
	lane        string
	concurrency int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signalpost-worker",
		Short: "Consumes one queue lane",
		Long: `Runs a worker pool on one lane. The coordination lane carries dispatch
cycles and always runs a single worker; the execution lane carries scrape,
generate, publish, spike and strategy tasks.`,
		RunE: runWorker,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.Flags().StringVar(&lane, "lane", string(queue.LaneExecution), "lane to consume (coordination or execution)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default from worker.concurrency)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	l, err := queue.ParseLane(lane)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateFor(config.RoleWorker); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, string(config.RoleWorker)+"-"+string(l), log)
	if err != nil {
		return err
	}
	defer a.Close()

	ops := app.NewOpsServer(cfg.Worker.MetricsAddr, a.Metrics, a.Store.Ping, log)
	ops.WatchBreakers(a.Breakers...)
	go ops.Start()

	pool := a.NewPool(l, concurrency)
	log.Info().Str("lane", string(l)).Int("concurrency", pool.Concurrency()).Msg("Starting signalpost worker")

	// Run returns once every in-progress task has settled
	if err := pool.Run(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ops.Shutdown(shutdownCtx)
}
