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
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/scheduler"
	"github.com/signalpost/pkg/logger"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "signalpost-scheduler",
		Short: "Emits dispatch-cycle ticks on the coordination lane",
		Long: `Runs the cron producer that enqueues a dispatch-cycle task on every tick.
Run exactly one instance; the coordinator and the workers run separately.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateFor(config.RoleScheduler); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting signalpost scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := app.OpenBroker(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer broker.Close()

	m := metrics.New(string(config.RoleScheduler))

	ops := app.NewOpsServer(cfg.Scheduler.HealthAddr, m, app.BrokerCheck(broker), log)
	go ops.Start()
	go app.SampleQueueDepth(ctx, broker, m, 0, log)

	sched := scheduler.New(broker, cfg.Scheduler.TickCron, m, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	<-ctx.Done()

	log.Info().Msg("Shutting down scheduler")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ops.Shutdown(shutdownCtx)
}
