package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalpost/internal/app"
	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/scheduler"
	"github.com/signalpost/internal/service"
	"github.com/signalpost/pkg/logger"
)

var (
	cfgFile string
	owner   string
	cfg     *config.Config
	log     *logger.Logger
	a       *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signalpost",
		Short: "Social signal monitoring and post publishing",
		Long: `Monitors Reddit and RSS sources for activity spikes, extracts strategy
cards from what performs, and turns briefs into reviewed, scheduled posts.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: closeApp,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", envOr("SIGNALPOST_OWNER", "local"), "owner the command acts for")

	rootCmd.AddCommand(sourcesCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(cardsCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	role := config.RoleAPI
	if cmd.Name() == "run" {
		role = config.RoleAll
	}
	if role == config.RoleAll {
		err = cfg.ValidateFor(role)
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	a, err = app.Build(cmd.Context(), cfg, string(role), log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

func closeApp(cmd *cobra.Command, args []string) error {
	if a == nil {
		return nil
	}
	return a.Close()
}

// ============ SOURCE COMMANDS ============

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage monitored sources",
	}

	cmd.AddCommand(sourcesAddCmd())
	cmd.AddCommand(sourcesListCmd())
	cmd.AddCommand(sourcesToggleCmd("enable", true))
	cmd.AddCommand(sourcesToggleCmd("disable", false))
	cmd.AddCommand(sourcesDeleteCmd())
	return cmd
}

func sourcesAddCmd() *cobra.Command {
	var req service.CreateSourceRequest

	cmd := &cobra.Command{
		Use:   "add <platform> <kind> <value>",
		Short: "Add a source (e.g. reddit subreddit golang, rss profile https://blog.example.com/feed)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Platform, req.Kind, req.Value = args[0], args[1], args[2]

			src, err := a.Service.CreateSource(cmd.Context(), owner, req)
			if err != nil {
				return err
			}

			fmt.Printf("Source %d added: %s %s %s\n", src.ID, src.Platform, src.Kind, src.Value)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.GroupID, "group", "", "group the source belongs to")
	cmd.Flags().StringVar(&req.ScopeFilter, "scope", "", "scope filter (e.g. subreddit for keyword sources)")
	cmd.Flags().StringVar(&req.PollInterval, "every", "", "poll interval (e.g. 30m)")
	return cmd
}

func sourcesListCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := a.Service.ListSources(cmd.Context(), owner, group)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Sources (%d) ===\n\n", len(sources))
			for _, s := range sources {
				state := "enabled"
				if !s.Enabled {
					state = "disabled"
				}
				fmt.Printf("[%d] %s/%s %s (%s)\n", s.ID, s.Platform, s.Kind, s.Value, state)
				if s.LastPolledAt != nil {
					fmt.Printf("    Last polled: %s ago\n", formatDuration(time.Since(*s.LastPolledAt)))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "only sources in this group")
	return cmd
}

func sourcesToggleCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.Service.SetSourceEnabled(cmd.Context(), owner, id, enabled); err != nil {
				return err
			}
			fmt.Printf("Source %d %sd\n", id, name)
			return nil
		},
	}
}

func sourcesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a source; its items, alerts and cards are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.Service.DeleteSource(cmd.Context(), owner, id); err != nil {
				return err
			}
			fmt.Printf("Source %d deleted\n", id)
			return nil
		},
	}
}

// ============ JOB COMMANDS ============

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create, review and track upload jobs",
	}

	cmd.AddCommand(jobsCreateCmd())
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsShowCmd())
	cmd.AddCommand(jobsApproveCmd())
	cmd.AddCommand(jobsActionCmd("cancel", "Cancel a job", (*service.Service).CancelJob))
	cmd.AddCommand(jobsActionCmd("resubmit", "Create a fresh job from a failed, canceled or needs_reauth one", (*service.Service).ResubmitJob))
	return cmd
}

func jobsCreateCmd() *cobra.Command {
	var req service.CreateJobRequest

	cmd := &cobra.Command{
		Use:   "create <context>",
		Short: "Queue a job for content generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Context = args[0]

			job, err := a.Service.CreateJob(cmd.Context(), owner, req)
			if err != nil {
				return err
			}

			fmt.Printf("Job %d queued for %s\n", job.ID, job.Platform)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Platform, "platform", string(models.PlatformLinkedIn), "platform to publish to")
	cmd.Flags().StringVar(&req.MediaURL, "media", "", "image URL to attach")
	cmd.Flags().StringVar(&req.GroupID, "group", "", "group the job belongs to")
	return cmd
}

func jobsListCmd() *cobra.Command {
	var req service.ListJobsRequest

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.Service.ListJobs(cmd.Context(), owner, req)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Jobs (%d) ===\n\n", len(jobs))
			for _, j := range jobs {
				fmt.Printf("[%d] %s | %s\n", j.ID, j.Status, j.Platform)
				fmt.Printf("    Context: %s\n", truncateStr(j.Context, 80))
				if j.ScheduledAt != nil {
					fmt.Printf("    Scheduled: %s\n", j.ScheduledAt.Format(time.RFC1123))
				}
				if j.ErrorMessage != nil {
					fmt.Printf("    Error: %s\n", *j.ErrorMessage)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&req.Limit, "limit", 20, "maximum jobs to show")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its suggested copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			job, err := a.Service.GetJob(cmd.Context(), owner, id)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
}

func jobsApproveCmd() *cobra.Command {
	var caption string
	var hashtags []string
	var at string

	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reviewed job and schedule it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			req := service.ApproveJobRequest{Caption: caption, Hashtags: hashtags}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at, use RFC3339: %w", err)
				}
				req.ScheduledAt = &t
			}

			// fall back to the suggested copy when none is given
			if req.Caption == "" || len(req.Hashtags) == 0 {
				job, err := a.Service.GetJob(cmd.Context(), owner, id)
				if err != nil {
					return err
				}
				if req.Caption == "" && job.AIHook != nil {
					req.Caption = *job.AIHook
				}
				if len(req.Hashtags) == 0 {
					req.Hashtags = job.AIHashtags
				}
			}

			job, err := a.Service.ApproveJob(cmd.Context(), owner, id, req)
			if err != nil {
				return err
			}
			fmt.Printf("Job %d scheduled for %s\n", job.ID, job.ScheduledAt.Format(time.RFC1123))
			return nil
		},
	}

	cmd.Flags().StringVar(&caption, "caption", "", "approved caption (default: the suggested hook)")
	cmd.Flags().StringSliceVar(&hashtags, "hashtags", nil, "approved hashtags (default: the suggested ones)")
	cmd.Flags().StringVar(&at, "at", "", "publish time in RFC3339 (default: now)")
	return cmd
}

func jobsActionCmd(name, short string, do func(*service.Service, context.Context, string, uint) (*models.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			job, err := do(a.Service, cmd.Context(), owner, id)
			if err != nil {
				return err
			}
			fmt.Printf("Job %d is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func printJob(j *models.Job) {
	fmt.Printf("\n=== Job %d ===\n", j.ID)
	fmt.Printf("Status:   %s\n", j.Status)
	fmt.Printf("Platform: %s\n", j.Platform)
	fmt.Printf("Context:  %s\n", j.Context)
	if j.MediaURL != "" {
		fmt.Printf("Media:    %s\n", j.MediaURL)
	}
	if j.AITitle != nil {
		fmt.Printf("\nSuggested title: %s\n", *j.AITitle)
	}
	if j.AIHook != nil {
		fmt.Printf("Suggested hook:  %s\n", *j.AIHook)
	}
	if len(j.AIHashtags) > 0 {
		fmt.Printf("Suggested tags:  #%s\n", strings.Join(j.AIHashtags, " #"))
	}
	if j.Caption != "" {
		fmt.Printf("\nCaption: %s\n", j.Caption)
	}
	if j.ExternalPostID != "" {
		fmt.Printf("Post:    %s\n", j.ExternalPostID)
	}
	if j.ErrorMessage != nil {
		fmt.Printf("Error:   %s\n", *j.ErrorMessage)
	}
}

// ============ FEED COMMANDS ============

func alertsCmd() *cobra.Command {
	var req service.FeedRequest

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List spike alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := a.Service.ListAlerts(cmd.Context(), owner, req)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Alerts (%d) ===\n\n", len(alerts))
			for _, al := range alerts {
				fmt.Printf("[%d] source %d: %.0f vs %.0f (x%.1f)\n", al.ID, al.SourceID, al.CurrentValue, al.PreviousValue, al.Factor)
				fmt.Printf("    Window: %s - %s\n", al.WindowStart.Format(time.RFC1123), al.WindowEnd.Format(time.RFC1123))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.GroupID, "group", "", "only alerts for sources in this group")
	cmd.Flags().IntVar(&req.Limit, "limit", 20, "maximum alerts to show")
	return cmd
}

func cardsCmd() *cobra.Command {
	var req service.FeedRequest

	cmd := &cobra.Command{
		Use:   "cards",
		Short: "List strategy cards, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cards, err := a.Service.ListCards(cmd.Context(), owner, req)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Strategy Cards (%d) ===\n\n", len(cards))
			for _, c := range cards {
				fmt.Printf("[%d] %.0f%% | %s\n", c.ID, c.Confidence*100, c.Niche)
				fmt.Printf("    %s\n", c.Tactic)
				if len(c.Platforms) > 0 {
					fmt.Printf("    Platforms: %s\n", strings.Join(c.Platforms, ", "))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.GroupID, "group", "", "only cards for sources in this group")
	cmd.Flags().IntVar(&req.Limit, "limit", 20, "maximum cards to show")
	return cmd
}

// ============ CREDENTIAL COMMANDS ============

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Platform credential management",
	}

	cmd.AddCommand(credentialsLoginCmd())
	cmd.AddCommand(credentialsStatusCmd())
	return cmd
}

func credentialsLoginCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start the LinkedIn OAuth login flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			if addr == "" {
				u, err := url.Parse(cfg.LinkedIn.RedirectURI)
				if err != nil || u.Host == "" {
					return fmt.Errorf("cannot derive callback address from linkedin.redirect_uri %q", cfg.LinkedIn.RedirectURI)
				}
				addr = u.Host
			}

			cred, err := a.OAuth.ListenForCallback(ctx, addr, owner, func(authURL string) {
				fmt.Printf("\nPlease open this URL in your browser:\n%s\n", authURL)
			})
			if err != nil {
				return fmt.Errorf("OAuth failed: %w", err)
			}

			fmt.Println("\nAuthentication successful!")
			fmt.Printf("Token expires in %s\n", formatDuration(time.Until(cred.ExpiresAt)))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "callback listen address (default: host of linkedin.redirect_uri)")
	return cmd
}

func credentialsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [platform]",
		Short: "Check whether a usable credential is stored",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform := models.PlatformLinkedIn
			if len(args) == 1 {
				platform = models.Platform(args[0])
			}

			st, err := a.Service.GetCredentialStatus(cmd.Context(), owner, platform)
			if err != nil {
				return err
			}

			if !st.Connected {
				fmt.Println("Status: Not authenticated")
				fmt.Println("Run 'signalpost credentials login' to authenticate")
				return nil
			}

			fmt.Printf("Status:      %s\n", map[bool]string{true: "Valid", false: "Expired"}[st.Usable])
			fmt.Printf("Refreshable: %t\n", st.Refreshable)
			if st.ExpiresAt != nil {
				fmt.Printf("Expires at:  %s\n", st.ExpiresAt.Format(time.RFC1123))
			}
			return nil
		},
	}
}

// ============ QUEUE COMMANDS ============

func deadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Show tasks that exhausted their deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			dead, err := a.Broker.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Dead Letters (%d) ===\n\n", len(dead))
			for _, d := range dead {
				fmt.Printf("%s %s after %d attempts: %s\n", d.FailedAt.Format(time.RFC1123), d.Task.Kind, d.Attempts, d.Reason)
				fmt.Printf("    Task: %s source=%d job=%d item=%d\n", d.Task.ID, d.Task.SourceID, d.Task.JobID, d.Task.ItemID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

// ============ SERVER COMMANDS ============

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveAPI(ctx)
		},
	}
}

func serveAPI(ctx context.Context) error {
	srv := a.APIServer()

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runCmd() *cobra.Command {
	var concurrency int
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, both lanes and the API in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(a.Broker, cfg.Scheduler.TickCron, a.Metrics, log)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.NewPool(queue.LaneCoordination, 1).Run(ctx) })
			g.Go(func() error { return a.NewPool(queue.LaneExecution, concurrency).Run(ctx) })
			g.Go(func() error {
				app.SampleQueueDepth(ctx, a.Broker, a.Metrics, 0, log)
				return nil
			})
			if !noAPI {
				g.Go(func() error { return serveAPI(ctx) })
			}

			log.Info().Str("queue", cfg.Queue.Driver).Msg("signalpost running")
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "execution lane workers (default from worker.concurrency)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the HTTP API")
	return cmd
}

// ============ HELPERS ============

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// formatDuration renders d in the largest sensible unit
func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1f hours", d.Hours())
	}
	return fmt.Sprintf("%.1f days", d.Hours()/24)
}
