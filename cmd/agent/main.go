package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/dashboard"
	"kb-health-agent/pkg/database"
	"kb-health-agent/pkg/engine"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kb-health-agent",
		Short: "Embedded metrics and health engine for the knowledge base assistant",
		Long: `kb-health-agent records performance metrics of the knowledge base
assistant, aggregates them into time buckets, fires threshold alerts,
detects component bottlenecks and serves a local dashboard.

Quick start:
  kb-health-agent serve --config config.yaml
  kb-health-agent export --format prometheus
  kb-health-agent cleanup`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults plus AGENT_* environment when empty)")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(exportCmd(&configPath))
	cmd.AddCommand(cleanupCmd(&configPath))
	cmd.AddCommand(rulesCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "version %s, built %s, commit %s\n", version, buildTime, gitCommit)
		},
	})
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*database.Database, error) {
	db, err := database.New(&database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BusyTimeout:     cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// withEngine opens the store and an engine that is not running, and closes the store after fn
func withEngine(ctx context.Context, configPath string, fn func(e *engine.Engine) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	e, err := engine.New(ctx, cfg, db)
	if err != nil {
		return err
	}
	return fn(e)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the dashboard and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			klog.Infof("Starting kb-health-agent %s (built %s, commit %s)", version, buildTime, gitCommit)

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := engine.New(ctx, cfg, db)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, e)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, e *engine.Engine) error {
	var metricsHandler http.Handler
	if cfg.Monitor.PrometheusEnabled {
		metricsHandler = e.Monitor().GetHandler()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gctx) })
	if cfg.Dashboard.Enabled {
		server := dashboard.NewServer(&cfg.Dashboard, e, metricsHandler)
		g.Go(func() error { return server.Start(gctx) })
	}
	if metricsHandler != nil {
		g.Go(func() error { return startMetricsServer(gctx, cfg.Monitor.MetricsAddr, metricsHandler) })
	}

	klog.Info("All components started")
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	klog.Info("kb-health-agent stopped")
	return err
}

func startMetricsServer(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	klog.Infof("Metrics server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func exportCmd(configPath *string) *cobra.Command {
	var (
		format string
		metric string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored metrics to stdout as prometheus text, JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				switch format {
				case "prometheus":
					fmt.Fprint(out, e.ExportPrometheus(cmd.Context()))
				case "json":
					fmt.Fprintln(out, string(e.ExportJSON(cmd.Context())))
				case "csv":
					if metric == "" {
						return fmt.Errorf("--metric is required for csv export")
					}
					now := time.Now()
					fmt.Fprint(out, e.ExportCSV(cmd.Context(), metric, now.Add(-since), now))
				default:
					return fmt.Errorf("unsupported format %q", format)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "prometheus", "Output format: prometheus, json or csv")
	cmd.Flags().StringVar(&metric, "metric", "", "Metric to export (csv only)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Time range to export (csv only)")
	return cmd
}

func cleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention cycle and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(e *engine.Engine) error {
				report := e.Cleanup(cmd.Context())
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				if len(report.Errors) > 0 {
					return fmt.Errorf("cleanup finished with %d errors", len(report.Errors))
				}
				return nil
			})
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect alert rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a YAML alert rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := config.LoadRules(args[0])
			if err != nil {
				return err
			}
			if len(cfgs) == 0 {
				return fmt.Errorf("%s defines no rules", args[0])
			}
			for _, r := range alerting.RulesFromConfig(cfgs) {
				if err := r.Validate(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-22s %s %v for %v (%s)\n",
					r.ID, r.Metric, r.Operator, r.Threshold, r.Duration, r.Severity)
			}
			return nil
		},
	})
	return cmd
}
