// Command sagaflowd syncs YAML workflow definitions into storage and runs
// the scheduler that dispatches async actions to workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/config"
	"github.com/petrijr/sagaflow/internal/logging"
	"github.com/petrijr/sagaflow/pkg/metrics"
)

type Args struct {
	ConfigPath string
	Command    string
	Validate   bool
}

const (
	cmdSync      = "sync"
	cmdScheduler = "scheduler"
)

func main() {
	args, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args Args) error {
	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if args.Validate {
		fmt.Printf("Configuration validation successful: %s\n", args.ConfigPath)
		return nil
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("sagaflowd started",
		"command", args.Command,
		"config_path", args.ConfigPath,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
	)

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	switch args.Command {
	case cmdSync:
		return runSync(ctx, cfg, be, logger)
	case cmdScheduler:
		return runScheduler(ctx, cfg, be, logger)
	default:
		return fmt.Errorf("unknown command %q", args.Command)
	}
}

func runSync(ctx context.Context, cfg *config.Config, be *backends, logger *slog.Logger) error {
	defs, err := syncWorkflows(ctx, cfg, be.storage)
	if err != nil {
		return err
	}
	for _, def := range defs {
		logger.Info("workflow synced", "workflow", def.Name, "actions", len(def.Actions))
	}
	logger.Info("sync finished", "workflows", len(defs))
	return nil
}

func syncWorkflows(ctx context.Context, cfg *config.Config, store sagaflow.Storage) ([]*sagaflow.WorkflowDefinition, error) {
	sources := make([]sagaflow.Source, 0, len(cfg.Workflows.Sources))
	for _, pattern := range cfg.Workflows.Sources {
		sources = append(sources, sagaflow.YAMLSource(pattern))
	}
	defs, err := sagaflow.NewRegistry().SyncWorkflows(ctx, store, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to sync workflows: %w", err)
	}
	return defs, nil
}

func runScheduler(ctx context.Context, cfg *config.Config, be *backends, logger *slog.Logger) error {
	registry := sagaflow.NewRegistry()
	for _, pattern := range cfg.Workflows.Sources {
		if err := registry.Apply(sagaflow.YAMLSource(pattern)); err != nil {
			return fmt.Errorf("failed to load workflows: %w", err)
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewPrometheusObserver(promRegistry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	runner, err := sagaflow.NewRunner(sagaflow.RunnerConfig{
		Registry: registry,
		Storage:  be.storage,
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	scheduler := sagaflow.NewScheduler(runner, be.queue, sagaflow.SchedulerConfig{
		OrphanGracePeriod: cfg.Scheduler.OrphanGracePeriod,
		Logger:            logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("scheduler running", "interval", cfg.Scheduler.Interval)
		return scheduler.Run(ctx, cfg.Scheduler.Interval)
	})
	if !cfg.Metrics.Disabled {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Addr, promRegistry, logger)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func parseArgs(argv []string, output io.Writer) (Args, error) {
	fs := flag.NewFlagSet("sagaflowd", flag.ContinueOnError)
	fs.SetOutput(output)
	configPath := fs.String("config", "", "Path to config file")
	configPathShort := fs.String("c", "", "Path to config file (shorthand)")
	validate := fs.Bool("validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: sagaflowd [options] <%s|%s>\n", cmdSync, cmdScheduler)
		fmt.Fprintf(output, "\nCommands:\n")
		fmt.Fprintf(output, "  %-10s store the YAML workflow definitions in the configured storage\n", cmdSync)
		fmt.Fprintf(output, "  %-10s schedule async actions and dispatch them to the queue\n", cmdScheduler)
		fmt.Fprintf(output, "\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		return Args{}, err
	}

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}
	if path == "" {
		return Args{}, errors.New("config flag (-c or --config) is required")
	}

	args := Args{ConfigPath: path, Validate: *validate}
	if *validate {
		return args, nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return Args{}, errors.New("exactly one command is required")
	}
	switch cmd := fs.Arg(0); cmd {
	case cmdSync, cmdScheduler:
		args.Command = cmd
	default:
		return Args{}, fmt.Errorf("unknown command %q", cmd)
	}
	return args, nil
}
