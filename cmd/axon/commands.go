// commands.go contains the run, serve, and config command definitions and
// their handlers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/axon/internal/config"
	"github.com/haasonsaas/axon/internal/request"
)

// buildRunCmd creates the "run" command: one prompt, one answer.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		modelName  string
		jsonOutput bool
		dryRun     bool
		noStream   bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the agent loop on a single prompt",
		Example: `  # Answer a prompt, streaming to stdout
  axon run "what changed in this workspace today?"

  # Force a JSON answer from a specific model
  axon run --json --model gpt-4o-mini "list the largest files"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), runParams{
				configPath: resolveConfigPath(configPath),
				prompt:     args[0],
				model:      modelName,
				jsonOutput: jsonOutput,
				dryRun:     dryRun,
				stream:     !noStream,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&modelName, "model", "m", "", "Override the configured model")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Request a JSON-formatted answer")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record tool calls without executing them")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Disable streaming output")

	return cmd
}

type runParams struct {
	configPath string
	prompt     string
	model      string
	jsonOutput bool
	dryRun     bool
	stream     bool
}

func runRun(ctx context.Context, params runParams) error {
	cfg, err := config.Load(params.configPath)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	machine, _ := rt.newMachine("cli")

	opts := request.Options{
		Parent:   ctx,
		Model:    params.model,
		DryRun:   params.dryRun,
		MaxTurns: cfg.Agent.MaxTurns,
	}
	if params.jsonOutput {
		opts.ResponseFormat = "json"
	}
	if params.stream {
		opts.Streaming = true
		opts.Sink = func(text string) { fmt.Print(text) }
	}

	rc := request.New(params.prompt, opts)
	defer rc.Cancel()

	// Ctrl-C aborts the request; the loop unwinds and checkpoints.
	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-signalCtx.Done()
		rc.Cancel()
	}()

	answer, err := machine.Run(rc)
	if err != nil {
		return err
	}
	if params.stream {
		fmt.Println()
	} else {
		fmt.Println(answer)
	}
	return nil
}

// buildServeCmd creates the "serve" command: the long-running runtime with
// restored schedules, the metrics endpoint, and config hot-reload.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime",
		Long: `Start the long-running agent runtime.

The runtime restores persisted schedules, serves Prometheus metrics when
enabled, and reloads the logging level when the config file changes.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, true)
	if err != nil {
		return err
	}

	log := rt.logger.Slog()

	if err := rt.scheduler.Restore(); err != nil {
		log.Warn("schedule restore failed", "error", err)
	}

	// The admin server carries health, task management, and (when enabled)
	// the Prometheus endpoint.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	registerTaskRoutes(mux, rt.manager)
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	adminServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		log.Info("admin server listening", "addr", cfg.Metrics.Addr, "metrics", cfg.Metrics.Enabled)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "error", err)
		}
	}()

	var watcher *config.Watcher
	if configPath != "" {
		watcher = config.NewWatcher(configPath, func(next *config.Config) {
			rt.logger.SetLevel(next.Logging.Level)
		}, log)
		if err := watcher.Start(ctx); err != nil {
			log.Warn("config watch failed", "error", err)
		}
	}

	if rt.checkpoints != nil {
		if pending, err := rt.checkpoints.Pending(ctx); err == nil && len(pending) > 0 {
			log.Info("pending checkpoints found", "count", len(pending))
		}
	}

	log.Info("axon runtime started",
		"workspace", cfg.Workspace, "model", cfg.Model.Model,
		"schedules", len(rt.scheduler.List()))

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if watcher != nil {
		watcher.Close()
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown failed", "error", err)
	}
	rt.Close(shutdownCtx)
	return nil
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if path == "" {
				return fmt.Errorf("no configuration file found")
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
