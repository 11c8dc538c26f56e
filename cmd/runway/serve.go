package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/gxo-labs/runway/internal/api"
	"github.com/gxo-labs/runway/internal/config"
	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

func runServeCommand(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to runway.yaml engine configuration")
	workflowDir := fs.String("workflows", "", "Directory of workflow YAML files to load at startup")
	addr := fs.String("addr", "", "HTTP listen address override")
	logLevel := fs.String("log-level", "", "Log level override (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format override (text, json)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: runway serve [-config <runway.yaml>] [-workflows <dir>] [flags...]\n\n")
		fmt.Fprintln(stderr, "Serves the HTTP API and runs the scheduler and execution workers.")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}

	cfg, err := config.LoadEngineConfigFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	log := newLogger(cfg.Log.Level, cfg.Log.Format, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := buildEngine(ctx, cfg, log, false)
	if err != nil {
		log.Errorf("Failed to initialize engine: %v", err)
		return ExitFailure
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		stack.Close(shutdownCtx)
	}()

	if *workflowDir != "" {
		loaded, err := config.LoadWorkflowsFromDir(*workflowDir)
		if err != nil {
			logLoadError(log, "Workflow", err)
			return ExitUsageError
		}
		registry := intHandler.Default()
		for _, wf := range loaded {
			if err := config.MergeVariables(wf, cfg.Variables); err != nil {
				log.Errorf("%v", err)
				return ExitUsageError
			}
			if errs := config.ValidateNodeTypes(wf, registry); len(errs) > 0 {
				for _, e := range errs {
					log.Errorf("%v", e)
				}
				return ExitUsageError
			}
			if err := stack.store.SaveWorkflow(ctx, wf); err != nil {
				log.Errorf("Failed to store workflow '%s': %v", wf.ID, err)
				return ExitFailure
			}
		}
		log.Infof("Loaded %d workflow(s) from %s", len(loaded), *workflowDir)
	}

	sched := scheduler.New(stack.coord, log)
	if err := sched.Sync(ctx, stack.store); err != nil {
		log.Errorf("Failed to register schedules: %v", err)
		return ExitUsageError
	}

	server := api.NewServer(api.Config{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
	}, stack.coord, log, api.WithEventSource(stack.bus), api.WithGatherer(stack.metrics.Registry()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.coord.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx) })

	start := time.Now()
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Server stopped after %s: %v", time.Since(start).Round(time.Second), err)
		return ExitFailure
	}
	log.Infof("Shutdown complete after %s", time.Since(start).Round(time.Second))
	return ExitSuccess
}
