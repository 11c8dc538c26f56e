package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gxo-labs/runway/internal/config"
	intHandler "github.com/gxo-labs/runway/internal/handler"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

const (
	pollInterval  = 250 * time.Millisecond
	settleTimeout = 30 * time.Second
)

// varFlags collects repeated -var key=value flags.
type varFlags map[string]interface{}

func (v varFlags) String() string { return fmt.Sprint(map[string]interface{}(v)) }

func (v varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

// runSummary is printed to stdout when a local run ends.
type runSummary struct {
	ExecutionID string      `json:"execution_id"`
	WorkflowID  string      `json:"workflow_id"`
	Status      string      `json:"status"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorNodeID string      `json:"error_node_id,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

func runRunCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("f", "", "Path to the workflow YAML file (required)")
	configPath := fs.String("config", "", "Path to runway.yaml engine configuration")
	inputJSON := fs.String("input", "", "Run input as a JSON document")
	inputFile := fs.String("input-file", "", "Read the run input from a JSON file")
	dryRun := fs.Bool("dry-run", false, "Simulate external side effects")
	timeout := fs.Duration("timeout", 0, "Cancel the run after this long (0 waits forever)")
	logLevel := fs.String("log-level", "", "Log level override (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format override (text, json)")
	vars := varFlags{}
	fs.Var(vars, "var", "Set a workflow variable as key=value (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: runway run -f <path> [flags...]\n\n")
		fmt.Fprintln(stderr, "Runs one workflow in-process and waits for it to finish.")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}
	if *path == "" {
		fmt.Fprintln(stderr, "Error: -f flag is required")
		fs.Usage()
		return ExitUsageError
	}
	if *inputJSON != "" && *inputFile != "" {
		fmt.Fprintln(stderr, "Error: -input and -input-file are mutually exclusive")
		return ExitUsageError
	}
	if *timeout < 0 {
		fmt.Fprintln(stderr, "Error: -timeout cannot be negative")
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
	log := newLogger(cfg.Log.Level, cfg.Log.Format, stderr)

	input, err := readInput(*inputJSON, *inputFile)
	if err != nil {
		log.Errorf("Invalid run input: %v", err)
		return ExitUsageError
	}

	wf, err := config.LoadWorkflowFromFile(*path)
	if err != nil {
		logLoadError(log, "Workflow", err)
		return ExitFailure
	}
	if err := config.MergeVariables(wf, cfg.Variables); err != nil {
		log.Errorf("%v", err)
		return ExitFailure
	}
	for k, v := range vars {
		if wf.Variables == nil {
			wf.Variables = make(map[string]interface{})
		}
		wf.Variables[k] = v
	}
	if errs := config.ValidateNodeTypes(wf, intHandler.Default()); len(errs) > 0 {
		for _, e := range errs {
			log.Errorf("%v", e)
		}
		return ExitFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := buildEngine(ctx, cfg, log, *dryRun)
	if err != nil {
		log.Errorf("Failed to initialize engine: %v", err)
		return ExitFailure
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		stack.Close(shutdownCtx)
	}()
	if *dryRun {
		log.Infof("Dry run mode enabled.")
	}

	if err := stack.store.SaveWorkflow(ctx, wf); err != nil {
		log.Errorf("Failed to store workflow '%s': %v", wf.ID, err)
		return ExitFailure
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := stack.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Worker loop stopped: %v", err)
		}
	}()
	defer func() {
		cancel()
		<-workersDone
	}()

	principal := localPrincipal(wf)
	finished, unsubscribe := stack.bus.Subscribe(func(e events.Event) bool {
		return e.WorkflowID == wf.ID && isTerminalEvent(e.Type)
	})
	defer unsubscribe()

	log.Infof("Starting workflow '%s' (%d node(s))", wf.ID, len(wf.Nodes))
	execID, err := stack.coord.Start(ctx, runway.StartRequest{
		WorkflowID:  wf.ID,
		TriggeredBy: principal,
		Input:       input,
		TriggerType: workflow.TriggerManual,
	})
	if err != nil {
		log.Errorf("Failed to start workflow '%s': %v", wf.ID, err)
		return ExitFailure
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var deadline <-chan time.Time
	if *timeout > 0 {
		timer := time.NewTimer(*timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	w := &runWaiter{stack: stack, principal: principal, execID: execID, finished: finished, log: log}
	exec, interrupt, err := w.wait(ctx, sigChan, deadline, *timeout)
	if err != nil {
		log.Errorf("Lost track of execution %s: %v", execID, err)
		return ExitFailure
	}

	printSummary(stdout, exec)
	return exitCodeFor(exec, interrupt, log)
}

// interruption records why the CLI cancelled a run itself.
type interruption struct {
	signal   os.Signal
	timedOut bool
}

type runWaiter struct {
	stack     *engineStack
	principal runway.Principal
	execID    string
	finished  <-chan events.Event
	log       rwlog.Logger
}

// wait blocks until the execution is terminal. A signal or the deadline
// cancels the run and keeps waiting, bounded, for it to settle.
func (w *runWaiter) wait(ctx context.Context, sigChan <-chan os.Signal, deadline <-chan time.Time, timeout time.Duration) (*workflow.Execution, interruption, error) {
	var intr interruption
	var settle <-chan time.Time
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		exec, err := w.stack.store.GetExecution(ctx, w.execID)
		if err != nil {
			return nil, intr, err
		}
		if exec.Status.IsTerminal() {
			return exec, intr, nil
		}

		select {
		case _, ok := <-w.finished:
			if !ok {
				w.finished = nil
			}
		case <-ticker.C:
		case sig := <-sigChan:
			w.log.Warnf("Received signal: %v. Cancelling execution %s...", sig, w.execID)
			intr.signal = sig
			settle = w.cancel("interrupted by " + sig.String())
		case <-deadline:
			w.log.Errorf("Execution %s did not finish within %s. Cancelling...", w.execID, timeout)
			intr.timedOut = true
			settle = w.cancel(fmt.Sprintf("timed out after %s", timeout))
		case <-settle:
			return exec, intr, nil
		}
	}
}

func (w *runWaiter) cancel(reason string) <-chan time.Time {
	if err := w.stack.coord.Cancel(context.Background(), w.principal, w.execID, reason); err != nil {
		w.log.Warnf("Cancel of execution %s failed: %v", w.execID, err)
	}
	return time.After(settleTimeout)
}

func isTerminalEvent(t events.EventType) bool {
	return t == events.ExecutionCompleted || t == events.ExecutionFailed || t == events.ExecutionStopped
}

// localPrincipal is the identity a local run executes as: an administrator
// of the workflow's organization.
func localPrincipal(wf *workflow.Workflow) runway.Principal {
	user := os.Getenv("USER")
	if user == "" {
		user = "local"
	}
	return runway.Principal{
		ID:          "cli:" + user,
		OrgID:       wf.OrgID,
		Roles:       []string{runway.RoleAdmin},
		Permissions: []string{"*"},
	}
}

func readInput(inline, file string) (interface{}, error) {
	data := []byte(inline)
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, err
		}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}
	return input, nil
}

func printSummary(w io.Writer, exec *workflow.Execution) {
	summary := runSummary{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      string(exec.Status),
		Output:      exec.OutputData,
		Error:       exec.ErrorMessage,
		ErrorNodeID: exec.ErrorNodeID,
		DurationMs:  exec.DurationMs,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}

// exitCodeFor maps a finished execution to the process exit code.
func exitCodeFor(exec *workflow.Execution, intr interruption, log rwlog.Logger) int {
	switch {
	case intr.signal != nil:
		switch intr.signal {
		case syscall.SIGINT:
			log.Warnf("Execution interrupted by signal: SIGINT")
			return ExitSigInt
		case syscall.SIGTERM:
			log.Warnf("Execution terminated by signal: SIGTERM")
			return ExitSigTerm
		}
		if s, ok := intr.signal.(syscall.Signal); ok {
			return ExitSigIntBase + int(s)
		}
		return ExitFailure
	case intr.timedOut:
		return ExitTimeout
	}

	switch exec.Status {
	case workflow.ExecutionCompleted:
		log.Infof("Execution %s completed in %dms", exec.ID, exec.DurationMs)
		return ExitSuccess
	case workflow.ExecutionFailed:
		if exec.ErrorNodeID == "" && strings.Contains(exec.ErrorMessage, "exceeded its deadline") {
			log.Errorf("Execution %s timed out: %s", exec.ID, exec.ErrorMessage)
			return ExitTimeout
		}
		log.Errorf("Execution %s failed at node '%s': %s", exec.ID, exec.ErrorNodeID, exec.ErrorMessage)
		return ExitFailure
	default:
		log.Warnf("Execution %s ended with status %s", exec.ID, exec.Status)
		return ExitFailure
	}
}
