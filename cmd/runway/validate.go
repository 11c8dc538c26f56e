package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/gxo-labs/runway/internal/config"
	"github.com/gxo-labs/runway/internal/engine"
	intHandler "github.com/gxo-labs/runway/internal/handler"
)

func runValidateCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("f", "", "Path to the workflow YAML file to validate (required)")
	logLevel := fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: runway validate -f <path> [flags...]\n\n")
		fmt.Fprintln(stderr, "Validates the schema, structure and graph of a workflow.")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}
	if *path == "" {
		fmt.Fprintln(stderr, "Error: -f flag is required for validation")
		fs.Usage()
		return ExitUsageError
	}

	log := newLogger(*logLevel, DefaultLogFmt, stderr)
	log.Debugf("Validating workflow: %s", *path)

	wf, err := config.LoadWorkflowFromFile(*path)
	if err != nil {
		logLoadError(log, "Workflow", err)
		return ExitFailure
	}
	if errs := config.ValidateNodeTypes(wf, intHandler.Default()); len(errs) > 0 {
		for _, e := range errs {
			log.Errorf("%v", e)
		}
		return ExitFailure
	}
	plan, err := engine.BuildPlan(wf, engine.DefaultNodeTimeout)
	if err != nil {
		log.Errorf("Workflow graph is invalid: %v", err)
		return ExitFailure
	}

	fmt.Fprintf(stdout, "Workflow '%s' is valid: %d node(s) in %d group(s)\n", wf.ID, plan.Estimate.NodeCount, plan.Estimate.GroupCount)
	for i, group := range plan.Groups {
		fmt.Fprintf(stdout, "  %d: %s\n", i+1, strings.Join(group, ", "))
	}
	if wf.Schedule != "" {
		fmt.Fprintf(stdout, "Schedule: %s\n", wf.Schedule)
	}
	return ExitSuccess
}
