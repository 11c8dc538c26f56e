package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"

	"github.com/gxo-labs/runway/internal/logger"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"

	_ "github.com/gxo-labs/runway/modules/all"
)

const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsageError = 2
	ExitTimeout    = 124
	ExitSigIntBase = 128
	ExitSigInt     = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm    = ExitSigIntBase + int(syscall.SIGTERM)

	DefaultLogLevel = "info"
	DefaultLogFmt   = "text"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return ExitUsageError
	}
	switch args[0] {
	case "-version", "--version", "version":
		printVersion(stdout)
		return ExitSuccess
	case "validate":
		return runValidateCommand(args[1:], stdout, stderr)
	case "run":
		return runRunCommand(args[1:], stdout, stderr)
	case "serve":
		return runServeCommand(args[1:], stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
		usage(stderr)
		return ExitUsageError
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: runway <command> [flags]\n\n")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  validate -f <workflow.yaml>           Check a workflow definition")
	fmt.Fprintln(w, "  run -f <workflow.yaml> [flags]        Run one workflow locally and wait for it")
	fmt.Fprintln(w, "  serve -config <runway.yaml> [flags]   Serve the HTTP API, scheduler and workers")
	fmt.Fprintln(w, "  -version                              Print version information")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "runway version %s\n", version)
	fmt.Fprintf(w, "commit: %s\n", commit)
	fmt.Fprintf(w, "built: %s\n", buildDate)
	fmt.Fprintf(w, "go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func newLogger(level, format string, w io.Writer) rwlog.Logger {
	return logger.NewLogger(level, format, w).With("runway_version", version)
}

// logLoadError reports a workflow or config loading failure by kind.
func logLoadError(log rwlog.Logger, what string, err error) {
	var validationErr *rwerrors.ValidationError
	var configErr *rwerrors.ConfigError
	switch {
	case errors.As(err, &validationErr):
		log.Errorf("%s validation failed:\n%s", what, err.Error())
	case errors.As(err, &configErr):
		log.Errorf("%s configuration error:\n%s", what, err.Error())
	default:
		log.Errorf("Failed to load %s: %v", what, err)
	}
}
