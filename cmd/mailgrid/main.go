package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mailgrid/mailgrid/cmd/mailgrid/commands"
	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitAborted     = 2
	exitInterrupted = 130
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("MAILGRID_LOG_LEVEL")))

	// A second signal kills the process; the first lets in-flight calls finish.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, stop)

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	code := exitCode(err)
	switch code {
	case exitOK:
	case exitFailed:
		if errors.Is(err, commands.ErrDomainsFailed) {
			log.Warn().Err(err).Msg("Run finished with failed domains")
		} else {
			log.Error().Err(err).Msg("Command execution failed")
		}
	case exitAborted:
		log.Error().Err(err).Msg("Run aborted by a critical fault")
	case exitInterrupted:
		log.Warn().Msg("Interrupted; progress is saved and the next run resumes it")
	}
	os.Exit(code)
}

// exitCode maps the command result to the process exit status. A critical
// abort and an interrupted run get their own codes; any other error is 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrRunAborted):
		return exitAborted
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailed
	}
}
