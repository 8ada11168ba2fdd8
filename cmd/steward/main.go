package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudsteward/steward/cmd/steward/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	initCLILogger(os.Getenv("STEWARD_LOG_LEVEL"))

	// A signal cancels in-flight runs, which still record their partial
	// results.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("steward failed")
		os.Exit(1)
	}
}

// initCLILogger configures the global logger the commands print through.
// Engine components log through the telemetry logger instead.
func initCLILogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
