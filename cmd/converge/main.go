package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openconverge/openconverge/cmd/converge/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Cancel the run on interrupt; the reconciler observes cancellation
	// between cycles and seals the transcript before exiting.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	os.Exit(commands.ExitCode(err))
}
