package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/internal/cli"
)

const (
	exitFailure  = 1
	exitConflict = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "eventctl:", err)
		stop()
		if errors.Is(err, eventcore.ErrConcurrencyConflict) {
			os.Exit(exitConflict)
		}
		os.Exit(exitFailure)
	}
}
