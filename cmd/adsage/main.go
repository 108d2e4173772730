package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/adsage/adsage-cli/cmd"
	"github.com/adsage/adsage-cli/internal/observability"
)

func main() {
	// Listen for interrupt signals so a long allocation or probe run shuts
	// down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
