// Command cnapi-waitlist runs the waitlist subsystem of the compute-node
// control-plane service: the HTTP contract, the director, or both.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dafyddcrosby/sdc-cnapi/internal/app"
	"github.com/dafyddcrosby/sdc-cnapi/internal/config"
)

func main() {
	mode := flag.String("mode", "", "run mode: all, api, or director (overrides CNAPI_WAITLIST_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
