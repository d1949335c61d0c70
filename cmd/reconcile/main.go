// Command reconcile runs a single deferred-downgrade pass and prints the
// report as JSON. It suits an external scheduler when the in-process loop
// is disabled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/env"
)

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup happens before the process
// exits.
func run() int {
	lookahead := flag.Duration("lookahead", 0, "override the lookahead window")
	limit := flag.Int("limit", 0, "override the batch size")
	flag.Parse()

	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Error(err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Errorf("[Reconcile] %v", err)
		return 1
	}
	defer services.Close()

	if services.Reconciler == nil {
		log.Error("[Reconcile] STRIPE_API_KEY is required")
		return 1
	}

	opts := services.ReconcileOptions()
	if *lookahead > 0 {
		opts.Lookahead = *lookahead
	}
	if *limit > 0 {
		opts.BatchSize = *limit
	}

	report, err := services.Reconciler.Run(ctx, opts)
	if err != nil {
		log.Errorf("[Reconcile] %v", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Errorf("[Reconcile] %v", err)
		return 1
	}
	if report.Failed > 0 {
		return 1
	}
	return 0
}
