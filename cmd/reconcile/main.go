// Command reconcile runs one reconciliation pass between the job scheduler
// and the active promotion store, prints the report as JSON and exits.
// It exits 2 when drift was found and left unrepaired.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promoflow/promoflow/internal/app"
	"github.com/promoflow/promoflow/internal/config"
	"github.com/promoflow/promoflow/internal/domain"
	pkgconfig "github.com/promoflow/promoflow/pkg/config"
	"github.com/promoflow/promoflow/pkg/logger"
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report drift without repairing it")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall deadline for the pass")
	envFile := fs.String("env-file", ".env", "dotenv file to load if present")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}

	if err := pkgconfig.LoadDotenv(*envFile); err != nil {
		return 1, err
	}
	cfg, err := config.Load()
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}
	// Never consume events from a one-shot run.
	cfg.KafkaEnabled = false

	log := logger.NewWithWriter(app.ServiceName+"-reconcile", cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return 1, fmt.Errorf("initialize application: %w", err)
	}
	defer func() { _ = application.Shutdown() }()

	report, err := application.Reconcile(ctx, *dryRun)
	if err != nil {
		return 1, err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return 1, fmt.Errorf("write report: %w", err)
	}

	if unresolved(report.Drift) > 0 {
		return 2, nil
	}
	return 0, nil
}

// unresolved counts drift that is still present after the pass. Jobs that do
// not belong to the catalog are never touched and do not count.
func unresolved(drift []domain.Drift) int {
	n := 0
	for _, d := range drift {
		if !d.Repaired && d.Kind != domain.DriftUnknownJob {
			n++
		}
	}
	return n
}
