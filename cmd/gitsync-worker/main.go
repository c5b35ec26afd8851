package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vipul43/gitsync-worker/internal/config"
	"github.com/vipul43/gitsync-worker/internal/database"
	"github.com/vipul43/gitsync-worker/internal/metrics"
	"github.com/vipul43/gitsync-worker/internal/watcher"
)

var rootCmd = &cobra.Command{
	Use:          "gitsync-worker",
	Short:        "Synchronizes queued YAML change sets with Git remotes",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync loop and the expiry loops until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.RunMigrations(db); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single sync loop tick and print what each account did",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.syncLoop.Tick(cmd.Context())
		if report.Err != nil {
			return report.Err
		}

		out := cmd.OutOrStdout()
		if report.StuckCheckRan {
			fmt.Fprintf(out, "stuck check: %d change set(s) re-queued\n", report.Recovery.Requeued())
		}
		if len(report.Accounts) == 0 {
			fmt.Fprintln(out, "no accounts waiting")
		}
		for _, acc := range report.Accounts {
			line := fmt.Sprintf("%s\t%s\t%v", acc.AccountID, acc.Outcome, acc.ChangeSetIDs)
			if acc.Err != nil {
				line += "\t" + acc.Err.Error()
			}
			if len(acc.RetryIDs) > 0 {
				line += fmt.Sprintf("\tretry queued %v", acc.RetryIDs)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run one artifact expiry pass and one status expiry pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		artifacts := a.artifactExpiry.RunOnce(cmd.Context())
		statuses := a.statusExpiry.RunOnce(cmd.Context())

		out := cmd.OutOrStdout()
		for name, n := range artifacts.Deleted {
			fmt.Fprintf(out, "%s: %d deleted\n", name, n)
		}
		fmt.Fprintf(out, "sync errors expired: %d\n", statuses.SyncErrorsExpired)
		fmt.Fprintf(out, "change sets skipped: %d\n", statuses.ChangeSetsSkipped)

		if artifacts.Failures > 0 {
			return fmt.Errorf("%d artifact expiry failure(s), see log", artifacts.Failures)
		}
		return statuses.Err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tickCmd, expireCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var extra []watcher.Loop
	if a.cfg.MetricsAddr != "" {
		extra = append(extra, watcher.LoopFunc(func(ctx context.Context) error {
			return metrics.Serve(ctx, a.cfg.MetricsAddr, a.db.Ping)
		}))
	}
	w := watcher.New(a.syncLoop, a.artifactExpiry, a.statusExpiry, extra...)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		slog.Info("shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			slog.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watcher error", "error", err)
			}
		}

		slog.Info("application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
