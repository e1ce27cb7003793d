package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/researcher/internal/metrics"
	"github.com/ShayCichocki/researcher/internal/server"
	"github.com/ShayCichocki/researcher/internal/signals"
	"github.com/ShayCichocki/researcher/internal/state"
)

var (
	serveAddr     string
	serveShutdown time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API",
	Long: `Start the HTTP API and progress stream.

Jobs left unfinished by a previous process are marked failed on startup.
Cancel signals dropped by 'researcher cancel' are picked up while serving.
On SIGINT or SIGTERM the server stops accepting jobs and waits for running
jobs up to --shutdown-timeout before interrupting them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&serveShutdown, "shutdown-timeout", 30*time.Second, "How long to wait for running jobs on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	recovered, err := state.NewRecoveryManager(a.db, a.logger, state.WithEventPublisher(a.pub)).RecoverInterrupted(ctx)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		printStatus("⚠", fmt.Sprintf("Marked %d interrupted job(s) failed", recovered), color.FgYellow)
	}

	watcher, err := signals.NewWatcher(cfg.Signals.Dir, func(ctx context.Context, jobID string) error {
		return a.svc.Cancel(ctx, "", jobID)
	}, signals.WithLogger(a.logger))
	if err != nil {
		a.Close(context.Background())
		return err
	}
	watcher.Start(ctx)

	srv := server.New(a.svc, server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: serveShutdown,
	}, server.WithLogger(a.logger), server.WithMetricsHandler(metrics.HandlerFor(a.registry)))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	printStatus("✓", fmt.Sprintf("Listening on %s", cfg.Server.Addr), color.FgGreen)

	var serveErr error
	select {
	case <-ctx.Done():
		printStatus("●", "Shutting down", color.FgCyan)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	watcher.Close()
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	return serveErr
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
