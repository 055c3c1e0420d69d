// Command scrollward runs the doomscroll tracking core: an HTTP/WS surface
// for page contexts, or a headless sampler pointed at a single page.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrollward/scrollward/internal/app"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/server"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "scrollward",
	Short: "scrollward - doomscroll tracking and dark-pattern detection",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/WS API surface with periodic jobs",
	RunE:  runServe,
}

var sampleCmd = &cobra.Command{
	Use:   "sample <url>",
	Short: "Sample one page with the headless browser until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runSample,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd, sampleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewStdoutLogger("scrollward")

	srv, err := server.NewServer(server.Config{
		ListenAddr: cfg.ListenAddr,
		AppConfig:  cfg,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	if err := srv.Orchestrator().Start(); err != nil {
		return fmt.Errorf("start periodic jobs: %w", err)
	}

	httpSrv := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Field{Key: "addr", Value: cfg.ListenAddr})
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", logging.Field{Key: "signal", Value: sig.String()})
		return httpSrv.Shutdown(context.Background())
	}
}

func runSample(cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewStdoutLogger("scrollward")

	orch, err := app.NewOrchestrator(cfg, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer orch.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := orch.WatchPage(ctx, args[0]); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
