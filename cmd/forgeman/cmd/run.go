/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/forgeman-ai/forgeman/internal/logging"
)

var runMetricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine: drive submitted tasks to completion",
	Long: `Run the long-running engine process. It admits queued tasks up
to the configured concurrency bound, drives each through its FSM, and
serves Prometheus metrics until it receives SIGINT/SIGTERM, at which
point it stops admitting new tasks, cancels the in-flight ones and waits
up to two minutes for them to finish before exiting.

Examples:
  forgeman run
  forgeman run --metrics-addr :9090`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", ":9090", "Address to serve /metrics on")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: runMetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go eng.Scheduler.Run(runCtx)

	log.Info().Str("metrics_addr", runMetricsAddr).Msg("engine started")
	<-sigCh
	log.Info().Msg("shutdown signal received, draining in-flight tasks")
	cancel()

	if err := eng.Scheduler.Shutdown(context.Background(), 2*time.Minute); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	_ = srv.Close()
	return nil
}
