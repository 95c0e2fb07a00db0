// Package main is the entry point for the llmgate gateway server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rubberduck-ai/llmgate"
	"github.com/rubberduck-ai/llmgate/internal/api"
)

func main() {
	configPath := flag.String("config", "config/providers.yaml", "path to the provider configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	watch := flag.Bool("watch", true, "hot-reload the configuration file on change")
	jsonLogs := flag.Bool("json-logs", true, "emit logs as JSON")
	flag.Parse()

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting llmgate gateway", "version", llmgate.Version)

	svc, err := llmgate.New(
		llmgate.WithConfigFile(*configPath),
		llmgate.WithConfigWatch(*watch),
		llmgate.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	mux := http.NewServeMux()
	api.NewHandler(svc, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
