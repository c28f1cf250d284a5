package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channelsync/internal/api"
	"channelsync/internal/app"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := app.LoadConfig("api-main")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Items enqueued by notifications wake the workers.
	if _, err := rt.DispatchQueue(ctx, false); err != nil {
		logger.Error().Err(err).Msg("init dispatch queue")
		return err
	}

	httpServer := api.NewHTTPServer(cfg.API, rt.DB, rt.Orchestrator, rt.Calendar, logger)

	app.StartMetrics(ctx, cfg, logger)

	return serve(ctx, httpServer, cfg.API.HTTP.Port, logger)
}

func serve(ctx context.Context, httpServer *api.HTTPServer, port int, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", port).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}
