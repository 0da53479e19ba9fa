package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/bundlepay/server/internal/httpserver"
	"github.com/bundlepay/server/pkg/bundler"
)

// shutdownGrace bounds the drain of in-flight uploads after a signal.
const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("BUNDLER_CONFIG"), "path to YAML configuration")
	flag.Parse()

	// .env is a development convenience; deployments set the environment
	// directly. Missing file is not an error.
	_ = godotenv.Load()

	cfg, err := bundler.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("main.config_load_failed")
	}

	app, err := bundler.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("main.app_init_failed")
	}
	appLogger := app.Logger()

	// Workers run until Close; the signal context below only decides when
	// shutdown begins.
	app.Start(context.Background())

	srv := httpserver.New(cfg, app.Handler())

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("route_prefix", cfg.Server.RoutePrefix).
			Msg("server.listening")
		serveErr <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("server.shutdown_signal")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	// Drain in-flight requests before stopping the workers and stores they
	// depend on.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_failed")
	}

	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("server.cleanup_failed")
	}
	appLogger.Info().Msg("server.stopped")
}
