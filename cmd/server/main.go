package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/app"
	"github.com/ksred/klear-exec/internal/config"
)

// setupLogging enables pretty console output outside production.
// DEBUG=true overrides the configured level.
func setupLogging(cfg config.LogConfig, production bool) {
	if cfg.Pretty && !production {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if os.Getenv("DEBUG") == "true" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *configPath == "")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log, cfg.IsProduction())
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backbone, err := app.New(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize execution backbone")
	}
	backbone.Start()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           backbone.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	cancel()
	if err := backbone.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Backbone shutdown incomplete")
	}

	zlog.Info().Msg("Server exiting")
}
