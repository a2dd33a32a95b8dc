package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/onecast/onecast/internal/adapters/http"
	sig "github.com/onecast/onecast/internal/adapters/signal"
	"github.com/onecast/onecast/internal/config"
	"github.com/onecast/onecast/internal/media/kurento"
	"github.com/onecast/onecast/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Nothing useful can run without the media server; failing to reach it
	// at startup is fatal.
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.CallTimeout)
	client, err := kurento.Dial(dialCtx, cfg.MediaURL, cfg.PingPeriod)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.MediaURL).Msg("media server unreachable")
	}

	registry := session.NewRegistry(client)
	publisher := session.NewPublisher(client, cfg.PublishURI)

	ctl := sig.NewController(registry, publisher, client)
	ctl.Timeout = cfg.CallTimeout
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod
	ctl.DebugDir = cfg.DebugDir

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("publish_uri", cfg.PublishURI).Msg("onecast server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	select {
	case <-ctx.Done():
	case <-client.Done():
		log.Error().Msg("media server connection lost")
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	publisher.Shutdown(shutdownCtx)
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("media client close")
	}
	log.Info().Msg("Server exited gracefully")
}
