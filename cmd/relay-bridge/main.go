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

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"relay-bridge/internal/api"
	"relay-bridge/internal/bridge"
	"relay-bridge/internal/config"
	"relay-bridge/internal/relay"
	"relay-bridge/pkg/telemetry"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	zlog.Logger = logger

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("application failure")
	}
}

func run(logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	tracerProvider, err := telemetry.InitTracer(ctx, cfg.TelemetryEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("error shutting down tracer provider")
			}
		}()
		logger.Info().Str("endpoint", cfg.TelemetryEndpoint).Msg("telemetry enabled")
	} else {
		logger.Info().Msg("telemetry disabled (no endpoint configured)")
	}

	homeURL, err := cfg.HomeDialURL()
	if err != nil {
		return fmt.Errorf("home relay url: %w", err)
	}

	logger.Info().
		Str("home_url", cfg.HomeURL).
		Str("remote_url", cfg.RemoteURL).
		Str("registry_url", cfg.RegistryURL).
		Int("poll_interval_sec", cfg.PollIntervalSec).
		Bool("announce_first", cfg.AnnounceFirst).
		Msg("starting relay bridge")

	// Broadcasts we publish INTO the home network, and broadcasts we
	// receive FROM the third-party network.
	toHome := relay.NewOrigin()
	fromRemote := relay.NewOrigin()

	bridges := bridge.NewActiveBridges()
	sessionRef := bridge.NewSessionRef()

	client := relay.NewWSClient(logger.With().Str("component", "relay-client").Logger())

	homeSup := bridge.NewHomeSupervisor(client, homeURL, toHome.Consumer(),
		logger.With().Str("component", "supervisor").Logger())
	remoteSup := bridge.NewRemoteSupervisor(client, cfg.RemoteURL, fromRemote.Producer(), sessionRef,
		logger.With().Str("component", "supervisor").Logger())

	poller := bridge.NewRegistryPoller(cfg.RegistryURL, cfg.BridgeOrigin,
		logger.With().Str("component", "registry").Logger())
	orchestrator := bridge.NewOrchestrator(
		time.Duration(cfg.PollIntervalSec)*time.Second,
		poller,
		bridges,
		sessionRef,
		fromRemote.Consumer(),
		toHome.Producer(),
		bridge.Options{
			AnnounceFirst:   cfg.AnnounceFirst,
			NamespaceDomain: cfg.NamespaceDomain,
		},
		logger.With().Str("component", "orchestrator").Logger(),
	)

	go homeSup.Run(ctx)
	go remoteSup.Run(ctx)
	go orchestrator.Run(ctx)

	apiHandler := api.NewHandler(cfg, bridges, homeSup, remoteSup)
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("starting status HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		return err
	case <-stop:
		logger.Info().Msg("shutting down")
	}

	// In-flight bridges are abandoned on shutdown; the relay sessions
	// release their resources when the process exits.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
