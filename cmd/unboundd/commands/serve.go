package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unbound-app/daemon/internal/breaker"
	"github.com/unbound-app/daemon/internal/config"
	"github.com/unbound-app/daemon/internal/event"
	"github.com/unbound-app/daemon/internal/logging"
	"github.com/unbound-app/daemon/internal/relay"
	"github.com/unbound-app/daemon/internal/rpc"
	"github.com/unbound-app/daemon/internal/session"
	"github.com/unbound-app/daemon/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir()
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting unboundd")
	logging.Info().Str("directory", workDir).Msg("working directory")

	store, err := storage.Open(paths.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	bus := event.NewBus()
	defer bus.Close()

	engine := session.NewEngine(cfg, store, bus)
	sessions := session.NewService(store, bus)
	relayBreaker := breaker.New()

	relayClient := relay.NewClient(cfg.RelayEndpoint, relayBreaker, time.Duration(cfg.RelayPublishTimeoutSeconds)*time.Second)
	relaySrv := relay.NewServer(config.RelaySocketPath(), relayClient, cfg.RelayDefaultChannel)
	unbridge := relaySrv.Bridge(bus)
	defer unbridge()

	rpcSrv := rpc.NewServer(config.SocketPath(), store, sessions, engine, bus, relayBreaker)

	errCh := make(chan error, 2)
	go func() {
		logging.Info().Str("socket", config.SocketPath()).Msg("rpc server listening")
		if err := rpcSrv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logging.Info().Str("socket", config.RelaySocketPath()).Msg("relay server listening")
		if err := relaySrv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		logging.Error().Err(err).Msg("a transport server failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rpcSrv.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("rpc server shutdown error")
	}
	if err := relaySrv.Close(); err != nil {
		logging.Warn().Err(err).Msg("relay server shutdown error")
	}
	for sessionID, err := range engine.StopAll() {
		logging.Warn().Str("session_id", sessionID).Err(err).Msg("failed to stop in-flight session on shutdown")
	}

	logging.Info().Msg("unboundd stopped")
	return nil
}
