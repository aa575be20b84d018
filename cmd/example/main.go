// Command example is a small web shop that reports its traffic, sessions and
// errors through the tinycount SDK. Run cmd/collector next to it to see the
// requests arrive.
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

	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/logging"
	"github.com/nicktill/tinycount/pkg/sdk"
	"github.com/nicktill/tinycount/pkg/sdk/httpx"
)

const listenAddr = ":3000"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	simulate := flag.Bool("simulate", true, "generate demo traffic")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.New(logging.DefaultConfig())
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Timestamp: true,
	})

	if err := run(cfg, logger, *simulate); err != nil {
		logger.Fatal().Err(err).Msg("example app failed")
	}
}

func run(cfg *config.File, logger zerolog.Logger, simulate bool) error {
	clientCfg := sdk.FromFile(cfg)
	clientCfg.Logger = logging.Component(logger, "tinycount")
	clientCfg.AppVersion = config.SDKVersion
	clientCfg.RemoteConfigAutoUpdate = true

	client, err := sdk.New(clientCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := client.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("tinycount client did not stop cleanly")
		}
	}()

	if err := client.BeginSession(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	shop := newShop(client, logger)
	shop.register(mux)

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      httpx.Middleware(client)(mux),
		ReadTimeout:  config.CollectorReadTimeout,
		WriteTimeout: config.CollectorWriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Str("server_url", cfg.ServerURL).Msg("example shop listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if simulate {
		go simulateTraffic(ctx, "http://localhost"+listenAddr, logger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}

	if err := client.EndSession(shutdownCtx); err != nil && !errors.Is(err, sdk.ErrNoSession) {
		logger.Warn().Err(err).Msg("failed to end session")
	}
	return nil
}
