// Command collector runs a development collection server for the tinycount
// SDK. Configuration comes from an optional YAML file and TINYCOUNT_ env vars.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/collector"
	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("collector failed")
	}
}

func run(cfg *config.File, logger zerolog.Logger) error {
	handler := collector.New(collector.Config{
		AppKey: cfg.AppKey,
		Salt:   cfg.Salt,
		Remote: remoteValues(cfg.Collector.Remote),
		Logger: logging.Component(logger, "collector"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.Hub().Run(ctx)
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Collector.Port,
		Handler:      handler.Router(),
		ReadTimeout:  config.CollectorReadTimeout,
		WriteTimeout: config.CollectorWriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Bool("checksum", cfg.Salt != "").
			Int("remote_keys", len(cfg.Collector.Remote)).
			Msg("collector listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// the hub has to stop before wg.Wait
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("background tasks did not stop in time")
	}

	logger.Info().Int("recorded", len(handler.Requests())).Msg("collector exited")
	return nil
}

// remoteValues decodes each configured value as JSON, keeping it as a
// string when it is not valid JSON.
func remoteValues(raw map[string]string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out
}
