package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/emberchat/emberhub/internal/config"
	"github.com/emberchat/emberhub/internal/hub"
	"github.com/emberchat/emberhub/internal/monitoring"
	"github.com/emberchat/emberhub/internal/server"
	"github.com/emberchat/emberhub/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before the structured one exists.
	bootLogger := log.New(os.Stdout, "[emberhub] ", log.LstdFlags)
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sqlStore *store.SQLStore
	if cfg.SQLURL != "" {
		sqlStore, err = store.ConnectSQL(ctx, cfg.SQLURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("SQL backend connection failed")
		}
		defer sqlStore.Close()
		logger.Info().Msg("SQL backend connected")
	}

	var kvStore *store.KVStore
	if cfg.KVURL != "" {
		kvStore, err = store.ConnectKV(ctx, cfg.KVURL, cfg.KVPresenceTTL(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("KV backend connection failed")
		}
		defer kvStore.Close()
		logger.Info().Msg("KV backend connected")
	}

	h := hub.New(hub.Options{
		Logger: logger,
		SQL:    sqlStore,
		KV:     kvStore,
	})
	go h.RunGC(ctx, cfg.GCInterval)

	sampler := monitoring.NewStatusSampler(logger)
	go sampler.Run(ctx, cfg.StatusSampleInterval)

	srv := server.New(cfg, logger, h, sampler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	cancel()
	logger.Info().Msg("Graceful shutdown completed")
}
