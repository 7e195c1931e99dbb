package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attendcast/config"
	"attendcast/db"
	ahttp "attendcast/http"
	"attendcast/logging"
	"attendcast/ml"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	store, err := db.Open(cfg.Database.Driver, cfg.DSN())
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()
	logger.Info("database connected", zap.String("driver", cfg.Database.Driver))

	// No model means no predictions at all; refuse to start rather than
	// serve a dashboard that cannot do its job.
	watcher, err := ml.NewModelWatcher(cfg.Model.Path, logger)
	if err != nil {
		logger.Fatal("failed to load model artifact, run cmd/train_model first",
			zap.String("path", cfg.Model.Path), zap.Error(err))
	}
	defer watcher.Close()
	logger.Info("model loaded",
		zap.String("path", cfg.Model.Path),
		zap.Int("trees", len(watcher.Model().Trees)),
		zap.Time("trained_at", watcher.Model().TrainedAt))

	if cfg.Model.WatchReload {
		if err := watcher.Watch(); err != nil {
			logger.Warn("model hot reload disabled", zap.Error(err))
		}
	}

	hub := ahttp.NewEventHub(logger)
	go hub.Run()

	api := ahttp.NewAPI(store, watcher, hub, ahttp.RetrainConfig{
		ModelPath: cfg.Model.Path,
		Options: ml.TrainOptions{
			Forest: ml.ForestOptions{
				Trees:    cfg.Model.Trees,
				MaxDepth: cfg.Model.MaxDepth,
				MinLeaf:  cfg.Model.MinLeaf,
				Seed:     cfg.Model.Seed,
			},
			TestRatio: cfg.Model.TestRatio,
			MinRows:   cfg.Model.MinRows,
		},
	}, logger)

	serverCfg := ahttp.DefaultServerConfig()
	serverCfg.Port = cfg.Http.Port
	if cfg.Http.Timeout > 0 {
		serverCfg.Timeout = cfg.Http.Timeout
	}
	server := ahttp.NewServer(serverCfg, api, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
}
