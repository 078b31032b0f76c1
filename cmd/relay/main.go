package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	signaling "kioskrtc/internal/infrastructure/signal"
	"kioskrtc/pkg/config"
	"kioskrtc/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	path := os.Getenv("KIOSKRTC_CONFIG")
	if path == "" {
		path = "configs/relay.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	opts := []signaling.RelayOption{signaling.WithWriteTimeout(cfg.Signaling.WriteTimeout)}
	if ws := cfg.RateLimiting.WebSocket; cfg.RateLimiting.Enabled {
		opts = append(opts,
			signaling.WithMessageLimit(ws.MaxMessageSizeBytes),
			signaling.WithRateLimit(ws.MessagesPerSecond, ws.Burst),
		)
	}
	relay := signaling.NewRelay(logger.Component(log, "relay"), opts...)

	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: relay.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during relay shutdown", "error", err)
		_ = srv.Close()
	}
	log.Info("relay stopped")
}
