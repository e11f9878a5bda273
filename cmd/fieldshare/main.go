package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/fieldshare/internal/app"
	"github.com/antoniostano/fieldshare/internal/config"
	"github.com/antoniostano/fieldshare/internal/logging"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.Fatalf("env file error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		logrus.Fatalf("logging setup failed: %v", err)
	}
	defer logCloser.Close()

	built, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"source": built.SourceInfo.Kind,
		"detail": built.SourceInfo.Detail,
	}).Info("position source selected")

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if id := cfg.AutoStartBookingID; id != "" {
		if err := built.Manager.StartSharing(id); err != nil {
			logger.WithError(err).WithField("booking_id", id).Warn("autostart sharing failed")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var listenErr error
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case listenErr = <-serverErr:
		logger.WithError(listenErr).Error("listen error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("sharing shutdown incomplete")
	}

	logger.Info("shutdown complete")
	if listenErr != nil {
		_ = logCloser.Close()
		os.Exit(1)
	}
}
