package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studytrace/recorder-agent/internal/client"
	"studytrace/recorder-agent/internal/config"
	"studytrace/recorder-agent/internal/database"
	"studytrace/recorder-agent/internal/device"
	"studytrace/recorder-agent/internal/exporter"
	"studytrace/recorder-agent/internal/journal"
	"studytrace/recorder-agent/internal/logger"
	"studytrace/recorder-agent/internal/platform"
	"studytrace/recorder-agent/internal/service"
	"studytrace/recorder-agent/internal/storage"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting recorder agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	capturer, err := platform.NewPlatform()
	if err != nil {
		log.Fatal("Failed to initialize capture platform", zap.Error(err))
	}

	blobs, err := storage.NewBlobStore(cfg.Capture.DataDir, cfg.Capture.ThumbnailWidth, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize blob store", zap.Error(err))
	}

	deviceInfo := device.NewManager().Describe(cfg.Device.ID, cfg.Device.Name)
	log.Info("Device identity resolved",
		zap.String("device_id", deviceInfo.DeviceID),
		zap.String("hostname", deviceInfo.Hostname),
	)

	apiClient := client.NewAPIClient(
		cfg.Backend.BaseURL,
		cfg.Backend.Token,
		time.Duration(cfg.Backend.Timeout)*time.Second,
		log.Logger,
	)

	jrnl := journal.New(db.DB, log.Logger)

	exp := exporter.New(cfg, apiClient, deviceInfo, log.Logger)

	recorder := service.New(cfg, capturer, blobs, exp, apiClient, jrnl, log.Logger)
	if err := recorder.Start(); err != nil {
		log.Fatal("Failed to start recorder service", zap.Error(err))
	}

	log.Info("Recorder agent started successfully",
		zap.String("backend_url", cfg.Backend.BaseURL),
		zap.String("transport", exp.TransportName()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case reason := <-recorder.ShutdownRequests():
		log.Info("Shutdown requested by trigger", zap.String("reason", reason))
	}

	log.Info("Shutting down recorder agent...")

	done := make(chan struct{})
	go func() {
		recorder.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Recorder service stopped successfully")
	case <-time.After(5 * time.Second):
		log.Warn("Shutdown timeout reached, forcing immediate exit")
		os.Exit(1)
	}

	if err := jrnl.Cleanup(30 * 24 * time.Hour); err != nil {
		log.Error("Failed to cleanup journal", zap.Error(err))
	}

	log.Info("Recorder agent stopped")
}
