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

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spider-stats-pusher/internal/api"
	"github.com/spider-stats-pusher/internal/config"
	"github.com/spider-stats-pusher/internal/logging"
	"github.com/spider-stats-pusher/internal/metrics"
	"github.com/spider-stats-pusher/internal/notify"
	"github.com/spider-stats-pusher/internal/telemetry"
)

const version = "1.0.0"

func main() {
	configPath := pflag.StringP("config", "c", "config.json", "path to the JSON config file")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	log.SetFormatter(&log.JSONFormatter{})
	log.Infof("Starting spider stats pusher v%s", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	// Phase 1: build everything. Configuration errors surface here, before
	// any goroutine or connection exists.
	pipeline, err := telemetry.New(cfg, telemetry.Deps{Metrics: metricsCollector})
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Phase 2: start the background loops, then the producers.
	if err := pipeline.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	log.WithFields(log.Fields{
		"targets":  len(cfg.Push.Targets),
		"interval": cfg.Report.Interval().String(),
	}).Info("Pipeline running")

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, pipeline, metricsCollector)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("API server failed: %v", err)
				cancel()
			}
		}()
	}

	pipeline.Enqueue(notify.Text{Body: fmt.Sprintf("%s/%s started", cfg.Report.ServerName, cfg.Report.ScraperName)})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Infof("Received %s, shutting down gracefully...", sig)
	case <-ctx.Done():
		log.Warn("Shutting down after component failure...")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- pipeline.Close() }()
	select {
	case err := <-done:
		if err != nil {
			log.Errorf("Pipeline shutdown error: %v", err)
		}
	case <-shutdownCtx.Done():
		log.Error("Pipeline did not stop within the shutdown window")
	}

	log.Info("Shutdown complete")
}
