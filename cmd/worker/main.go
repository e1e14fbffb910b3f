package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/audience-dispatch/internal/bootstrap"
	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/tracking"
	"github.com/ignite/audience-dispatch/internal/worker"
)

func main() {
	log.Println("Starting campaign dispatch worker...")

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.ShouldRedact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.Close()
	log.Println("Connected to database")

	var scheduler *worker.CampaignScheduler
	if cfg.Scheduler.Enabled {
		scheduler = worker.NewCampaignScheduler(app.Campaigns, app.Dispatcher,
			cfg.Scheduler.PollInterval(), cfg.Scheduler.BatchLimit)
		go scheduler.Start(ctx)
		log.Printf("Campaign scheduler started (poll every %s)", cfg.Scheduler.PollInterval())
	}

	if cfg.Reconciler.Enabled {
		go app.Reconciler.Start(ctx)
		log.Printf("Stuck-campaign reconciler started (every %s, stale after %s)",
			cfg.Reconciler.Interval(), cfg.Reconciler.StaleAfter())
	}

	var consumer *tracking.Consumer
	if app.SQS != nil {
		consumer = tracking.NewConsumer(app.SQS, cfg.Callbacks.QueueURL, app.Tracker.ApplyFunc())
		consumer.Start(ctx)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if scheduler != nil {
					launched, errs := scheduler.Stats()
					logger.Info("scheduler heartbeat", "launched", launched, "errors", errs)
				}
				if consumer != nil {
					processed, dropped, failed := consumer.Stats()
					logger.Info("callback consumer heartbeat", "processed", processed, "dropped", dropped, "failed", failed)
				}
			}
		}
	}()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	if consumer != nil {
		consumer.Stop()
	}
	app.Dispatcher.Shutdown()

	log.Println("Worker stopped")
}
