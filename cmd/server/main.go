package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/audience-dispatch/internal/api"
	"github.com/ignite/audience-dispatch/internal/bootstrap"
	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/tracking"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	log.Println("Starting campaign dispatch API...")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.ShouldRedact())

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Startup aborted: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.Close()
	log.Println("Connected to database")
	if app.Redis != nil {
		log.Println("Connected to Redis (leases and rate limits)")
	} else {
		log.Println("Redis not configured, using PostgreSQL advisory locks")
	}

	h := api.NewHandlers(app.Service, app.Suppression, app.Tracker)
	h.SetTestSender(app.Dispatcher)
	h.SetStuckFixer(app.Reconciler)
	h.SetRepairLister(app.Audit)
	if app.SQS != nil {
		h.SetCallbackPublisher(tracking.NewPublisher(app.SQS, cfg.Callbacks.QueueURL))
		log.Printf("Delivery callbacks queued to %s", cfg.Callbacks.QueueURL)
	} else {
		log.Println("Delivery callbacks applied inline")
	}

	health := api.NewHealthChecker(app.DB, app.Redis)
	server := api.NewServer(cfg.Server, h, health, cfg.CORS)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Interrupted dispatches are parked in paused and release their leases.
	app.Dispatcher.Shutdown()
	log.Println("Server stopped")
}
