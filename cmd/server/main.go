package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersync/backend/internal/app"
	"ordersync/backend/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := app.Open(openCtx, cfg)
	openCancel()
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	go a.Sweeper.Run(runCtx, time.Duration(cfg.SweepIntervalMinutes)*time.Minute)
	if a.PullSync != nil {
		go a.PullSync.Run(runCtx)
		log.Printf("pull sync: polling %s", cfg.PullSync.URL)
	}

	// Bulk batches commit one order at a time, so writes get far more room
	// than reads.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.API().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("order sync listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopWorkers()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	a.Close()

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS must list at least one integrator key")
	}
	if cfg.PullSync.URL != "" && cfg.PullSync.APIKey == "" {
		return fmt.Errorf("PULL_SYNC_API_KEY must be set when PULL_SYNC_URL is set")
	}
	return nil
}
