package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/presence/internal/app"
	"example.com/presence/internal/config"
	"example.com/presence/internal/outbox"
	"example.com/presence/internal/presence"
	"example.com/presence/internal/registry"
)

const defaultDLQBatchSize = 50

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := app.OpenBackends(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer backends.Close()

	logger := log.New(os.Stdout, "[presence-sweeper] ", log.LstdFlags|log.LUTC)

	publishing, err := app.BuildPublishing(cfg, backends, logger)
	if err != nil {
		log.Fatalf("failed to build publisher: %v", err)
	}
	defer publishing.Close()

	tracker := presence.NewTracker(backends.Store, publishing.Publisher, presence.WithRetention(cfg.LastActivityRetention))
	sweeper := presence.NewSweeper(backends.Store, tracker, registry.New(backends.Store),
		presence.WithSweepLogger(logger),
		presence.WithBatchSize(cfg.SweepBatchSize),
		presence.WithStaleAfter(cfg.SweepStaleAfter),
		presence.WithRecheckWithin(cfg.SweepRecheck),
	)

	var dlq *outbox.DLQManager
	if cfg.PublisherMode == config.PublisherOutbox && backends.Pool != nil {
		dlq = outbox.NewDLQManager(backends.Pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("sweeper metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("sweeper started (interval=%s, store=%s, dlq=%t)", cfg.SweepInterval, cfg.StoreBackend, dlq != nil)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-ticker.C:
			result, err := sweeper.Sweep(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("sweep error: %v", err)
			}
			if result.Expired > 0 || result.Reconciled > 0 || result.Restored > 0 {
				log.Printf("sweep expired=%d reconciled=%d restored=%d", result.Expired, result.Reconciled, result.Restored)
			}
			if dlq == nil {
				continue
			}
			requeued, err := dlq.RunOnce(ctx, defaultDLQBatchSize)
			if err != nil {
				log.Printf("dlq manager error: %v", err)
			} else if requeued > 0 {
				log.Printf("dlq manager requeued %d entries", requeued)
			}
		case <-stop:
			log.Println("sweeper received shutdown signal")
			cancel()
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}
