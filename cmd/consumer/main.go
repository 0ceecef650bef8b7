package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/presence/internal/app"
	"example.com/presence/internal/config"
	"example.com/presence/internal/consumer"
	"example.com/presence/internal/fanout"
	"example.com/presence/internal/presence"
	"example.com/presence/internal/push"
	"example.com/presence/internal/registry"
)

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

	logger := log.New(os.Stdout, "[presence-consumer] ", log.LstdFlags|log.LUTC)

	// In outbox mode the api process relays the offline events this process enqueues.
	publishing, err := app.BuildPublishing(cfg, backends, logger)
	if err != nil {
		log.Fatalf("failed to build publisher: %v", err)
	}
	defer publishing.Close()

	connections := registry.New(backends.Store)
	tracker := presence.NewTracker(backends.Store, publishing.Publisher, presence.WithRetention(cfg.LastActivityRetention))
	pusher := push.NewHTTPPusher(cfg.GatewayURL, cfg.GatewayToken, cfg.PushTimeout)
	dispatcher := fanout.NewDispatcher(connections, tracker, pusher,
		fanout.WithConcurrency(cfg.FanoutConcurrency),
		fanout.WithPushTimeout(cfg.PushTimeout),
	)
	handler := fanout.NewEnvelopeHandler(dispatcher, logger)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for _, topic := range cfg.InboundTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1,
			MaxBytes:        10e6,
			MaxWait:         500 * time.Millisecond,
			CommitInterval:  time.Second,
			ReadLagInterval: -1,
		})
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(logger), consumer.WithRetry(3, 200*time.Millisecond))

		topic := topic
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()

			log.Printf("consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
			if err := proc.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("consumer stopped with error (topic=%s): %v", topic, err)
			}
		}()
	}

	<-stop
	log.Println("consumer shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	wg.Wait()
}
