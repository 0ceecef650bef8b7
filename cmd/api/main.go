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

	"example.com/presence/internal/api"
	"example.com/presence/internal/app"
	"example.com/presence/internal/auth"
	"example.com/presence/internal/config"
	"example.com/presence/internal/fanout"
	"example.com/presence/internal/gateway"
	"example.com/presence/internal/presence"
	"example.com/presence/internal/push"
	"example.com/presence/internal/registry"
	httptransport "example.com/presence/internal/transport/http"
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

	logger := log.New(os.Stdout, "[presence-api] ", log.LstdFlags|log.LUTC)

	publishing, err := app.BuildPublishing(cfg, backends, logger)
	if err != nil {
		log.Fatalf("failed to build publisher: %v", err)
	}
	defer publishing.Close()
	if publishing.Dispatcher != nil {
		go publishing.Dispatcher.Start(ctx)
	}

	verifier, err := auth.NewJWTVerifier(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	if err != nil {
		log.Fatalf("failed to build verifier: %v", err)
	}

	connections := registry.New(backends.Store)
	tracker := presence.NewTracker(backends.Store, publishing.Publisher, presence.WithRetention(cfg.LastActivityRetention))

	// Client frames reach sockets held here directly; the rest go through the gateway fleet.
	hub := gateway.NewHub()
	var remote push.Pusher
	if cfg.GatewayURL != "" {
		remote = push.NewHTTPPusher(cfg.GatewayURL, cfg.GatewayToken, cfg.PushTimeout)
	}
	dispatcher := fanout.NewDispatcher(connections, tracker, gateway.NewRoutedPusher(hub, cfg.GatewayInstanceID, remote),
		fanout.WithConcurrency(cfg.FanoutConcurrency),
		fanout.WithPushTimeout(cfg.PushTimeout),
	)
	ws := gateway.NewServer(hub, connections, tracker, verifier,
		gateway.Config{ManagementToken: cfg.GatewayToken, AllowedOrigin: cfg.AllowedOrigin, InstanceID: cfg.GatewayInstanceID},
		gateway.WithInbound(fanout.NewEnvelopeHandler(dispatcher, nil)),
	)

	mux := http.NewServeMux()
	api.NewHandler(tracker).RegisterRoutes(mux)
	ws.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// The socket endpoint verifies its own token; management calls use the gateway token.
	authMiddleware := auth.NewMiddleware(verifier, auth.SkipPaths("/healthz", "/metrics", "/v1/ws", "/@connections/"))

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:           cfg.HTTPAddress,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, httptransport.LogRequests(logger, httptransport.CORS(cfg.AllowedOrigin, authMiddleware.Wrap(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("presence-api listening on %s (store=%s, publisher=%s)", cfg.HTTPAddress, cfg.StoreBackend, cfg.PublisherMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	log.Println("presence-api shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Printf("websocket drain incomplete: %v", err)
	}

	cancel()
	if publishing.Dispatcher != nil {
		publishing.Dispatcher.Wait()
	}
}
