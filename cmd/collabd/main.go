package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"workhub/collab/internal/bridge"
	"workhub/collab/internal/collab"
	"workhub/collab/internal/config"
	"workhub/collab/internal/transport"
	"workhub/collab/internal/versionlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	ctx := context.Background()

	sink, err := versionlog.Open(ctx, cfg.VersionBackend, cfg.VersionDSN())
	if err != nil {
		log.Fatalf("version log failed: %v", err)
	}
	defer sink.Close()
	log.Printf("version log backend: %s", cfg.VersionBackend)

	opts := collab.Options{
		Liveness:         cfg.Liveness(),
		SweepEvery:       cfg.SweepEvery(),
		OfflineRetention: cfg.OfflineRetention(),
		Grace:            cfg.RoomGrace(),
		AutoReject:       cfg.AutoReject(),
		InboxDepth:       cfg.InboxDepth,
		RingDepth:        cfg.RingDepth,
		RingWindow:       cfg.RingWindow(),
		Sink:             sink,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		feed, err := bridge.NewRedis(ctx, cfg.RedisURL, cfg.NodeID)
		if err != nil {
			log.Fatalf("redis bridge failed: %v", err)
		}
		defer feed.Close()
		opts.Exporter = feed
		log.Printf("event bridge enabled on %s", cfg.RedisURL)
	}

	registry := collab.NewRegistry(opts)
	defer registry.Close()

	ws := transport.NewServer(registry, transport.Config{
		HeartbeatInterval: cfg.Heartbeat(),
		Liveness:          cfg.Liveness(),
		CORSOrigin:        cfg.CORSOrigin,
	})

	// No ReadTimeout/WriteTimeout: WebSocket connections are long-lived and
	// manage their own deadlines per frame.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           ws.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("collabd listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
