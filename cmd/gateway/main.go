package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/podgate/podgate/internal/config"
	"github.com/podgate/podgate/internal/gateway"
	"github.com/podgate/podgate/internal/metrics"
	"github.com/podgate/podgate/internal/queue"
	"github.com/podgate/podgate/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("gateway: failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := session.NewStore(cfg.RedisAddr, cfg.RedisPassword)
	defer store.Close()
	log.Printf("gateway: waiting for state store at %s", cfg.RedisAddr)
	if err := store.WaitReady(ctx); err != nil {
		log.Fatalf("gateway: state store never became ready: %v", err)
	}

	q, err := queue.Connect(cfg.NATSURL, cfg.NATSUser, cfg.NATSPassword)
	if err != nil {
		log.Fatalf("gateway: failed to connect to broker: %v", err)
	}
	defer q.Close()

	srv := gateway.NewServer(gateway.Options{
		Store:         store,
		Publisher:     q,
		SandboxPort:   cfg.SandboxPort,
		LongPollBound: cfg.LongPollBound,
		PollInterval:  cfg.PollInterval,
		ProxyTimeout:  cfg.ProxyTimeout,
	})

	ops := metrics.NewOpsServer()
	go func() {
		if err := ops.Start(cfg.OpsAddr); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway: ops server: %v", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("gateway: listening on %s", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("gateway: shutting down...")
	srv.Close()
	ops.Close()
}
