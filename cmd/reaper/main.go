package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/podgate/podgate/internal/config"
	"github.com/podgate/podgate/internal/metrics"
	"github.com/podgate/podgate/internal/orchestrator"
	"github.com/podgate/podgate/internal/reaper"
	"github.com/podgate/podgate/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("reaper: failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := session.NewStore(cfg.RedisAddr, cfg.RedisPassword)
	defer store.Close()
	log.Printf("reaper: waiting for state store at %s", cfg.RedisAddr)
	if err := store.WaitReady(ctx); err != nil {
		log.Fatalf("reaper: state store never became ready: %v", err)
	}

	orch, err := orchestrator.New(cfg.Namespace, cfg.SandboxImage, cfg.SandboxPort)
	if err != nil {
		log.Fatalf("reaper: failed to build kubernetes client: %v", err)
	}

	ops := metrics.NewOpsServer()
	go func() {
		if err := ops.Start(cfg.OpsAddr); err != nil && err != http.ErrServerClosed {
			log.Printf("reaper: ops server: %v", err)
		}
	}()

	// An initiating record is orphaned once nobody can still be long-polling
	// it, hence twice the gateway's bound.
	r := reaper.New(store, orch, cfg.IdleTimeout, 2*cfg.LongPollBound, cfg.ReapPeriod)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("reaper: shutting down...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("reaper: scan loop failed: %v", err)
		}
	}
	ops.Close()
}
