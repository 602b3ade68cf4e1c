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
	"github.com/podgate/podgate/internal/queue"
	"github.com/podgate/podgate/internal/session"
	"github.com/podgate/podgate/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("worker: failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := session.NewStore(cfg.RedisAddr, cfg.RedisPassword)
	defer store.Close()
	log.Printf("worker: waiting for state store at %s", cfg.RedisAddr)
	if err := store.WaitReady(ctx); err != nil {
		log.Fatalf("worker: state store never became ready: %v", err)
	}

	orch, err := orchestrator.New(cfg.Namespace, cfg.SandboxImage, cfg.SandboxPort)
	if err != nil {
		log.Fatalf("worker: failed to build kubernetes client: %v", err)
	}

	q, err := queue.Connect(cfg.NATSURL, cfg.NATSUser, cfg.NATSPassword)
	if err != nil {
		log.Fatalf("worker: failed to connect to broker: %v", err)
	}
	defer q.Close()

	ops := metrics.NewOpsServer()
	go func() {
		if err := ops.Start(cfg.OpsAddr); err != nil && err != http.ErrServerClosed {
			log.Printf("worker: ops server: %v", err)
		}
	}()

	w := worker.New(store, orch, cfg.WatchTimeout)

	done := make(chan error, 1)
	go func() {
		log.Printf("worker: consuming provisioning requests (namespace %s, image %s)", cfg.Namespace, cfg.SandboxImage)
		done <- w.Run(ctx, q)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("worker: shutting down...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("worker: consume loop failed: %v", err)
		}
	}
	ops.Close()
}
