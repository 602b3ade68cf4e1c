package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/podgate/podgate/internal/metrics"
	"github.com/podgate/podgate/internal/orchestrator"
	"github.com/podgate/podgate/internal/queue"
	"github.com/podgate/podgate/internal/session"
)

// SessionStore is the slice of the state store the worker needs.
type SessionStore interface {
	PutReady(ctx context.Context, userID, addr string, now time.Time) error
	PutStatus(ctx context.Context, userID, status string) error
}

// Orchestrator is the pod adapter the worker reconciles against.
type Orchestrator interface {
	Create(ctx context.Context, userID, podName string) error
	Read(ctx context.Context, podName string) (*orchestrator.Sandbox, error)
	WaitUntilAddressable(ctx context.Context, podName string, timeout time.Duration) (string, error)
}

// Worker reconciles provisioning requests: for each queued identity it
// ensures the session pod exists and is addressable, then records the
// terminal state. Handle is idempotent, so at-least-once delivery and
// multiple replicas are safe; the orchestrator's uniqueness-by-name is the
// serialization point for concurrent creates.
type Worker struct {
	store        SessionStore
	orch         Orchestrator
	watchTimeout time.Duration
}

// New creates a lifecycle worker.
func New(store SessionStore, orch Orchestrator, watchTimeout time.Duration) *Worker {
	if watchTimeout == 0 {
		watchTimeout = 60 * time.Second
	}
	return &Worker{store: store, orch: orch, watchTimeout: watchTimeout}
}

// Run consumes provisioning messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, q *queue.Queue) error {
	return q.Consume(ctx, w.Handle)
}

// Handle processes one provisioning message. It always returns nil: the
// message is acked whether or not reconciliation succeeded. A failed
// create leaves the session "initiating" and the requester's long poll
// times it out; redelivering the message would not help, since every path
// here is already retried by the next cold request.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	start := time.Now()
	userID := msg.ID
	podName := session.PodName(userID)

	log.Printf("worker: reconciling %s -> pod %s", userID, podName)

	sb, err := w.orch.Read(ctx, podName)
	switch {
	case err == nil && sb.Running():
		// A prior attempt (or a concurrent replica) already brought the pod
		// up; just record the address.
		if err := w.store.PutReady(ctx, userID, sb.Addr, time.Now()); err != nil {
			log.Printf("worker: put_ready failed for %s: %v", userID, err)
			return nil
		}
		log.Printf("worker: session ready for %s at %s (pod already running)", userID, sb.Addr)
		metrics.ProvisionDuration.WithLabelValues("ready").Observe(time.Since(start).Seconds())
		return nil

	case err == nil:
		// Pod exists but is not addressable yet: another replica is mid-
		// create, or a prior attempt stalled. Fall through and wait for it
		// rather than stranding the session in "initiating".

	case errors.Is(err, orchestrator.ErrNotFound):
		if cerr := w.orch.Create(ctx, userID, podName); cerr != nil {
			log.Printf("worker: create failed for %s: %v", userID, cerr)
			return nil
		}

	default:
		log.Printf("worker: read failed for %s: %v", userID, err)
		return nil
	}

	addr, err := w.orch.WaitUntilAddressable(ctx, podName, w.watchTimeout)
	if err != nil {
		log.Printf("worker: pod %s not addressable: %v", podName, err)
		if serr := w.store.PutStatus(ctx, userID, session.StatusFailed); serr != nil {
			log.Printf("worker: put_status failed for %s: %v", userID, serr)
		}
		metrics.ProvisionDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		return nil
	}

	if err := w.store.PutReady(ctx, userID, addr, time.Now()); err != nil {
		log.Printf("worker: put_ready failed for %s: %v", userID, err)
		return nil
	}
	log.Printf("worker: session ready for %s at %s", userID, addr)
	metrics.ProvisionDuration.WithLabelValues("ready").Observe(time.Since(start).Seconds())
	return nil
}
