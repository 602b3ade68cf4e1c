package reaper

import (
	"context"
	"log"
	"time"

	"github.com/podgate/podgate/internal/metrics"
	"github.com/podgate/podgate/internal/session"
)

// SessionStore is the slice of the state store the reaper needs.
type SessionStore interface {
	ScanSessions(ctx context.Context) ([]string, error)
	Get(ctx context.Context, userID string) (*session.Record, error)
	Delete(ctx context.Context, userID string) error
}

// PodDeleter tears down session pods. Deleting an absent pod must succeed.
type PodDeleter interface {
	Delete(ctx context.Context, podName string) error
}

// Reaper periodically scans session records and evicts the ones that have
// gone idle, deleting the pod before the record so a surviving record always
// points at a pod that existed at scan time.
type Reaper struct {
	store       SessionStore
	pods        PodDeleter
	idleTimeout time.Duration
	staleBound  time.Duration
	period      time.Duration
}

// New creates a reaper. staleBound caps how long an "initiating" record may
// sit with no worker progress before it is treated as orphaned; it should be
// comfortably larger than the gateway's long-poll bound.
func New(store SessionStore, pods PodDeleter, idleTimeout, staleBound, period time.Duration) *Reaper {
	if idleTimeout == 0 {
		idleTimeout = 600 * time.Second
	}
	if staleBound == 0 {
		staleBound = 180 * time.Second
	}
	if period == 0 {
		period = 60 * time.Second
	}
	return &Reaper{
		store:       store,
		pods:        pods,
		idleTimeout: idleTimeout,
		staleBound:  staleBound,
		period:      period,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and retried on
// the next period.
func (r *Reaper) Run(ctx context.Context) error {
	log.Printf("reaper: scanning every %s, idle timeout %s", r.period, r.idleTimeout)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx, time.Now()); err != nil {
				log.Printf("reaper: scan failed: %v", err)
			}
		}
	}
}

// Tick performs one scan-and-evict pass.
func (r *Reaper) Tick(ctx context.Context, now time.Time) error {
	ids, err := r.store.ScanSessions(ctx)
	if err != nil {
		return err
	}
	metrics.SessionsActive.Set(float64(len(ids)))

	for _, userID := range ids {
		rec, err := r.store.Get(ctx, userID)
		if err != nil {
			log.Printf("reaper: read failed for %s: %v", userID, err)
			continue
		}
		if rec == nil {
			// Deleted between scan and read.
			continue
		}

		switch {
		case rec.Status == session.StatusInitiating && rec.LastActive == 0:
			// Provisioning in flight, or orphaned by a crashed worker. Only
			// created_at can tell the two apart.
			age := now.Unix() - rec.CreatedAt
			if rec.CreatedAt == 0 || age <= int64(r.staleBound.Seconds()) {
				continue
			}
			log.Printf("reaper: session for %s stuck initiating for %ds, evicting", userID, age)
			r.reap(ctx, userID, metrics.ReasonStaleInitiating)

		default:
			idle := rec.Idle(now.Unix())
			if idle < 0 {
				// No activity stamp; fall back to record age.
				idle = now.Unix() - rec.CreatedAt
			}
			if idle <= int64(r.idleTimeout.Seconds()) {
				continue
			}
			log.Printf("reaper: session for %s idle for %ds, evicting", userID, idle)
			r.reap(ctx, userID, metrics.ReasonIdle)
		}
	}
	return nil
}

// reap deletes the pod, then the record. A pod delete failure leaves the
// record in place so the next tick retries the whole eviction.
func (r *Reaper) reap(ctx context.Context, userID, reason string) {
	podName := session.PodName(userID)
	if err := r.pods.Delete(ctx, podName); err != nil {
		log.Printf("reaper: pod delete failed for %s, keeping record: %v", podName, err)
		return
	}
	if err := r.store.Delete(ctx, userID); err != nil {
		log.Printf("reaper: record delete failed for %s: %v", userID, err)
		return
	}
	metrics.SessionsReaped.WithLabelValues(reason).Inc()
	log.Printf("reaper: evicted session for %s (pod %s)", userID, podName)
}
