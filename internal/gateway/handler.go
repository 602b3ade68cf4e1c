package gateway

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/podgate/podgate/internal/metrics"
	"github.com/podgate/podgate/internal/session"
)

// maxDispatchPasses bounds the state-dispatch loop. A request performs at
// most two transitions (failed -> deleted, absent -> initiating); the third
// pass can only land in a settled state. The bound exists so a store
// anomaly cannot spin the handler.
const maxDispatchPasses = 3

// handle is the single ingress handler for all methods and paths.
func (s *Server) handle(c echo.Context) error {
	req := c.Request()

	userID := req.Header.Get("X-User-ID")
	if userID == "" {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBadRequest).Inc()
		return c.String(http.StatusBadRequest, "X-User-ID header is required.")
	}

	ctx := req.Context()

	for pass := 0; pass < maxDispatchPasses; pass++ {
		rec, err := s.store.Get(ctx, userID)
		if err != nil {
			return s.storeDown(c, err)
		}

		switch {
		case rec == nil:
			if err := s.store.PutInitiating(ctx, userID, time.Now()); err != nil {
				return s.storeDown(c, err)
			}
			if err := s.publisher.Publish(ctx, userID); err != nil {
				// Roll back so the next request retries from cold instead
				// of long-polling a session nobody will provision.
				log.Printf("gateway: publish failed for %s, rolling back record: %v", userID, err)
				if derr := s.store.Delete(ctx, userID); derr != nil {
					log.Printf("gateway: rollback delete failed for %s: %v", userID, derr)
				}
				metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
				return c.String(http.StatusInternalServerError, "Failed to queue pod creation.")
			}
			log.Printf("gateway: new session for %s, provisioning queued", userID)
			// Re-observe: next pass sees "initiating" and long-polls.

		case rec.Status == session.StatusReady:
			if rec.Addr == "" {
				metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
				return c.String(http.StatusInternalServerError, "Session ready but no address. Please retry.")
			}
			return s.proxy(c, userID, rec.Addr)

		case rec.Status == session.StatusInitiating:
			return s.longPoll(c, userID)

		case rec.Status == session.StatusFailed:
			log.Printf("gateway: clearing failed session for %s, retrying from cold", userID)
			if err := s.store.Delete(ctx, userID); err != nil {
				return s.storeDown(c, err)
			}
			// Re-observe: next pass sees "absent".

		default:
			log.Printf("gateway: unrecognized session status %q for %s", rec.Status, userID)
			metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			return c.String(http.StatusInternalServerError, "An internal server error occurred.")
		}
	}

	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	return c.String(http.StatusInternalServerError, "Session did not settle.")
}

// longPoll waits for the session to leave "initiating", re-reading the
// status field every poll interval. It suspends only on timers and store
// reads, so thousands of waiting requests cost goroutine stacks, not
// threads.
func (s *Server) longPoll(c echo.Context, userID string) error {
	ctx := c.Request().Context()
	start := time.Now()
	deadline := start.Add(s.longPollBound)
	defer func() {
		metrics.LongPollDuration.Observe(time.Since(start).Seconds())
	}()

	log.Printf("gateway: session initiating for %s, long-polling up to %s", userID, s.longPollBound)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			// Client went away; nothing left to answer.
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}

		status, err := s.store.GetStatus(ctx, userID)
		if err != nil {
			return s.storeDown(c, err)
		}

		switch status {
		case session.StatusReady:
			rec, err := s.store.Get(ctx, userID)
			if err != nil {
				return s.storeDown(c, err)
			}
			if rec == nil || rec.Addr == "" {
				metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
				return c.String(http.StatusInternalServerError, "Session ready but no address. Please retry.")
			}
			log.Printf("gateway: long poll success for %s, proxying to %s", userID, rec.Addr)
			return s.proxy(c, userID, rec.Addr)

		case session.StatusFailed:
			metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			return c.String(http.StatusInternalServerError, "Pod creation failed. Please try again.")
		}
		// Still "initiating" (or the record vanished under us, in which
		// case the poll runs out and the client retries from cold).
	}

	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
	return c.String(http.StatusGatewayTimeout, "Gateway timeout: pod creation is taking too long.")
}

func (s *Server) storeDown(c echo.Context, err error) error {
	if !errors.Is(err, session.ErrUnavailable) {
		log.Printf("gateway: unexpected store error: %v", err)
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return c.String(http.StatusInternalServerError, "An internal server error occurred.")
	}
	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeStoreDown).Inc()
	return c.String(http.StatusServiceUnavailable, "Gateway service is down: cannot reach state store.")
}
