package session

import "errors"

// Session status values. A record moves absent -> initiating -> ready|failed;
// failed records are deleted by the gateway on the next request and the
// cycle restarts.
const (
	StatusInitiating = "initiating"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// ErrUnavailable indicates the state store could not be reached. The gateway
// maps it to 503; the worker and reaper retry with backoff.
var ErrUnavailable = errors.New("session store unavailable")

// Record is one user's session state as stored in Redis under
// "session:<user_id>".
type Record struct {
	Status     string
	Addr       string // pod address, set only when Status is "ready"
	LastActive int64  // unix seconds, updated on every proxied request
	CreatedAt  int64  // unix seconds, set when the record is first written
}

// Idle reports seconds since the last proxied request, or -1 if the session
// has never been touched.
func (r *Record) Idle(now int64) int64 {
	if r.LastActive == 0 {
		return -1
	}
	return now - r.LastActive
}
