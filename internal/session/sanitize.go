package session

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// maxBaseLen keeps "session-<base>-<8 hex>" under the 63-char DNS label limit.
const maxBaseLen = 40

// Sanitize maps a user identity to a DNS-label-safe pod name fragment:
// lowercase, runs of non-[a-z0-9] become "-", leading/trailing "-" stripped,
// empty result replaced with "anonymous".
//
// When the mapping is lossy (the identity is not already its own sanitized
// form), an fnv-32a suffix of the raw identity is appended so that distinct
// identities cannot collide on the same pod name. The worker, the reaper and
// the CLI all route through this one function; any divergence between them
// would leak pods.
func Sanitize(userID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	safe := strings.Trim(b.String(), "-")
	if safe == "" {
		safe = "anonymous"
	}
	// Cap before the lossiness check: truncating a long clean identity makes
	// it lossy, so it takes the hash-suffix path like any other collision risk.
	if len(safe) > maxBaseLen {
		safe = strings.TrimRight(safe[:maxBaseLen], "-")
	}
	if safe == userID {
		return safe
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return fmt.Sprintf("%s-%08x", safe, h.Sum32())
}

// PodName returns the deterministic pod name for a user identity.
func PodName(userID string) string {
	return "session-" + Sanitize(userID)
}
