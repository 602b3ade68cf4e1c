package session

import (
	"regexp"
	"strings"
	"testing"
)

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

func TestSanitizeCleanIDUnchanged(t *testing.T) {
	for _, id := range []string{"alice", "bob42", "a"} {
		if got := Sanitize(id); got != id {
			t.Errorf("Sanitize(%q) = %q, want unchanged", id, got)
		}
	}
}

func TestSanitizeLossyIDsGetSuffix(t *testing.T) {
	cases := []string{"Alice", "bob@example.com", "us er", "-dash-", "日本語"}
	for _, id := range cases {
		got := Sanitize(id)
		if !dnsLabel.MatchString(got) {
			t.Errorf("Sanitize(%q) = %q is not a DNS label", id, got)
		}
		if !strings.Contains(got, "-") || len(got) < 9 {
			t.Errorf("Sanitize(%q) = %q, expected hash suffix", id, got)
		}
	}
}

func TestSanitizeDistinctIDsDistinctNames(t *testing.T) {
	// These all collapse to "bob" under the bare mapping.
	a, b, c := Sanitize("bob!"), Sanitize("Bob"), Sanitize("b-o-b")
	if a == b || a == c || b == c {
		t.Errorf("colliding sanitized names: %q %q %q", a, b, c)
	}
}

func TestSanitizeDeterministic(t *testing.T) {
	if Sanitize("User#1") != Sanitize("User#1") {
		t.Error("Sanitize is not deterministic")
	}
}

func TestSanitizeEmpty(t *testing.T) {
	got := Sanitize("")
	if !strings.HasPrefix(got, "anonymous") {
		t.Errorf("Sanitize(\"\") = %q, want anonymous fallback", got)
	}
	if got2 := Sanitize("!!!"); !strings.HasPrefix(got2, "anonymous") {
		t.Errorf("Sanitize(\"!!!\") = %q, want anonymous fallback", got2)
	}
}

func TestPodNameLength(t *testing.T) {
	cases := map[string]string{
		"lossy": strings.Repeat("User.Name-", 20),
		// Already its own sanitized form; must still be capped and suffixed.
		"clean": strings.Repeat("a", 60),
	}
	for label, id := range cases {
		name := PodName(id)
		if len(name) > 63 {
			t.Errorf("%s: PodName produced %d chars, exceeds DNS label limit: %q", label, len(name), name)
		}
		if !strings.HasPrefix(name, "session-") {
			t.Errorf("%s: PodName missing prefix: %q", label, name)
		}
		if !dnsLabel.MatchString(strings.TrimPrefix(name, "session-")) {
			t.Errorf("%s: PodName fragment is not a DNS label: %q", label, name)
		}
	}
}

func TestSanitizeLongCleanIDsStayDistinct(t *testing.T) {
	// Both truncate to the same 40-char base; only the suffix separates them.
	a := Sanitize(strings.Repeat("a", 60))
	b := Sanitize(strings.Repeat("a", 61))
	if a == b {
		t.Errorf("long clean identities collide: %q", a)
	}
}
