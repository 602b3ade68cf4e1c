package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/podgate/podgate/internal/session"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, userID)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type testEnv struct {
	server    *Server
	store     *session.Store
	publisher *fakePublisher
	redis     *miniredis.Miniredis
	upstream  *httptest.Server
	addr      string // upstream host, always 127.0.0.1
}

// newTestEnv wires a gateway against miniredis and an httptest upstream.
// Poll timing is shrunk so long-poll tests run in milliseconds.
func newTestEnv(t *testing.T, upstreamHandler http.Handler) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	store := session.NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	if upstreamHandler == nil {
		upstreamHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("upstream: " + r.URL.Path))
		})
	}
	upstream := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstream.Close)

	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())

	pub := &fakePublisher{}
	srv := NewServer(Options{
		Store:         store,
		Publisher:     pub,
		SandboxPort:   port,
		LongPollBound: 500 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		ProxyTimeout:  2 * time.Second,
	})
	t.Cleanup(func() { srv.Close() })

	return &testEnv{
		server:    srv,
		store:     store,
		publisher: pub,
		redis:     mr,
		upstream:  upstream,
		addr:      "127.0.0.1",
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMissingUserIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if env.publisher.count() != 0 {
		t.Error("publish issued for request without identity")
	}
	if len(env.redis.Keys()) != 0 {
		t.Errorf("store written for request without identity: %v", env.redis.Keys())
	}
}

func TestWarmHit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	before := time.Now().Add(-5 * time.Minute)
	env.store.PutReady(ctx, "alice", env.addr, before)

	req := httptest.NewRequest(http.MethodGet, "/y", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "upstream: /y" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if env.publisher.count() != 0 {
		t.Error("warm hit must not publish")
	}

	recAfter, _ := env.store.Get(ctx, "alice")
	if recAfter.LastActive <= before.Unix() {
		t.Errorf("last_active not advanced: %d", recAfter.LastActive)
	}
}

func TestColdStart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	start := time.Now()

	// Stand-in for the lifecycle worker: flip the record to ready shortly
	// after the provisioning request lands on the queue.
	go func() {
		for i := 0; i < 100; i++ {
			if env.publisher.count() > 0 {
				env.store.PutReady(ctx, "alice", env.addr, time.Now())
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "upstream: /x" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if env.publisher.count() != 1 {
		t.Errorf("expected exactly 1 publish, got %d", env.publisher.count())
	}

	recAfter, _ := env.store.Get(ctx, "alice")
	if recAfter == nil || recAfter.Status != session.StatusReady {
		t.Fatalf("unexpected record after cold start: %+v", recAfter)
	}
	if recAfter.LastActive < start.Unix() {
		t.Errorf("last_active %d predates request start %d", recAfter.LastActive, start.Unix())
	}
}

func TestConcurrentColdStart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	go func() {
		for i := 0; i < 100; i++ {
			if env.publisher.count() > 0 {
				env.store.PutReady(ctx, "bob", env.addr, time.Now())
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	codes := make([]int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-User-ID", "bob")
			codes[i] = env.do(req).Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, code)
		}
	}
	if n := env.publisher.count(); n < 1 || n > 5 {
		t.Errorf("expected 1-5 publishes, got %d", n)
	}
}

func TestPublishFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publisher.err = errors.New("broker down")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	recAfter, _ := env.store.Get(context.Background(), "alice")
	if recAfter != nil {
		t.Errorf("initiating record not rolled back: %+v", recAfter)
	}
}

func TestLongPollFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.store.PutInitiating(ctx, "alice", time.Now())
	go func() {
		time.Sleep(30 * time.Millisecond)
		env.store.PutStatus(ctx, "alice", session.StatusFailed)
	}()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on failed provisioning, got %d", rec.Code)
	}
}

func TestLongPollElapsed(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.PutInitiating(context.Background(), "alice", time.Now())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504 on long-poll elapse, got %d", rec.Code)
	}
}

func TestFailedSessionRetriesFromCold(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.store.PutInitiating(ctx, "alice", time.Now())
	env.store.PutStatus(ctx, "alice", session.StatusFailed)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	// Nobody provisions in this test, so the retry ends in a 504; the point
	// is that the failed record was cleared and a fresh publish went out.
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	if env.publisher.count() != 1 {
		t.Errorf("expected 1 publish after clearing failed session, got %d", env.publisher.count())
	}
	recAfter, _ := env.store.Get(ctx, "alice")
	if recAfter == nil || recAfter.Status != session.StatusInitiating {
		t.Errorf("expected fresh initiating record, got %+v", recAfter)
	}
}

func TestReadyWithoutAddr(t *testing.T) {
	env := newTestEnv(t, nil)

	// A ready record with no addr violates the state invariant; the gateway
	// must not try to proxy to an empty address.
	env.redis.HSet("session:alice", "status", session.StatusReady)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.redis.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := env.do(req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when store is down, got %d", rec.Code)
	}
}
