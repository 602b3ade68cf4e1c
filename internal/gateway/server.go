package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/podgate/podgate/internal/session"
)

// SessionStore is the slice of the state store the gateway needs.
type SessionStore interface {
	Get(ctx context.Context, userID string) (*session.Record, error)
	GetStatus(ctx context.Context, userID string) (string, error)
	PutInitiating(ctx context.Context, userID string, now time.Time) error
	Touch(ctx context.Context, userID string, now time.Time) error
	Delete(ctx context.Context, userID string) error
}

// Publisher enqueues provisioning requests for the lifecycle worker.
type Publisher interface {
	Publish(ctx context.Context, userID string) error
}

// Options configures the gateway server. Zero durations fall back to the
// production defaults.
type Options struct {
	Store       SessionStore
	Publisher   Publisher
	SandboxPort int // port the session pods listen on

	LongPollBound time.Duration
	PollInterval  time.Duration
	ProxyTimeout  time.Duration
}

// Server is the HTTP ingress: one catch-all route that demultiplexes
// requests per user, drives the session state machine, and streams traffic
// into the user's pod.
type Server struct {
	echo      *echo.Echo
	store     SessionStore
	publisher Publisher
	upstream  *http.Client

	sandboxPort   int
	longPollBound time.Duration
	pollInterval  time.Duration
	proxyTimeout  time.Duration
}

// NewServer creates the gateway with all routes configured.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		store:         opts.Store,
		publisher:     opts.Publisher,
		sandboxPort:   opts.SandboxPort,
		longPollBound: opts.LongPollBound,
		pollInterval:  opts.PollInterval,
		proxyTimeout:  opts.ProxyTimeout,
	}
	if s.sandboxPort == 0 {
		s.sandboxPort = 80
	}
	if s.longPollBound == 0 {
		s.longPollBound = 90 * time.Second
	}
	if s.pollInterval == 0 {
		s.pollInterval = 500 * time.Millisecond
	}
	if s.proxyTimeout == 0 {
		s.proxyTimeout = 60 * time.Second
	}

	// The upstream client is process-lived and connection-pooled; per-request
	// deadlines come from the request context, not a client-wide timeout,
	// so long streaming responses are not cut off mid-body.
	s.upstream = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	// All methods, all paths. Health and metrics live on the ops listener.
	e.Any("/*", s.handle)

	return s
}

// Start serves the ingress on addr, blocking until Close.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close shuts the server down and releases the upstream connection pool.
func (s *Server) Close() error {
	s.upstream.CloseIdleConnections()
	return s.echo.Close()
}

// Handler exposes the ingress as an http.Handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
