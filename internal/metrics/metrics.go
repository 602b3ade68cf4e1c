package metrics

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway metrics
var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgate_gateway_requests_total",
			Help: "Total ingress requests by outcome",
		},
		[]string{"outcome"},
	)

	LongPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podgate_longpoll_duration_seconds",
			Help:    "Time a request spent waiting for its session to become ready",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 90},
		},
	)

	ProxyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podgate_proxy_duration_seconds",
			Help:    "End-to-end time of proxied requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
	)
)

// Worker metrics
var (
	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podgate_provision_duration_seconds",
			Help:    "Time from consuming a provisioning message to a terminal session state",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)
)

// Reaper metrics
var (
	SessionsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgate_sessions_reaped_total",
			Help: "Sessions evicted by the reaper",
		},
		[]string{"reason"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podgate_sessions_active",
			Help: "Session records observed on the last reaper scan",
		},
	)
)

// Request outcomes for RequestsTotal.
const (
	OutcomeProxied      = "proxied"
	OutcomeBadRequest   = "bad_request"
	OutcomeFailed       = "failed"
	OutcomeStoreDown    = "store_down"
	OutcomeUpstreamDown = "upstream_down"
	OutcomeTimeout      = "timeout"
)

// Reap reasons for SessionsReaped.
const (
	ReasonIdle            = "idle"
	ReasonStaleInitiating = "stale_initiating"
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		LongPollDuration,
		ProxyDuration,
		ProvisionDuration,
		SessionsReaped,
		SessionsActive,
	)
}

// NewOpsServer returns the health + metrics listener. It is a separate
// server from the gateway ingress: the ingress catch-all route must not
// shadow /metrics or /healthz, and the worker and reaper have no ingress
// at all.
func NewOpsServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
