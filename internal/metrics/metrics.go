package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sandbox lifecycle metrics
var (
	SandboxesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insien_sandboxes_created_total",
			Help: "Total sandboxes created",
		},
		[]string{"tier"},
	)

	SandboxesDestroyedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insien_sandboxes_destroyed_total",
			Help: "Total sandboxes destroyed by request",
		},
	)

	SandboxesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insien_sandboxes_expired_total",
			Help: "Total sandboxes reaped after their lifetime lapsed",
		},
	)

	SandboxCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insien_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox up to the running container",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"tier"},
	)

	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insien_quota_rejections_total",
			Help: "Sandbox creations rejected by quota",
		},
		[]string{"scope"},
	)
)

// RPC fabric metrics
var (
	AgentSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "insien_agent_sessions_active",
			Help: "Connected in-container agents",
		},
	)

	ClientSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "insien_client_sessions_active",
			Help: "Connected SDK client sessions",
		},
	)

	RPCFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insien_rpc_frames_total",
			Help: "Frames routed through the RPC hub",
		},
		[]string{"direction"},
	)
)

// Ports and reaper metrics
var (
	PortsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "insien_ports_allocated",
			Help: "Host ports currently reserved for sandboxes",
		},
	)

	ReaperReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insien_reaper_reclaimed_total",
			Help: "Resources cleaned by the reaper",
		},
		[]string{"kind"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insien_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insien_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesCreatedTotal,
		SandboxesDestroyedTotal,
		SandboxesExpiredTotal,
		SandboxCreateDuration,
		QuotaRejectionsTotal,
		AgentSessionsActive,
		ClientSessionsActive,
		RPCFramesTotal,
		PortsAllocated,
		ReaperReclaimedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
