package mcp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for sessions and frames. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	frames         *prometheus.CounterVec
}

// Session close reasons.
const (
	closeReasonClient   = "client"
	closeReasonIdle     = "idle"
	closeReasonEvicted  = "evicted"
	closeReasonReplaced = "replaced"
	closeReasonShutdown = "shutdown"
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daycontext",
			Subsystem: "mcp",
			Name:      "sessions_active",
			Help:      "Number of open MCP sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "daycontext",
			Subsystem: "mcp",
			Name:      "sessions_opened_total",
			Help:      "Total number of MCP sessions created.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daycontext",
			Subsystem: "mcp",
			Name:      "sessions_closed_total",
			Help:      "Total number of MCP sessions closed, by reason.",
		}, []string{"reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daycontext",
			Subsystem: "mcp",
			Name:      "frames_total",
			Help:      "Total number of protocol frames handled, by variant, method and outcome.",
		}, []string{"variant", "method", "outcome"}),
	}

	reg.MustRegister(m.sessionsActive, m.sessionsOpened, m.sessionsClosed, m.frames)

	return m
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) observeFrame(f Frame, err error) {
	if m == nil {
		return
	}
	method := f.Method
	if _, known := knownMethods[method]; !known {
		// Unbounded label values would come from clients otherwise.
		method = "other"
	}
	m.frames.WithLabelValues(f.Variant.String(), method, frameOutcome(err)).Inc()
}

var knownMethods = map[string]struct{}{
	methodInitialize:               {},
	methodNotificationsInitialized: {},
	methodNotificationsCancelled:   {},
	methodPing:                     {},
	MethodToolsList:                {},
	MethodToolsCall:                {},
}

func frameOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnknownTool):
		return "invalid"
	case errors.Is(err, ErrUnknownMethod):
		return "unknown_method"
	}
	return "error"
}
