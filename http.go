package mcp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// HTTPOptions wires the protocol handlers into one router. Nil handlers are not mounted.
type HTTPOptions struct {
	Streamable *StreamableHTTPHandler
	RPC        *RPCHandler
	Raw        *RawHandler
	Registry   *SessionRegistry
	// Metrics serves the Prometheus exposition on /metrics.
	Metrics http.Handler

	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewHTTPHandler builds the HTTP surface:
//
//	/mcp     streamable HTTP transport (GET, POST, DELETE)
//	/rpc     stateless JSON-RPC 2.0 (POST)
//	/tool    raw tool call (POST)
//	/health  liveness probe
//	/metrics Prometheus metrics
func NewHTTPHandler(opts HTTPOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(recoverer(logger))
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", SessionIDHeader, "Mcp-Protocol-Version"},
		ExposedHeaders: []string{SessionIDHeader},
		MaxAge:         300,
	}))

	if opts.Streamable != nil {
		r.Handle("/mcp", opts.Streamable)
	}
	if opts.RPC != nil {
		r.Handle("/rpc", opts.RPC)
	}
	if opts.Raw != nil {
		r.Handle("/tool", opts.Raw)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		sessions := 0
		if opts.Registry != nil {
			sessions = opts.Registry.Len()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": sessions,
		})
	})

	return r
}

// requestLogger logs one line per request with the status and size captured by httpsnoop, which
// keeps the writer's Flusher so SSE streams pass through unchanged.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			level := slog.LevelInfo
			if m.Code >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Code),
				slog.Duration("duration", m.Duration.Round(time.Microsecond)),
				slog.Int64("bytes", m.Written),
				slog.String("sessionID", r.Header.Get(SessionIDHeader)))
		})
	}
}

// recoverer turns a panic escaping a handler into a JSON-RPC internal error response.
func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic while serving request",
					slog.String("path", r.URL.Path),
					slog.String("err", panicError(rec).Error()))
				writeJSONRPCError(w, http.StatusInternalServerError, nullID, toJSONRPCError(panicError(rec)))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
