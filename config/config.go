// Package config loads the daycontext MCP server configuration from the environment and
// command-line flags. Flags override environment values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/MegaGrindStone/daycontext-mcp/logging"
)

// Transports.
const (
	TransportHTTP  = "http"
	TransportStdIO = "stdio"
)

// Config holds the server configuration.
type Config struct {
	HTTPAddr  string `env:"MCP_HTTP_ADDR"  envDefault:":3000"`
	Transport string `env:"MCP_TRANSPORT"  envDefault:"http"`

	BackendBaseURL string        `env:"BACKEND_BASE_URL"   envDefault:"http://localhost:8000"`
	InternalToken  string        `env:"INTERNAL_API_TOKEN"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT"    envDefault:"0s"`

	MaxSessions        int           `env:"MCP_MAX_SESSIONS"           envDefault:"1000"`
	SessionIdleTTL     time.Duration `env:"MCP_SESSION_IDLE_TTL"       envDefault:"30m"`
	SweepInterval      time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	KeepAliveInterval  time.Duration `env:"MCP_SSE_KEEPALIVE"          envDefault:"25s"`
	JSONResponse       bool          `env:"MCP_JSON_RESPONSE"          envDefault:"false"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS"       envDefault:"*" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"dev"`
}

// Parse loads the configuration. environ replaces the process environment when not nil.
func Parse(fs *flag.FlagSet, args []string, environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport type: http or stdio")
	fs.StringVar(&cfg.BackendBaseURL, "backend-url", cfg.BackendBaseURL, "backend base URL")
	fs.DurationVar(&cfg.BackendTimeout, "backend-timeout", cfg.BackendTimeout, "backend request timeout, 0 for none")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum number of open MCP sessions")
	fs.DurationVar(&cfg.SessionIdleTTL, "session-idle-ttl", cfg.SessionIdleTTL, "close sessions idle for longer than this")
	fs.BoolVar(&cfg.JSONResponse, "json-response", cfg.JSONResponse, "answer MCP requests with JSON instead of SSE")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: dev, text or json")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportHTTP, TransportStdIO:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if u, err := url.Parse(c.BackendBaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend base URL %q must be an absolute URL", c.BackendBaseURL))
	}

	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions))
	}
	if c.BackendTimeout < 0 {
		errs = append(errs, errors.New("backend timeout must not be negative"))
	}
	if c.SessionIdleTTL < 0 {
		errs = append(errs, errors.New("session idle TTL must not be negative"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("session sweep interval must not be negative"))
	}
	if c.KeepAliveInterval < 0 {
		errs = append(errs, errors.New("keep-alive interval must not be negative"))
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "dev", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
