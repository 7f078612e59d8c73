// Package app wires configuration, the backend client and the protocol handlers into a running
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MegaGrindStone/daycontext-mcp"
	"github.com/MegaGrindStone/daycontext-mcp/backend"
	"github.com/MegaGrindStone/daycontext-mcp/config"
	"github.com/MegaGrindStone/daycontext-mcp/servers/daycontext"
)

// Version is reported as the server version during initialization.
var Version = "0.1.0"

const (
	serverName      = "daycontext-mcp"
	instructions    = "Use get_day_context to read a user's nutrition totals and meals for one day."
	shutdownTimeout = 10 * time.Second
)

// Deps are the process resources Run uses. Zero values are not valid; main fills them in.
type Deps struct {
	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger
	// Listener, when set, is used instead of listening on cfg.HTTPAddr.
	Listener net.Listener
}

// Components are the objects built from a Config, exposed so tests can drive them directly.
type Components struct {
	Server     mcp.Server
	Registry   *mcp.SessionRegistry
	Streamable *mcp.StreamableHTTPHandler
	Handler    http.Handler
	Gatherer   prometheus.Gatherer
}

// Build creates the server components for cfg.
func Build(cfg config.Config, logger *slog.Logger) (Components, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := backend.NewClient(cfg.BackendBaseURL,
		backend.WithInternalToken(cfg.InternalToken),
		backend.WithTimeout(cfg.BackendTimeout),
		backend.WithMetrics(backend.NewMetrics(reg)),
		backend.WithLogger(logger),
	)
	if err != nil {
		return Components{}, fmt.Errorf("failed to create backend client: %w", err)
	}

	metrics := mcp.NewMetrics(reg)

	srv := mcp.NewServer(
		mcp.Info{Name: serverName, Version: Version},
		mcp.WithToolServerFactory(func() mcp.ToolServer {
			return daycontext.NewServer(client, logger)
		}),
		mcp.WithInstructions(instructions),
		mcp.WithServerMetrics(metrics),
		mcp.WithServerLogger(logger),
	)

	registry, err := mcp.NewSessionRegistry(
		mcp.WithRegistryCapacity(cfg.MaxSessions),
		mcp.WithRegistryIdleTTL(cfg.SessionIdleTTL),
		mcp.WithRegistrySweepInterval(cfg.SweepInterval),
		mcp.WithRegistryMetrics(metrics),
		mcp.WithRegistryLogger(logger),
	)
	if err != nil {
		return Components{}, fmt.Errorf("failed to create session registry: %w", err)
	}

	streamable := mcp.NewStreamableHTTPHandler(srv, registry,
		mcp.WithJSONResponse(cfg.JSONResponse),
		mcp.WithKeepAliveInterval(cfg.KeepAliveInterval),
		mcp.WithStreamableLogger(logger),
	)

	handler := mcp.NewHTTPHandler(mcp.HTTPOptions{
		Streamable:     streamable,
		RPC:            mcp.NewRPCHandler(srv, logger),
		Raw:            mcp.NewRawHandler(srv, logger),
		Registry:       registry,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	return Components{
		Server:     srv,
		Registry:   registry,
		Streamable: streamable,
		Handler:    handler,
		Gatherer:   reg,
	}, nil
}

// Run serves until ctx is done, over stdio or HTTP depending on cfg.Transport.
func Run(ctx context.Context, cfg config.Config, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c, err := Build(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Registry.Shutdown()

	if cfg.Transport == config.TransportStdIO {
		logger.Info("serving MCP over stdio", slog.String("backend", cfg.BackendBaseURL))
		return mcp.NewStdIO(c.Server, deps.Stdin, deps.Stdout, logger).Serve(ctx)
	}

	return serveHTTP(ctx, cfg, deps, c, logger)
}

func serveHTTP(ctx context.Context, cfg config.Config, deps Deps, c Components, logger *slog.Logger) error {
	lis := deps.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
		}
	}

	httpSrv := &http.Server{
		Handler:           c.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		// In-flight calls outlive ctx so Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	// Closing the sessions ends open GET streams.
	httpSrv.RegisterOnShutdown(c.Registry.Shutdown)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Registry.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("serving MCP over HTTP",
			slog.String("addr", lis.Addr().String()),
			slog.String("backend", cfg.BackendBaseURL))
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve HTTP: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		logger.Info("HTTP server stopped")
		return nil
	})

	return g.Wait()
}
