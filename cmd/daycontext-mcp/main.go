package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/daycontext-mcp/config"
	"github.com/MegaGrindStone/daycontext-mcp/internal/app"
	"github.com/MegaGrindStone/daycontext-mcp/logging"
)

// main starts the day context MCP server on HTTP or stdio.
func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:], nil)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	// Stdout carries protocol frames in stdio mode, so logs always go to stderr.
	logger, err := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, app.Deps{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Logger: logger,
	}); err != nil {
		logger.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}
