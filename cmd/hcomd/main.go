// Package main is the hcom daemon entry point: owns the relay MQTT
// loop and the TCP trigger port described in spec §4.9.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/hcom/internal/buildinfo"
	"github.com/agentmesh/hcom/internal/daemon"
	"github.com/agentmesh/hcom/internal/hcompath"
	"github.com/agentmesh/hcom/internal/logging"
	"github.com/agentmesh/hcom/internal/relay"
	"github.com/agentmesh/hcom/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	hcomDir := flag.String("hcom-dir", "", "hcom root directory (default ~/.hcom or $HCOM_DIR)")
	logLevel := flag.String("log-level", "", "log level: trace, debug, info, warn, error")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: logging.ReplaceLevelNames,
	}))

	dir, err := hcompath.Resolve(*hcomDir)
	if err != nil {
		logger.Error("resolve hcom dir", "error", err)
		os.Exit(1)
	}

	s, err := store.Open(hcompath.DBPath(dir), logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("hcomd starting", "version", buildinfo.Version, "hcom_dir", dir)

	cfg, ok, err := relay.LoadConfig(ctx, s)
	if err != nil {
		logger.Error("load relay config", "error", err)
		os.Exit(1)
	}
	if !ok {
		logger.Info("relay not configured; running trigger acceptor only")
	}

	d := daemon.New(dir, s, cfg, logger)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("hcomd stopped")
}
