// Package hcomctx defines the explicit request context threaded through
// every core operation. Per Design Note §9 ("Thread-local context"),
// nothing in this module relies on goroutine-local state or package
// globals to recover per-request environment — every operation that
// needs cwd, env, or tty-ness takes a Context value explicitly.
package hcomctx

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Context carries the per-request environment a core operation needs.
// CLI commands build one from the process environment at startup; the
// daemon does not build per-request Contexts.
type Context struct {
	// Cwd is the working directory the request originated from.
	Cwd string
	// Env is a snapshot of relevant environment variables (not the
	// full os.Environ — only the keys hcom reads).
	Env map[string]string
	// HcomDir is the resolved root directory (see hcompath.Resolve).
	HcomDir string
	// StdinIsTTY / StdoutIsTTY record terminal-ness at request time;
	// used by identity resolution and CLI formatting decisions.
	StdinIsTTY  bool
	StdoutIsTTY bool
	// ToolMarker is an optional hint set by tool-specific launchers
	// (e.g. "claude", "codex") identifying which coding tool spawned
	// the current process.
	ToolMarker string
	// Logger is the structured logger for this request. Never nil
	// after Background — callers get slog.Default() if unset.
	Logger *slog.Logger
}

// Background builds a Context from the current process environment.
// Suitable for CLI entry points (one Context per invocation).
func Background(hcomDir string, logger *slog.Logger) Context {
	if logger == nil {
		logger = slog.Default()
	}
	cwd, _ := os.Getwd()
	return Context{
		Cwd:         cwd,
		Env:         snapshotEnv(),
		HcomDir:     hcomDir,
		StdinIsTTY:  isatty.IsTerminal(os.Stdin.Fd()),
		StdoutIsTTY: isatty.IsTerminal(os.Stdout.Fd()),
		Logger:      logger,
	}
}

// relevantEnvKeys lists the environment variables hcom reads. Keeping
// an explicit allowlist (rather than os.Environ() verbatim) means a
// Context can be safely logged or passed to the daemon without
// leaking unrelated secrets from the caller's shell.
var relevantEnvKeys = []string{
	"HCOM_DIR",
	"HCOM_NAME",
	"HCOM_SESSION_ID",
	"HCOM_TOOL",
}

func snapshotEnv() map[string]string {
	env := make(map[string]string, len(relevantEnvKeys))
	for _, k := range relevantEnvKeys {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

// WithLogger returns a copy of ctx with a replaced logger.
func (c Context) WithLogger(logger *slog.Logger) Context {
	c.Logger = logger
	return c
}
