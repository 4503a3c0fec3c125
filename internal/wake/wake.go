// Package wake implements the TCP wake mesh (spec §4.4): a loopback
// liveness hint that turns a blocking wait into something a sender can
// interrupt without carrying any payload. It is deliberately built on
// net alone — the wire protocol is "connect, write one byte, close",
// nothing in the teacher's or pack's dependency stack does anything a
// bespoke protocol framework would help with here.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/agentmesh/hcom/internal/store"
)

// dialTimeout bounds each wake ping (spec §6.5: "sender connects with
// 50 ms timeout").
const dialTimeout = 50 * time.Millisecond

// Listener binds an ephemeral loopback TCP port and registers it in the
// store under instance. Wait blocks until a connection arrives, the
// timeout elapses, or ctx is cancelled.
type Listener struct {
	instance string
	ln       net.Listener
	port     int
	woken    chan struct{}
	logger   *slog.Logger
}

// Listen binds the listener and registers its port (spec §4.4
// "Listener"). Call Close to unregister and release the socket.
func Listen(ctx context.Context, s *store.Store, instance string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind wake listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := s.RegisterNotifyPort(ctx, instance, port); err != nil {
		ln.Close()
		return nil, fmt.Errorf("register wake port: %w", err)
	}

	l := &Listener{
		instance: instance,
		ln:       ln,
		port:     port,
		woken:    make(chan struct{}, 1),
		logger:   logger,
	}
	go l.acceptLoop()
	return l, nil
}

// Port returns the bound loopback port.
func (l *Listener) Port() int { return l.port }

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Listener closed: exit quietly (spec §4.4 "Cancellation").
			return
		}
		// Any accepted connection, regardless of payload, is a valid
		// wake (spec §6.5: "payload is ignored by the listener").
		conn.Close()
		select {
		case l.woken <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until woken, timeout elapses, or ctx is cancelled.
// Returns true if woken by a connection, false on timeout/cancel.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.woken:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close releases the socket and unregisters the endpoint (spec §4.4:
// the listener "unregisters its endpoint and exits").
func (l *Listener) Close(ctx context.Context, s *store.Store) error {
	if err := l.ln.Close(); err != nil {
		return fmt.Errorf("close wake listener: %w", err)
	}
	port := l.port
	return s.DeleteNotifyEndpoint(ctx, l.instance, &port)
}

// Notify pings every registered port for each of recipients, pruning
// ports that refuse or time out (spec §4.4 "Sender"). It is best-effort:
// a failed ping never surfaces an error to the caller, since the wake
// is only a liveness hint and the polling fallback guarantees eventual
// delivery (spec §4.4 "Ordering guarantees").
func Notify(ctx context.Context, s *store.Store, recipients []string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]struct{})
	for _, name := range recipients {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		pingInstance(ctx, s, name, logger)
	}
}

// NotifyAll pings every registered endpoint across the whole roster
// (spec §4.8 step g: "wake-all-local-endpoints" after a relay import).
func NotifyAll(ctx context.Context, s *store.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ports, err := s.AllNotifyPorts(ctx)
	if err != nil {
		logger.Warn("wake: list all notify ports failed", "error", err)
		return
	}
	for _, port := range ports {
		ping(port)
	}
}

func pingInstance(ctx context.Context, s *store.Store, instance string, logger *slog.Logger) {
	ports, err := s.ListNotifyPorts(ctx, instance)
	if err != nil {
		logger.Warn("wake: list notify ports failed", "instance", instance, "error", err)
		return
	}
	for _, port := range ports {
		if !ping(port) {
			if err := s.DeleteNotifyEndpoint(ctx, instance, &port); err != nil {
				logger.Warn("wake: prune stale endpoint failed", "instance", instance, "port", port, "error", err)
			}
		}
	}
}

// ping connects, writes a single newline byte, and closes. Returns
// false on any connect/write failure so the caller can prune the
// endpoint (spec §4.4 step 4).
func ping(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), dialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	_, err = conn.Write([]byte{'\n'})
	return err == nil
}
