// Package daemon implements the long-lived process described in spec
// §4.9 and §6.4: it owns the relay MQTT loop (internal/relay) and a
// TCP trigger-acceptor that other processes ping to schedule an
// immediate push, grounded on the teacher's own daemon split between
// a connection-manager goroutine and an accept loop (cmd/thane's
// daemon mode before this rework).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/agentmesh/hcom/internal/hcompath"
	"github.com/agentmesh/hcom/internal/relay"
	"github.com/agentmesh/hcom/internal/store"
)

// daemonPortKey is the KV key CLI processes read to find the trigger
// port (spec §4.8 "Daemon coupling": `relay_daemon_port`).
const daemonPortKey = "relay_daemon_port"

// pingTimeout bounds a trigger-port liveness probe (spec §4.9: "TCP
// pings use a 50 ms connect timeout").
const pingTimeout = 50 * time.Millisecond

// Daemon owns the MQTT relay loop and the TCP trigger acceptor.
type Daemon struct {
	hcomDir string
	store   *store.Store
	logger  *slog.Logger

	publisher *relay.Publisher
	importer  *relay.Importer

	mu       sync.Mutex
	listener net.Listener
	port     int
}

// New builds a Daemon for the given relay configuration. If cfg is not
// Configured, the daemon still runs the trigger acceptor (so
// is_relay_handled_by_daemon checks have something to ping) but skips
// the MQTT loop.
func New(hcomDir string, s *store.Store, cfg relay.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{hcomDir: hcomDir, store: s, logger: logger}
	d.importer = relay.NewImporter(cfg, s, logger)
	if cfg.Configured() {
		d.publisher = relay.New(cfg, s, d.importer.Handle, logger)
	}
	return d
}

// Run starts the trigger acceptor and (if configured) the MQTT loop,
// writes the PID file, and blocks until ctx is cancelled (spec §4.9:
// "a long-lived process started on demand").
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("write daemon pid file: %w", err)
	}
	defer d.removePIDFile()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen trigger port: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.port = ln.Addr().(*net.TCPAddr).Port
	d.mu.Unlock()

	portStr := strconv.Itoa(d.port)
	if err := d.store.KVSet(ctx, daemonPortKey, &portStr); err != nil {
		ln.Close()
		return fmt.Errorf("register daemon trigger port: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.acceptLoop(ctx, ln)
	}()

	var mqttErr error
	if d.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.publisher.Start(ctx); err != nil {
				d.logger.Warn("daemon: relay publisher stopped", "error", err)
				mqttErr = err
			}
		}()
	}

	<-ctx.Done()
	d.shutdown(context.Background())
	wg.Wait()
	return mqttErr
}

// acceptLoop runs the TCP-trigger acceptor thread (spec §5: "one
// TCP-trigger acceptor thread"). Each accepted connection is a
// fire-and-forget signal to push immediately; the payload is ignored.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.logger.Warn("daemon: trigger accept failed", "error", err)
				return
			}
		}
		conn.Close()
		if d.publisher != nil {
			go func() {
				pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := d.publisher.Push(pushCtx); err != nil {
					d.logger.Warn("daemon: triggered push failed", "error", err)
				}
			}()
		}
	}
}

// shutdown publishes the device-gone retained message, stops the MQTT
// client, closes the trigger listener, and unregisters the port (spec
// §4.9: "on shutdown, publish the empty-payload 'device gone' retained
// message ... and unregister endpoints").
func (d *Daemon) shutdown(ctx context.Context) {
	if d.publisher != nil {
		if err := d.publisher.PublishGone(ctx); err != nil {
			d.logger.Warn("daemon: publish device-gone failed", "error", err)
		}
		if err := d.publisher.Stop(ctx); err != nil {
			d.logger.Warn("daemon: stop publisher failed", "error", err)
		}
	}

	d.mu.Lock()
	ln := d.listener
	d.listener = nil
	d.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	if err := d.store.KVSet(ctx, daemonPortKey, nil); err != nil {
		d.logger.Warn("daemon: clear trigger port failed", "error", err)
	}
}

func (d *Daemon) writePIDFile() error {
	return os.WriteFile(hcompath.DaemonPIDPath(d.hcomDir), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(hcompath.DaemonPIDPath(d.hcomDir))
}

// Trigger pings the daemon's trigger port, if one is registered and
// live, to request an immediate relay push. It returns false when no
// daemon is reachable, letting the caller fall back to a direct,
// ephemeral publish (spec §4.8 "Daemon coupling").
func Trigger(ctx context.Context, s *store.Store) bool {
	port, ok, err := readPort(ctx, s)
	if err != nil || !ok {
		return false
	}
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), pingTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IsRelayHandledByDaemon validates the recorded trigger port by an
// actual connect attempt and tracks consecutive failures across calls
// via the KV floor relay_daemon_fail_count; three consecutive failures
// clear the port so a non-daemon caller may fall back to direct
// publish (spec §4.8: "≥3 consecutive failures → clear the port").
func IsRelayHandledByDaemon(ctx context.Context, s *store.Store) bool {
	port, ok, err := readPort(ctx, s)
	if err != nil || !ok {
		return false
	}
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), pingTimeout)
	if err == nil {
		conn.Close()
		resetFailCount(ctx, s)
		return true
	}

	fails := incrementFailCount(ctx, s)
	if fails >= 3 {
		s.KVSet(ctx, daemonPortKey, nil)
		resetFailCount(ctx, s)
	}
	return false
}

const daemonFailCountKey = "relay_daemon_fail_count"

func readPort(ctx context.Context, s *store.Store) (int, bool, error) {
	val, ok, err := s.KVGet(ctx, daemonPortKey)
	if err != nil || !ok || val == "" {
		return 0, false, err
	}
	port, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, nil
	}
	return port, true, nil
}

func incrementFailCount(ctx context.Context, s *store.Store) int {
	val, _, _ := s.KVGet(ctx, daemonFailCountKey)
	n, _ := strconv.Atoi(val)
	n++
	str := strconv.Itoa(n)
	s.KVSet(ctx, daemonFailCountKey, &str)
	return n
}

func resetFailCount(ctx context.Context, s *store.Store) {
	s.KVSet(ctx, daemonFailCountKey, nil)
}
