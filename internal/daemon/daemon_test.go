package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/hcom/internal/relay"
	"github.com/agentmesh/hcom/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hcom.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTriggerFalseWithoutRegisteredPort(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if Trigger(ctx, s) {
		t.Fatal("expected Trigger to fail with no registered port")
	}
}

func TestIsRelayHandledByDaemonClearsPortAfterFailures(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	// Register a port nothing listens on.
	port := "59999"
	if err := s.KVSet(ctx, daemonPortKey, &port); err != nil {
		t.Fatalf("kv set: %v", err)
	}

	for i := 0; i < 2; i++ {
		if IsRelayHandledByDaemon(ctx, s) {
			t.Fatal("expected failure against an unlistened port")
		}
		if _, ok, err := s.KVGet(ctx, daemonPortKey); err != nil || !ok {
			t.Fatalf("expected port to remain registered before threshold, ok=%v err=%v", ok, err)
		}
	}
	// Third consecutive failure clears the port.
	if IsRelayHandledByDaemon(ctx, s) {
		t.Fatal("expected failure against an unlistened port")
	}
	if _, ok, err := s.KVGet(ctx, daemonPortKey); err != nil || ok {
		t.Fatalf("expected port cleared after 3 consecutive failures, ok=%v err=%v", ok, err)
	}
}

func TestRunWritesAndClearsTriggerPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s := testStore(t)
	dir := t.TempDir()
	d := New(dir, s, relay.Config{}, slog.Default())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Wait for the port to be registered.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := s.KVGet(context.Background(), daemonPortKey); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	val, ok, err := s.KVGet(context.Background(), daemonPortKey)
	if err != nil || !ok || val == "" {
		t.Fatalf("expected trigger port registered, ok=%v err=%v", ok, err)
	}

	if !Trigger(context.Background(), s) {
		t.Fatal("expected Trigger to succeed against a live daemon")
	}

	<-done
	if _, ok, _ := s.KVGet(context.Background(), daemonPortKey); ok {
		t.Fatal("expected trigger port cleared after shutdown")
	}
}
