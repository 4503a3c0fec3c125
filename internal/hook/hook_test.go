package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/hcom/internal/hcomctx"
	"github.com/agentmesh/hcom/internal/identity"
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

func testContext() hcomctx.Context {
	return hcomctx.Context{Logger: slog.Default()}
}

func TestFastPathGateEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if !FastPathGate(ctx, s) {
		t.Fatal("expected fast-path gate to trip on empty store")
	}
}

func TestFastPathGateWithInstances(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if FastPathGate(ctx, s) {
		t.Fatal("expected fast-path gate not to trip once an instance exists")
	}
}

func TestRunFastPathSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	var out bytes.Buffer
	in := strings.NewReader(`{"hook_event_name":"pre","session_id":"whatever"}`)
	if err := Run(ctx, s, testContext(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output on fast path, got %q", out.String())
	}
}

func TestRunAppliesStatusTransitionAndDelivers(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "bravo"}); err != nil {
		t.Fatalf("create bravo: %v", err)
	}
	if err := identity.Bind(ctx, s, "sess-alpha", "alpha"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if _, err := s.LogEvent(ctx, store.EventMessage, "bravo", store.MessageData{
		From:     "bravo",
		Text:     "@alpha hi",
		Mentions: []string{"alpha"},
	}, time.Now()); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader(`{"hook_event_name":"pre","session_id":"sess-alpha","tool_name":"Bash"}`)
	if err := Run(ctx, s, testContext(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "hi") {
		t.Fatalf("expected delivered message in output, got %q", out.String())
	}

	rec, err := s.GetInstance(ctx, "alpha")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if rec.Status != store.StatusActive {
		t.Fatalf("expected status active after tool-start hook, got %s", rec.Status)
	}
	if rec.StatusContext != "tool:Bash" {
		t.Fatalf("expected status_context tool:Bash, got %q", rec.StatusContext)
	}
}

func TestRunLogsStatusEvent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if err := identity.Bind(ctx, s, "sess-alpha", "alpha"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader(`{"hook_event_name":"pre","session_id":"sess-alpha","tool_name":"Bash"}`)
	if err := Run(ctx, s, testContext(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := s.EventsAfter(ctx, 0, store.EventStatus, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(events))
	}
	var sd store.StatusData
	if err := json.Unmarshal(events[0].Data, &sd); err != nil {
		t.Fatalf("unmarshal status data: %v", err)
	}
	if sd.To != string(store.StatusActive) {
		t.Fatalf("status event To = %q, want %q", sd.To, store.StatusActive)
	}
}

func TestRunLogsFileEventForEditingTool(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if err := identity.Bind(ctx, s, "sess-alpha", "alpha"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader(`{"hook_event_name":"post","session_id":"sess-alpha","tool_name":"Write","tool_input":{"file_path":"/tmp/x.go"}}`)
	if err := Run(ctx, s, testContext(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := s.EventsAfter(ctx, 0, store.EventFile, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 file event, got %d", len(events))
	}
	var fd store.FileData
	if err := json.Unmarshal(events[0].Data, &fd); err != nil {
		t.Fatalf("unmarshal file data: %v", err)
	}
	if fd.Path != "/tmp/x.go" || fd.Op != store.FileOpWrite {
		t.Fatalf("file data = %+v, want path /tmp/x.go op write", fd)
	}
}

func TestRunSkipsFileEventForNonEditingTool(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if err := identity.Bind(ctx, s, "sess-alpha", "alpha"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader(`{"hook_event_name":"post","session_id":"sess-alpha","tool_name":"Bash","tool_input":{"command":"ls"}}`)
	if err := Run(ctx, s, testContext(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := s.EventsAfter(ctx, 0, store.EventFile, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no file events for a non-editing tool, got %d", len(events))
	}
}

func TestRunNonParticipantIsNoop(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create alpha: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader(`{"hook_event_name":"pre","session_id":"unbound-session"}`)
	if err := Run(ctx, s, testContext(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output for an unbound session, got %q", out.String())
	}
}
