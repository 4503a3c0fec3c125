package identity

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/agentmesh/hcom/internal/hcomctx"
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

func TestResolveViaSessionBinding(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "alpha"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := Bind(ctx, s, "sess-1", "alpha"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	id, err := Resolve(ctx, s, hcomctx.Context{}, "sess-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Kind != KindInstance || id.Name != "alpha" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestResolveFallsBackToExternal(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := Resolve(ctx, s, hcomctx.Context{}, "unknown-session")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Kind != KindExternal {
		t.Fatalf("kind = %v, want external", id.Kind)
	}
}

func TestResolveViaEnvName(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "bravo"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	hctx := hcomctx.Context{Env: map[string]string{"HCOM_NAME": "bravo"}}
	id, err := Resolve(ctx, s, hctx, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Kind != KindInstance || id.Name != "bravo" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestRebindChangesBinding(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	for _, name := range []string{"alpha", "bravo"} {
		if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: name}); err != nil {
			t.Fatalf("create instance %s: %v", name, err)
		}
	}
	if err := Bind(ctx, s, "sess-1", "alpha"); err != nil {
		t.Fatalf("bind alpha: %v", err)
	}
	if err := Bind(ctx, s, "sess-1", "bravo"); err != nil {
		t.Fatalf("rebind bravo: %v", err)
	}

	id, err := Resolve(ctx, s, hcomctx.Context{}, "sess-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Name != "bravo" {
		t.Fatalf("name = %q, want bravo after rebind", id.Name)
	}
}
