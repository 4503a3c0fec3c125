package status

import (
	"testing"

	"github.com/agentmesh/hcom/internal/store"
)

func TestNotificationSuppressedWhenSubagentActive(t *testing.T) {
	tr := OnNotification("Permission denied", true)
	if !tr.Suppressed {
		t.Fatal("expected notification transition to be suppressed while a subagent is active")
	}
}

func TestNotificationBlocksWhenNoSubagentActive(t *testing.T) {
	tr := OnNotification("Permission denied", false)
	if tr.Suppressed {
		t.Fatal("did not expect suppression")
	}
	if tr.Status != store.StatusBlocked {
		t.Fatalf("status = %q, want blocked", tr.Status)
	}
}

func TestGhostSubagentCleanup(t *testing.T) {
	tasks := store.RunningTasks{Active: true} // no subagents ever recorded

	got := RemoveSubagent(tasks, "ghost-1")

	if got.Active {
		t.Fatal("expected Active=false after removing the last (ghost) subagent")
	}
	if len(got.Subagents) != 0 {
		t.Fatalf("subagents = %v, want empty", got.Subagents)
	}
}

func TestRemoveSubagentKeepsOthersActive(t *testing.T) {
	tasks := store.RunningTasks{
		Active: true,
		Subagents: []store.Subagent{
			{AgentID: "a1", Type: "explore"},
			{AgentID: "a2", Type: "explore"},
		},
	}

	got := RemoveSubagent(tasks, "a1")

	if !got.Active {
		t.Fatal("expected Active to remain true while a2 is still running")
	}
	if len(got.Subagents) != 1 || got.Subagents[0].AgentID != "a2" {
		t.Fatalf("subagents = %v", got.Subagents)
	}
}
