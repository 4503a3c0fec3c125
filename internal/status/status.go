// Package status implements the instance status state machine
// described in spec §4.5 and the subagent-context suppression rules
// of §4.6. Transitions are pure functions over an InstanceRecord patch
// so callers (hook dispatcher, CLI, relay import) decide how to
// persist the result through store.Store.UpdateInstance.
package status

import (
	"time"

	"github.com/agentmesh/hcom/internal/store"
)

// Transition describes a computed state change: the patch to apply to
// the instance row, and whether it should be suppressed entirely.
type Transition struct {
	Status        store.Status
	StatusContext string
	Suppressed    bool // true if the transition must not be applied (spec §4.6)
}

// Patch converts a non-suppressed Transition into an UpdateInstance
// patch map, stamping status_time with the current epoch seconds
// (spec §4.5: "status_time is epoch seconds; it is updated on every
// transition").
func (t Transition) Patch(now time.Time) map[string]any {
	if now.IsZero() {
		now = time.Now()
	}
	return map[string]any{
		"status":         string(t.Status),
		"status_context": t.StatusContext,
		"status_time":    now.Unix(),
	}
}

// OnToolStart handles the pre-tool-use / user-prompt transition:
// "*" → active, status_context = "tool:<name>" (spec §4.5).
func OnToolStart(toolName string) Transition {
	return Transition{Status: store.StatusActive, StatusContext: "tool:" + toolName}
}

// OnToolApproved handles the post-tool-use transition for an approved
// tool call: active with status_context = "approved:<tool>". Per spec,
// this also clears any prior blockage — callers should apply this
// Transition unconditionally regardless of the instance's prior
// status, since "active" supersedes "blocked".
func OnToolApproved(toolName string) Transition {
	return Transition{Status: store.StatusActive, StatusContext: "approved:" + toolName}
}

// OnIdle handles the stop-hook transition: active → listening,
// status_context = "idle".
func OnIdle() Transition {
	return Transition{Status: store.StatusListening, StatusContext: "idle"}
}

// OnNotification handles the notification-hook transition: "*" →
// blocked, unless suppressed by an active subagent context (spec
// §4.6: "Notification hooks from the parent's session are suppressed
// ... because the permission prompt originates from a transient
// subagent and would otherwise stick on the parent").
func OnNotification(reason string, subagentActive bool) Transition {
	if subagentActive {
		return Transition{Suppressed: true}
	}
	return Transition{Status: store.StatusBlocked, StatusContext: reason}
}

// OnStop handles the terminal transition to inactive, produced by a
// CLI stop action or a terminal hook error. The caller is responsible
// for writing the accompanying life/stopped event with a full
// snapshot before deleting the instance row (spec §4.5, §3 Lifecycle).
func OnStop() Transition {
	return Transition{Status: store.StatusInactive, StatusContext: "stopped"}
}

// OnResume handles inactive → listening on CLI start --as/resume,
// cursor restored separately from the stopped snapshot by the caller.
func OnResume() Transition {
	return Transition{Status: store.StatusListening, StatusContext: "resumed"}
}

// RemoveSubagent removes agentID from parent's running_tasks.subagents
// and clears Active if the list becomes empty. It is intentionally
// tolerant of agentID never having been present — a subagent-stop hook
// must still succeed for a "ghost" subagent whose child instance row
// was never created (spec §4.6: "ghost subagent cleanup").
func RemoveSubagent(tasks store.RunningTasks, agentID string) store.RunningTasks {
	out := make([]store.Subagent, 0, len(tasks.Subagents))
	for _, sa := range tasks.Subagents {
		if sa.AgentID != agentID {
			out = append(out, sa)
		}
	}
	tasks.Subagents = out
	if len(out) == 0 {
		tasks.Active = false
	}
	return tasks
}

// AddSubagent records a newly spawned subagent under the parent's
// running_tasks and marks it active.
func AddSubagent(tasks store.RunningTasks, agentID, agentType string) store.RunningTasks {
	tasks.Active = true
	tasks.Subagents = append(tasks.Subagents, store.Subagent{AgentID: agentID, Type: agentType})
	return tasks
}
