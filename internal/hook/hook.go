// Package hook implements the external hook dispatcher contract (spec
// §6.2, §6.3): read a JSON event off stdin, resolve identity, apply a
// status transition, deliver pending messages, and print a formatted
// batch to stdout. Hook-path errors are never fatal to the agent (spec
// §7): Run always returns exit code 0 on best-effort failure, logging
// instead of propagating.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/agentmesh/hcom/internal/delivery"
	"github.com/agentmesh/hcom/internal/hcomctx"
	"github.com/agentmesh/hcom/internal/identity"
	"github.com/agentmesh/hcom/internal/status"
	"github.com/agentmesh/hcom/internal/store"
	"github.com/agentmesh/hcom/internal/wake"
)

// EventName enumerates the hook_event_name values spec §6.2 lists.
type EventName string

const (
	EventPre               EventName = "pre"
	EventPost              EventName = "post"
	EventNotify            EventName = "notify"
	EventSessionStart      EventName = "sessionstart"
	EventUserPromptSubmit  EventName = "userpromptsubmit"
	EventSessionEnd        EventName = "sessionend"
	EventSubagentStart     EventName = "subagent-start"
	EventSubagentStop      EventName = "subagent-stop"
)

// Payload is the JSON object hooks receive on stdin (spec §6.2).
type Payload struct {
	HookEventName  EventName       `json:"hook_event_name"`
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse   json.RawMessage `json:"tool_response,omitempty"`
	Message        string          `json:"message,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	AgentType      string          `json:"agent_type,omitempty"`
}

// fastPathTimeout bounds the liveness gate query (spec §6.3: "a
// 1-second timeout").
const fastPathTimeout = 1 * time.Second

// FastPathGate reports whether the dispatcher should skip all heavy
// work because no participants exist yet (spec §6.3). Errors fall
// through to the full dispatcher (return false) rather than being
// treated as "no instances".
func FastPathGate(ctx context.Context, s *store.Store) bool {
	gateCtx, cancel := context.WithTimeout(ctx, fastPathTimeout)
	defer cancel()
	instances, err := s.IterInstances(gateCtx, store.InstanceFilter{})
	if err != nil {
		return false
	}
	return len(instances) == 0
}

// Run reads one hook payload from r, dispatches it, and writes the
// formatted message batch to w. It always returns nil (spec §7:
// "dispatcher always exits 0 on best-effort failure and logs") —
// callers that want to observe failures should inspect the logger.
func Run(ctx context.Context, s *store.Store, hctx hcomctx.Context, r io.Reader, w io.Writer) error {
	if FastPathGate(ctx, s) {
		return nil
	}

	var payload Payload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		hctx.Logger.Warn("hook: decode stdin failed", "error", err)
		return nil
	}

	id, err := identity.Resolve(ctx, s, hctx, payload.SessionID)
	if err != nil {
		hctx.Logger.Warn("hook: identity resolution failed", "error", err)
		return nil
	}
	if id.Kind != identity.KindInstance {
		// Not a registered participant: nothing to do (spec §6.2
		// fast-path gate covers the "no instances at all" case; this
		// covers "instances exist but this caller isn't one").
		return nil
	}

	if err := applyTransition(ctx, s, id, payload); err != nil {
		hctx.Logger.Warn("hook: status transition failed", "instance", id.Name, "error", err)
	}
	if err := maybeLogFileEvent(ctx, s, id.Name, payload); err != nil {
		hctx.Logger.Warn("hook: file event log failed", "instance", id.Name, "error", err)
	}

	messages, _, err := delivery.Deliver(ctx, s, id.Name, true)
	if err != nil {
		hctx.Logger.Warn("hook: delivery failed", "instance", id.Name, "error", err)
		return nil
	}

	for _, m := range messages {
		fmt.Fprintln(w, m.Body)
	}
	return nil
}

func applyTransition(ctx context.Context, s *store.Store, id identity.Identity, payload Payload) error {
	rec := id.InstanceRow
	subagentActive := rec != nil && rec.RunningTasks.Active

	var tr status.Transition
	switch payload.HookEventName {
	case EventPre, EventUserPromptSubmit:
		tr = status.OnToolStart(payload.ToolName)
	case EventPost:
		tr = status.OnToolApproved(payload.ToolName)
	case EventSessionEnd:
		tr = status.OnIdle()
	case EventNotify:
		tr = status.OnNotification(payload.Message, subagentActive)
	case EventSubagentStart:
		if rec != nil {
			tasks := status.AddSubagent(rec.RunningTasks, payload.AgentID, payload.AgentType)
			return s.UpdateInstance(ctx, id.Name, map[string]any{"running_tasks": tasks})
		}
		return nil
	case EventSubagentStop:
		if rec != nil {
			tasks := status.RemoveSubagent(rec.RunningTasks, payload.AgentID)
			return s.UpdateInstance(ctx, id.Name, map[string]any{"running_tasks": tasks})
		}
		return nil
	default:
		return nil
	}

	if tr.Suppressed {
		return nil
	}
	from := ""
	if rec != nil {
		from = string(rec.Status)
	}
	if err := s.UpdateInstance(ctx, id.Name, tr.Patch(time.Time{})); err != nil {
		return err
	}
	if _, err := s.LogEvent(ctx, store.EventStatus, id.Name,
		store.StatusData{From: from, To: string(tr.Status)}, time.Time{}); err != nil {
		return err
	}
	if tr.Status == store.StatusBlocked {
		// A blocked instance is itself a wake-worthy event for anyone
		// subscribed to the "blocked" preset (spec §4.7).
		wake.NotifyAll(ctx, s, nil)
	}
	return nil
}

// maybeLogFileEvent logs a file event for post-tool-use hooks whose
// tool reads or mutates a file path, giving the "collision" preset
// (spec §4.7: "two file events for the same path within 20 seconds by
// different instances") candidates to match against.
func maybeLogFileEvent(ctx context.Context, s *store.Store, instance string, payload Payload) error {
	if payload.HookEventName != EventPost {
		return nil
	}
	op, ok := fileOpForTool(payload.ToolName)
	if !ok {
		return nil
	}
	path, ok := extractToolFilePath(payload.ToolInput)
	if !ok {
		return nil
	}
	_, err := s.LogEvent(ctx, store.EventFile, instance, store.FileData{Path: path, Op: op}, time.Time{})
	return err
}

func fileOpForTool(toolName string) (store.FileOp, bool) {
	switch toolName {
	case "Write":
		return store.FileOpWrite, true
	case "Edit", "MultiEdit", "NotebookEdit":
		return store.FileOpEdit, true
	case "Read":
		return store.FileOpRead, true
	default:
		return "", false
	}
}

func extractToolFilePath(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var in struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &in); err != nil || in.FilePath == "" {
		return "", false
	}
	return in.FilePath, true
}
