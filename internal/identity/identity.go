// Package identity resolves "who am I" for a hook or CLI invocation
// (Design Note §9: "Session bindings and identity resolution"). It is
// modeled as an explicit resolver taking an immutable hcomctx.Context
// rather than a grab-bag of global accessors.
package identity

import (
	"context"
	"fmt"

	"github.com/agentmesh/hcom/internal/hcomctx"
	"github.com/agentmesh/hcom/internal/store"
)

// Kind enumerates what a resolved identity denotes.
type Kind string

const (
	KindInstance Kind = "instance"
	KindExternal Kind = "external"
	KindSystem   Kind = "system"
)

// Identity is the result of resolution (Design Note §9).
type Identity struct {
	Kind        Kind
	Name        string
	InstanceRow *store.InstanceRecord
	SessionID   string
}

// sessionBindingPrefix namespaces the session_id → instance_name KV
// entries (spec §3 KV entry: "session bindings {session_id →
// instance_name}").
const sessionBindingPrefix = "session_binding_"

// Resolve determines the calling instance from hctx plus a session id
// supplied by the hook payload, in priority order:
//  1. An existing session_id → instance_name binding in KV.
//  2. HCOM_NAME from the process environment (explicit --as style
//     override threaded through via Context.Env).
//  3. No identity: KindExternal (a non-participant caller, e.g. a
//     human running the CLI without --as).
func Resolve(ctx context.Context, s *store.Store, hctx hcomctx.Context, sessionID string) (Identity, error) {
	if sessionID != "" {
		if name, ok, err := lookupBinding(ctx, s, sessionID); err != nil {
			return Identity{}, err
		} else if ok {
			rec, err := s.GetInstance(ctx, name)
			if err != nil {
				return Identity{}, fmt.Errorf("load bound instance %s: %w", name, err)
			}
			if rec != nil {
				return Identity{Kind: KindInstance, Name: name, InstanceRow: rec, SessionID: sessionID}, nil
			}
			// Binding points at a row that no longer exists (e.g. the
			// instance was stopped); fall through to env/external.
		}
	}

	if name, ok := hctx.Env["HCOM_NAME"]; ok && name != "" {
		rec, err := s.GetInstance(ctx, name)
		if err != nil {
			return Identity{}, fmt.Errorf("load instance %s: %w", name, err)
		}
		if rec != nil {
			return Identity{Kind: KindInstance, Name: name, InstanceRow: rec, SessionID: sessionID}, nil
		}
	}

	return Identity{Kind: KindExternal, SessionID: sessionID}, nil
}

// Bind records a session_id → instance_name binding. Spec §3 Invariants:
// "binding the same session_id to a different instance requires an
// explicit rebind action" — Bind always performs that rebind; callers
// needing the stricter single-assignment check should verify the
// existing binding themselves via lookupBinding first.
func Bind(ctx context.Context, s *store.Store, sessionID, instanceName string) error {
	if sessionID == "" {
		return fmt.Errorf("bind: empty session id")
	}
	value := instanceName
	return s.KVSet(ctx, sessionBindingPrefix+sessionID, &value)
}

// Unbind removes a session binding, e.g. on instance stop.
func Unbind(ctx context.Context, s *store.Store, sessionID string) error {
	return s.KVSet(ctx, sessionBindingPrefix+sessionID, nil)
}

func lookupBinding(ctx context.Context, s *store.Store, sessionID string) (name string, ok bool, err error) {
	value, ok, err := s.KVGet(ctx, sessionBindingPrefix+sessionID)
	if err != nil {
		return "", false, fmt.Errorf("lookup session binding: %w", err)
	}
	return value, ok, nil
}
