// Package subscription implements event-stream subscriptions and the
// built-in presets described in spec §4.7. Subscriptions are
// first-class events (store.EventSubscription); this package loads the
// currently-active set for an instance and evaluates whether a
// candidate event matches, deterministically and without consuming
// the subscription (spec: "on match the subscription is not
// consumed").
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/hcom/internal/store"
)

// Preset name constants (spec §4.7 "Built-in presets").
const (
	PresetCollision = "collision"
	PresetCreated   = "created"
	PresetStopped   = "stopped"
	PresetBlocked   = "blocked"
	PresetIdle      = "idle"
)

// collisionWindow is the time window within which two file events on
// the same path from different instances count as a collision.
const collisionWindow = 20 * time.Second

// Active loads the currently-active subscription filters for an
// instance by replaying its subscription events in order: each
// "subscribe" adds a filter, each "unsubscribe" with a matching filter
// removes it.
func Active(ctx context.Context, s *store.Store, instance string) ([]store.SubscriptionFilter, error) {
	events, err := s.EventsAfter(ctx, 0, store.EventSubscription, 0)
	if err != nil {
		return nil, fmt.Errorf("load subscription events: %w", err)
	}

	var active []store.SubscriptionFilter
	for _, e := range events {
		if e.Instance != instance {
			continue
		}
		var sd store.SubscriptionData
		if err := json.Unmarshal(e.Data, &sd); err != nil {
			continue
		}
		switch sd.Action {
		case store.SubscriptionAdd:
			active = append(active, sd.Filter)
		case store.SubscriptionRemove:
			active = removeFilter(active, sd.Filter)
		}
	}
	return active, nil
}

// Subscribe logs a subscribe action for instance/filter. Re-subscribing
// to a filter already active is idempotent at evaluation time (Active
// replays in order, so a duplicate add is simply a no-op filter
// already present in the result).
func Subscribe(ctx context.Context, s *store.Store, instance string, filter store.SubscriptionFilter) error {
	_, err := s.LogEvent(ctx, store.EventSubscription, instance,
		store.SubscriptionData{Action: store.SubscriptionAdd, Filter: filter}, time.Time{})
	return err
}

// Unsubscribe logs an unsubscribe action for instance/filter.
func Unsubscribe(ctx context.Context, s *store.Store, instance string, filter store.SubscriptionFilter) error {
	_, err := s.LogEvent(ctx, store.EventSubscription, instance,
		store.SubscriptionData{Action: store.SubscriptionRemove, Filter: filter}, time.Time{})
	return err
}

func removeFilter(filters []store.SubscriptionFilter, target store.SubscriptionFilter) []store.SubscriptionFilter {
	out := filters[:0]
	for _, f := range filters {
		if f != target {
			out = append(out, f)
		}
	}
	return out
}

// Matches reports whether candidate matches any of the given filters
// for the owning instance. priorEvents supplies enough history for
// stateful presets like "collision"; Deliver passes every file event
// logged so far.
func Matches(filters []store.SubscriptionFilter, candidate *store.Event, priorEvents []*store.Event) bool {
	for _, f := range filters {
		if matchOne(f, candidate, priorEvents) {
			return true
		}
	}
	return false
}

func matchOne(f store.SubscriptionFilter, candidate *store.Event, priorEvents []*store.Event) bool {
	if f.Preset != "" {
		return matchPreset(f.Preset, candidate, priorEvents)
	}
	if f.Agent != "" && f.Agent != candidate.Instance {
		return false
	}
	if f.Action != "" {
		action, ok := extractAction(candidate)
		if !ok || action != f.Action {
			return false
		}
	}
	if f.Glob != "" {
		path, ok := extractFilePath(candidate)
		if !ok {
			return false
		}
		matched, err := globMatch(f.Glob, path)
		if err != nil || !matched {
			return false
		}
	}
	// A filter with none of Preset/Agent/Action/Glob set matches
	// nothing: an empty filter is not a wildcard subscription.
	if f.Agent == "" && f.Action == "" && f.Glob == "" {
		return false
	}
	return true
}

func matchPreset(preset string, candidate *store.Event, priorEvents []*store.Event) bool {
	switch preset {
	case PresetCreated:
		return candidate.Type == store.EventLife && lifeAction(candidate) == store.LifeStarted
	case PresetStopped:
		return candidate.Type == store.EventLife && lifeAction(candidate) == store.LifeStopped
	case PresetBlocked:
		return candidate.Type == store.EventStatus && statusTo(candidate) == store.StatusBlocked
	case PresetIdle:
		return candidate.Type == store.EventStatus && statusTo(candidate) == store.StatusListening
	case PresetCollision:
		return isCollision(candidate, priorEvents)
	default:
		return false
	}
}

func lifeAction(e *store.Event) store.LifeAction {
	var ld store.LifeData
	if err := json.Unmarshal(e.Data, &ld); err != nil {
		return ""
	}
	return ld.Action
}

func statusTo(e *store.Event) store.Status {
	var sd store.StatusData
	if err := json.Unmarshal(e.Data, &sd); err != nil {
		return ""
	}
	return store.Status(sd.To)
}

func extractAction(e *store.Event) (string, bool) {
	switch e.Type {
	case store.EventFile:
		var fd store.FileData
		if err := json.Unmarshal(e.Data, &fd); err != nil {
			return "", false
		}
		return string(fd.Op), true
	case store.EventControl:
		var cd store.ControlData
		if err := json.Unmarshal(e.Data, &cd); err != nil {
			return "", false
		}
		return string(cd.Action), true
	default:
		return "", false
	}
}

func extractFilePath(e *store.Event) (string, bool) {
	if e.Type != store.EventFile {
		return "", false
	}
	var fd store.FileData
	if err := json.Unmarshal(e.Data, &fd); err != nil {
		return "", false
	}
	return fd.Path, true
}

// isCollision reports whether candidate is a file event whose path was
// also touched by a *different* instance within the last
// collisionWindow, per the prior events supplied.
func isCollision(candidate *store.Event, priorEvents []*store.Event) bool {
	if candidate.Type != store.EventFile {
		return false
	}
	path, ok := extractFilePath(candidate)
	if !ok {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, candidate.Timestamp)
	if err != nil {
		return false
	}
	for _, other := range priorEvents {
		if other.ID == candidate.ID || other.Type != store.EventFile || other.Instance == candidate.Instance {
			continue
		}
		otherPath, ok := extractFilePath(other)
		if !ok || otherPath != path {
			continue
		}
		otherTS, err := time.Parse(time.RFC3339Nano, other.Timestamp)
		if err != nil {
			continue
		}
		if absDuration(ts.Sub(otherTS)) <= collisionWindow {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
