package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/hcom/internal/store"
	"github.com/agentmesh/hcom/internal/subscription"
)

// FormattedMessage is one delivered event, rendered for inline
// injection into an agent's turn (spec §4.3 step 4).
type FormattedMessage struct {
	EventID int64
	Body    string
}

// tipState tracks whether the one-time tip for an intent has already
// been appended (spec §4.3: "Append one-time tips per intent on first
// encounter"). The set lives only for one Deliver call's batch; no
// tip-seen state is persisted, so a later Deliver call appends the tip
// again.
type tipState struct {
	seen map[store.Intent]struct{}
}

func newTipState() *tipState { return &tipState{seen: make(map[store.Intent]struct{})} }

func (t *tipState) tipFor(intent store.Intent) string {
	if intent == "" {
		return ""
	}
	if _, ok := t.seen[intent]; ok {
		return ""
	}
	t.seen[intent] = struct{}{}
	switch intent {
	case store.IntentRequest:
		return "(reply with --reply-to to answer this request)"
	case store.IntentAck:
		return "(this is an acknowledgement, no reply expected)"
	default:
		return ""
	}
}

// Deliver reads events after instanceName's cursor, includes those the
// instance should see, formats them, and (if advance) moves the cursor
// forward under the write lock (spec §4.3).
//
// Inclusion (spec §4.3 step 3, §4.7): a message event is included if the
// instance is mentioned, or mentions is empty and the instance's
// broadcast-listen flag is set, or any subscription owned by the
// instance matches. A non-message event is included only via a matching
// subscription (e.g. the "created"/"stopped"/"blocked"/"idle" presets).
//
// Even events excluded from messages still advance the cursor to the
// max scanned id (spec §4.3 step 5: "so instances cannot stall each
// other").
func Deliver(ctx context.Context, s *store.Store, instanceName string, advance bool) ([]FormattedMessage, int64, error) {
	inst, err := s.GetInstance(ctx, instanceName)
	if err != nil {
		return nil, 0, fmt.Errorf("load instance %s: %w", instanceName, err)
	}
	if inst == nil {
		return nil, 0, fmt.Errorf("instance %s not found", instanceName)
	}
	cursor := inst.LastEventID

	events, err := s.EventsAfter(ctx, cursor, "", 0)
	if err != nil {
		return nil, 0, fmt.Errorf("read events after %d: %w", cursor, err)
	}
	if len(events) == 0 {
		return nil, cursor, nil
	}

	filters, err := subscription.Active(ctx, s, instanceName)
	if err != nil {
		return nil, 0, fmt.Errorf("load subscriptions for %s: %w", instanceName, err)
	}

	// Collision matching needs recent file-event history beyond this
	// instance's own cursor window; file events are comparatively rare
	// next to message events so scanning the type in full is acceptable.
	priorFileEvents, err := s.EventsAfter(ctx, 0, store.EventFile, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("read file events for subscription matching: %w", err)
	}

	tips := newTipState()
	var messages []FormattedMessage
	maxScanned := cursor

	for _, e := range events {
		if e.ID > maxScanned {
			maxScanned = e.ID
		}
		included, isMessage, viaMention := shouldInclude(e, instanceName, inst.BroadcastListen, filters, priorFileEvents)
		if !included {
			continue
		}
		if isMessage {
			fm, err := formatMessageEvent(e, tips)
			if err != nil {
				return nil, 0, fmt.Errorf("format event %d: %w", e.ID, err)
			}
			messages = append(messages, fm)
			if advance && viaMention {
				if err := markDelivered(ctx, s, e, instanceName); err != nil {
					return nil, 0, fmt.Errorf("record delivered_to for event %d: %w", e.ID, err)
				}
			}
		} else {
			messages = append(messages, formatSubscriptionEvent(e))
		}
	}

	newCursor := cursor
	if advance {
		newCursor = maxScanned
		if newCursor > cursor {
			if err := s.UpdateInstance(ctx, instanceName, map[string]any{"last_event_id": newCursor}); err != nil {
				return nil, 0, fmt.Errorf("advance cursor for %s: %w", instanceName, err)
			}
		}
	}

	return messages, newCursor, nil
}

// shouldInclude reports whether e should be delivered to instanceName,
// whether e is a message event, and whether inclusion was via a direct
// @mention match — the only case that counts toward delivered_to, which
// spec §3 defines as "a subset of mentions computed at send time".
func shouldInclude(e *store.Event, instanceName string, broadcastListen bool, filters []store.SubscriptionFilter, priorFileEvents []*store.Event) (included, isMessage, viaMention bool) {
	if e.Type == store.EventMessage {
		var md store.MessageData
		if err := json.Unmarshal(e.Data, &md); err != nil {
			return false, true, false
		}
		if mentionsContain(md.Mentions, instanceName) {
			return true, true, true
		}
		if len(md.Mentions) == 0 && broadcastListen {
			return true, true, false
		}
		if subscription.Matches(filters, e, priorFileEvents) {
			return true, true, false
		}
		return false, true, false
	}
	return subscription.Matches(filters, e, priorFileEvents), false, false
}

// markDelivered adds instanceName to e's delivered_to list, if not
// already present, and persists the patched event data (spec §3, §8
// "delivered_to after delivery is a subset of mentions computed at send
// time" — recipients accumulate across separate Deliver calls, mentions
// are never recomputed).
func markDelivered(ctx context.Context, s *store.Store, e *store.Event, instanceName string) error {
	var md store.MessageData
	if err := json.Unmarshal(e.Data, &md); err != nil {
		return fmt.Errorf("unmarshal event %d for delivered_to update: %w", e.ID, err)
	}
	for _, d := range md.DeliveredTo {
		if d == instanceName {
			return nil
		}
	}
	md.DeliveredTo = append(md.DeliveredTo, instanceName)
	return s.UpdateEventData(ctx, e.ID, md)
}

func mentionsContain(mentions []string, name string) bool {
	for _, m := range mentions {
		if m == name {
			return true
		}
	}
	return false
}

func formatMessageEvent(e *store.Event, tips *tipState) (FormattedMessage, error) {
	var md store.MessageData
	if err := json.Unmarshal(e.Data, &md); err != nil {
		return FormattedMessage{}, err
	}

	body := "[" + md.From + "]"
	if md.Intent != "" && md.Intent != store.IntentInform {
		body += " intent=" + string(md.Intent)
	}
	if md.Thread != "" {
		body += " thread=" + md.Thread
	}
	if md.ReplyToLocal != nil {
		body += fmt.Sprintf(" reply_to=%d", *md.ReplyToLocal)
	}
	body += ": " + md.Text
	if tip := tips.tipFor(md.Intent); tip != "" {
		body += "\n" + tip
	}

	return FormattedMessage{EventID: e.ID, Body: body}, nil
}

func formatSubscriptionEvent(e *store.Event) FormattedMessage {
	return FormattedMessage{EventID: e.ID, Body: fmt.Sprintf("[%s] %s", e.Instance, e.Type)}
}
