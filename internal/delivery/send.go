// Package delivery implements addressed message send and per-instance
// delivery (spec §4.3). It composes the mention, subscription, and store
// packages: mention routing decides who a message is addressed to,
// subscription decides who else should see it, and the store provides
// the durable log and per-instance cursor.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/hcom/internal/hcomerr"
	"github.com/agentmesh/hcom/internal/mention"
	"github.com/agentmesh/hcom/internal/store"
)

// Envelope carries the optional fields that control reply expectations
// and thread inheritance (spec §4.3 "Envelope semantics").
type Envelope struct {
	Intent       store.Intent
	Thread       string
	ReplyToLocal *int64
}

// Result is what Send reports back to the caller.
type Result struct {
	EventID    int64
	Recipients []string
	Mentions   []string
}

// Send logs a message event addressed by @mentions in text, resolved
// against roster. senderName is dropped from its own mentions/recipients.
//
// intent=ack requires ReplyToLocal (spec §8: "Envelope ack requires
// reply_to"); thread is inherited from the replied-to event when Thread
// is empty and ReplyToLocal is set (spec §8: "Thread inheritance").
// A send with zero resolvable recipients still logs the message (spec
// §7: "Send with zero resolvable recipients still logs the message").
func Send(ctx context.Context, s *store.Store, roster []mention.RosterEntry, senderName, text string, env Envelope) (Result, error) {
	if env.Intent == store.IntentAck && env.ReplyToLocal == nil {
		return Result{}, fmt.Errorf("%w: intent=ack requires --reply-to", hcomerr.ErrInput)
	}

	thread := env.Thread
	if thread == "" && env.ReplyToLocal != nil {
		parent, err := s.GetEvent(ctx, *env.ReplyToLocal)
		if err != nil {
			return Result{}, fmt.Errorf("look up reply_to event %d: %w", *env.ReplyToLocal, err)
		}
		if parent != nil && parent.Type == store.EventMessage {
			var parentData store.MessageData
			if err := json.Unmarshal(parent.Data, &parentData); err == nil {
				thread = parentData.Thread
			}
		}
	}

	recipientSet, mentions := mention.Route(text, senderName, roster)
	recipients := make([]string, 0, len(recipientSet))
	for name := range recipientSet {
		recipients = append(recipients, name)
	}

	data := store.MessageData{
		Text:     text,
		From:     senderName,
		Mentions: mentions,
		Intent:   env.Intent,
		Thread:   thread,
	}
	if env.ReplyToLocal != nil {
		data.ReplyToLocal = env.ReplyToLocal
	}

	id, err := s.LogEvent(ctx, store.EventMessage, senderName, data, time.Time{})
	if err != nil {
		return Result{}, err
	}

	return Result{EventID: id, Recipients: recipients, Mentions: mentions}, nil
}
