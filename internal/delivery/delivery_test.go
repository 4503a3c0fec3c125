package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/hcom/internal/mention"
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

func mustCreateInstance(t *testing.T, s *store.Store, name string) {
	t.Helper()
	if err := s.CreateInstance(context.Background(), &store.InstanceRecord{Name: name}); err != nil {
		t.Fatalf("create instance %s: %v", name, err)
	}
}

func TestSingleDeviceFanOut(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	for _, name := range []string{"alpha", "bravo", "gamma"} {
		mustCreateInstance(t, s, name)
	}
	roster := []mention.RosterEntry{{Name: "alpha"}, {Name: "bravo"}, {Name: "gamma"}}

	res, err := Send(ctx, s, roster, "alpha", "@bravo @gamma hello", Envelope{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(res.Mentions) != 2 || res.Mentions[0] != "bravo" || res.Mentions[1] != "gamma" {
		t.Fatalf("mentions = %v", res.Mentions)
	}

	msgs, cursor, err := Deliver(ctx, s, "bravo", true)
	if err != nil {
		t.Fatalf("deliver bravo: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("bravo got %d messages, want 1", len(msgs))
	}
	if cursor != res.EventID {
		t.Fatalf("cursor = %d, want %d", cursor, res.EventID)
	}

	msgs, _, err = Deliver(ctx, s, "gamma", true)
	if err != nil {
		t.Fatalf("deliver gamma: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("gamma got %d messages, want 1", len(msgs))
	}

	msgs, _, err = Deliver(ctx, s, "alpha", true)
	if err != nil {
		t.Fatalf("deliver alpha: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("alpha got %d messages, want 0", len(msgs))
	}
}

func TestAckRequiresReplyTo(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	mustCreateInstance(t, s, "alpha")
	mustCreateInstance(t, s, "bravo")
	roster := []mention.RosterEntry{{Name: "alpha"}, {Name: "bravo"}}

	_, err := Send(ctx, s, roster, "alpha", "@bravo ok", Envelope{Intent: store.IntentAck})
	if err == nil {
		t.Fatal("expected error for ack without reply_to")
	}
	if !strings.Contains(err.Error(), "requires --reply-to") {
		t.Fatalf("error = %q, want it to mention --reply-to", err.Error())
	}

	maxID, err := s.MaxEventID(ctx)
	if err != nil {
		t.Fatalf("max event id: %v", err)
	}
	if maxID != 0 {
		t.Fatalf("expected no event logged, max id = %d", maxID)
	}
}

func TestThreadInheritance(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	mustCreateInstance(t, s, "alpha")
	mustCreateInstance(t, s, "bravo")
	roster := []mention.RosterEntry{{Name: "alpha"}, {Name: "bravo"}}

	parent, err := Send(ctx, s, roster, "bravo", "@alpha start", Envelope{Thread: "t1"})
	if err != nil {
		t.Fatalf("send parent: %v", err)
	}

	reply, err := Send(ctx, s, roster, "alpha", "@bravo ok", Envelope{
		Intent:       store.IntentAck,
		ReplyToLocal: &parent.EventID,
	})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}

	e, err := s.GetEvent(ctx, reply.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	var md store.MessageData
	if err := json.Unmarshal(e.Data, &md); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if md.Thread != "t1" {
		t.Fatalf("thread = %q, want t1", md.Thread)
	}
	if md.ReplyToLocal == nil || *md.ReplyToLocal != parent.EventID {
		t.Fatalf("reply_to_local = %v, want %d", md.ReplyToLocal, parent.EventID)
	}
}

func TestDeliveryIsIDFilteredNotTimeFiltered(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	mustCreateInstance(t, s, "alpha")
	mustCreateInstance(t, s, "bravo")
	id, err := s.LogEvent(ctx, store.EventMessage, "alpha",
		store.MessageData{From: "alpha", Text: "@bravo backdated", Mentions: []string{"bravo"}},
		time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("log backdated message: %v", err)
	}

	msgs, _, err := Deliver(ctx, s, "bravo", true)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(msgs) != 1 || msgs[0].EventID != id {
		t.Fatalf("msgs = %+v, want one event %d", msgs, id)
	}
}

func TestDeliveredToFilledOnMentionFanOut(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	for _, name := range []string{"alpha", "bravo", "gamma"} {
		mustCreateInstance(t, s, name)
	}
	roster := []mention.RosterEntry{{Name: "alpha"}, {Name: "bravo"}, {Name: "gamma"}}

	res, err := Send(ctx, s, roster, "alpha", "@bravo @gamma hi", Envelope{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	checkDeliveredTo := func(t *testing.T, want []string) {
		t.Helper()
		e, err := s.GetEvent(ctx, res.EventID)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		var md store.MessageData
		if err := json.Unmarshal(e.Data, &md); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(md.DeliveredTo) != len(want) {
			t.Fatalf("delivered_to = %v, want %v", md.DeliveredTo, want)
		}
		for i, w := range want {
			if md.DeliveredTo[i] != w {
				t.Fatalf("delivered_to = %v, want %v", md.DeliveredTo, want)
			}
		}
	}

	if _, _, err := Deliver(ctx, s, "bravo", true); err != nil {
		t.Fatalf("deliver bravo: %v", err)
	}
	checkDeliveredTo(t, []string{"bravo"})

	// Redelivering to bravo (e.g. a retried listen) must not duplicate
	// the entry.
	if _, _, err := Deliver(ctx, s, "bravo", true); err != nil {
		t.Fatalf("deliver bravo again: %v", err)
	}
	checkDeliveredTo(t, []string{"bravo"})

	if _, _, err := Deliver(ctx, s, "gamma", true); err != nil {
		t.Fatalf("deliver gamma: %v", err)
	}
	checkDeliveredTo(t, []string{"bravo", "gamma"})
}

func TestDeliveredToExcludesBroadcastRecipients(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	mustCreateInstance(t, s, "alpha")
	if err := s.CreateInstance(ctx, &store.InstanceRecord{Name: "bravo", BroadcastListen: true}); err != nil {
		t.Fatalf("create bravo: %v", err)
	}
	roster := []mention.RosterEntry{{Name: "alpha"}, {Name: "bravo"}}

	res, err := Send(ctx, s, roster, "alpha", "no mentions here", Envelope{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, _, err := Deliver(ctx, s, "bravo", true)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("bravo should receive the broadcast, got %d messages", len(msgs))
	}

	e, err := s.GetEvent(ctx, res.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	var md store.MessageData
	if err := json.Unmarshal(e.Data, &md); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(md.DeliveredTo) != 0 {
		t.Fatalf("delivered_to = %v, want empty (broadcast recipients aren't in mentions)", md.DeliveredTo)
	}
}

func TestCursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	mustCreateInstance(t, s, "alpha")
	mustCreateInstance(t, s, "bravo")
	roster := []mention.RosterEntry{{Name: "alpha"}, {Name: "bravo"}}

	if _, err := Send(ctx, s, roster, "alpha", "@bravo one", Envelope{}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	_, cursor1, err := Deliver(ctx, s, "bravo", true)
	if err != nil {
		t.Fatalf("deliver 1: %v", err)
	}

	// an unrelated message not addressed to bravo should still advance
	// its cursor on the next delivery (spec §4.3 step 5).
	if _, err := Send(ctx, s, roster, "alpha", "no mention here", Envelope{}); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	_, cursor2, err := Deliver(ctx, s, "bravo", true)
	if err != nil {
		t.Fatalf("deliver 2: %v", err)
	}

	if cursor2 < cursor1 {
		t.Fatalf("cursor regressed: %d -> %d", cursor1, cursor2)
	}
}
