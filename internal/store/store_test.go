package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hcom_test.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogEventMonotonicIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 20; i++ {
		id, err := s.LogEvent(ctx, EventMessage, "alpha", MessageData{Text: "hi"}, time.Time{})
		if err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestLogEventPastTimestampStillDeliverable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	past := time.Now().Add(-24 * time.Hour)
	id, err := s.LogEvent(ctx, EventMessage, "alpha", MessageData{Text: "old"}, past)
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	events, err := s.EventsAfter(ctx, 0, EventMessage, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 1 || events[0].ID != id {
		t.Fatalf("expected the past-timestamped event to be returned by id filter, got %+v", events)
	}
}

func TestInstanceCreateGetUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &InstanceRecord{Name: "alpha", Status: StatusUnknown}
	if err := s.CreateInstance(ctx, rec); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil || got.Name != "alpha" {
		t.Fatalf("GetInstance = %+v", got)
	}

	if err := s.UpdateInstance(ctx, "alpha", map[string]any{"status": string(StatusListening)}); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	got, _ = s.GetInstance(ctx, "alpha")
	if got.Status != StatusListening {
		t.Fatalf("status = %q, want listening", got.Status)
	}

	if err := s.UpdateInstance(ctx, "alpha", map[string]any{"nonexistent_field": 1}); err == nil {
		t.Fatal("expected error for unknown patch key")
	}
}

func TestUpdateInstanceSetsCursor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &InstanceRecord{Name: "bravo", Status: StatusListening}
	if err := s.CreateInstance(ctx, rec); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := s.UpdateInstance(ctx, "bravo", map[string]any{"last_event_id": int64(5)}); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	got, _ := s.GetInstance(ctx, "bravo")
	if got.LastEventID != 5 {
		t.Fatalf("last_event_id = %d, want 5", got.LastEventID)
	}
}

func TestKVSetGetPrefixDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v := "5"
	if err := s.KVSet(ctx, "relay_events_AAAA", &v); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	v2 := "9"
	if err := s.KVSet(ctx, "relay_events_BBBB", &v2); err != nil {
		t.Fatalf("KVSet: %v", err)
	}

	got, ok, err := s.KVGet(ctx, "relay_events_AAAA")
	if err != nil || !ok || got != "5" {
		t.Fatalf("KVGet = (%q, %v, %v)", got, ok, err)
	}

	prefixed, err := s.KVPrefix(ctx, "relay_events_")
	if err != nil {
		t.Fatalf("KVPrefix: %v", err)
	}
	if len(prefixed) != 2 {
		t.Fatalf("KVPrefix returned %d entries, want 2", len(prefixed))
	}

	if err := s.KVSet(ctx, "relay_events_AAAA", nil); err != nil {
		t.Fatalf("KVSet delete: %v", err)
	}
	_, ok, _ = s.KVGet(ctx, "relay_events_AAAA")
	if ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestNotifyEndpointsRegisterListDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RegisterNotifyPort(ctx, "alpha", 5001); err != nil {
		t.Fatalf("RegisterNotifyPort: %v", err)
	}
	if err := s.RegisterNotifyPort(ctx, "alpha", 5001); err != nil {
		t.Fatalf("RegisterNotifyPort (duplicate): %v", err)
	}
	if err := s.RegisterNotifyPort(ctx, "alpha", 5002); err != nil {
		t.Fatalf("RegisterNotifyPort: %v", err)
	}

	ports, err := s.ListNotifyPorts(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListNotifyPorts: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("ports = %v, want 2 entries", ports)
	}

	if err := s.DeleteNotifyEndpoint(ctx, "alpha", &ports[0]); err != nil {
		t.Fatalf("DeleteNotifyEndpoint: %v", err)
	}
	ports, _ = s.ListNotifyPorts(ctx, "alpha")
	if len(ports) != 1 {
		t.Fatalf("ports after delete = %v, want 1 entry", ports)
	}
}

func TestStoppedSnapshotRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	snap := &InstanceRecord{Name: "gamma", Status: StatusInactive, LastEventID: 42}
	if _, err := s.LogEvent(ctx, EventLife, "gamma", LifeData{Action: LifeStopped, Snapshot: snap}, time.Time{}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	got, err := s.StoppedSnapshotLoad(ctx, "gamma")
	if err != nil {
		t.Fatalf("StoppedSnapshotLoad: %v", err)
	}
	if got == nil || got.LastEventID != 42 {
		t.Fatalf("StoppedSnapshotLoad = %+v", got)
	}
}

func TestResetWritesLifeEventAndClearsRelayKV(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v := "12"
	if err := s.KVSet(ctx, "relay_events_AAAA", &v); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	if err := s.KVSet(ctx, "device_uuid", &v); err != nil {
		t.Fatalf("KVSet: %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	_, ok, _ := s.KVGet(ctx, "relay_events_AAAA")
	if ok {
		t.Fatal("expected relay_events_AAAA to be cleared by reset")
	}
	_, ok, _ = s.KVGet(ctx, "device_uuid")
	if !ok {
		t.Fatal("expected device_uuid identity marker to survive reset")
	}

	events, err := s.EventsAfter(ctx, 0, EventLife, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected a life/reset event to be logged")
	}
}
