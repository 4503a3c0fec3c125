// Package relay implements the MQTT cross-device overlay (spec §4.8):
// publishing this device's roster+event tail as a retained message,
// importing other devices' payloads with collision/reset handling, and
// dispatching control actions. Grounded on the teacher's
// internal/mqtt.Publisher (autopaho connection manager, LWT,
// reconnect-driven re-publish) and internal/mqtt.MessageHandler
// (rate-limited inbound dispatch), repurposed from Home Assistant
// discovery to relay state replication.
package relay

import (
	"encoding/json"

	"github.com/agentmesh/hcom/internal/store"
)

// maxEventsPerPublish bounds a single publish payload (spec §4.8
// "Publish payload": "up to 100").
const maxEventsPerPublish = 100

// StatePayload is the JSON body published (retained) on
// {relay_id}/{device_uuid} (spec §4.8 "Publish payload").
type StatePayload struct {
	State  DeviceState        `json:"state"`
	Events []EventEnvelope    `json:"events"`
}

// DeviceState is the "state" field of StatePayload.
type DeviceState struct {
	Instances map[string]InstanceSnapshot `json:"instances"`
	ShortID   string                      `json:"short_id"`
	ResetTS   int64                       `json:"reset_ts"`
}

// InstanceSnapshot is a roster row with local-only identifiers
// excluded (spec §4.8: "row fields excluding local-only identifiers").
type InstanceSnapshot struct {
	Status          store.Status `json:"status"`
	StatusContext   string       `json:"status_context,omitempty"`
	StatusDetail    string       `json:"status_detail,omitempty"`
	StatusTime      int64        `json:"status_time"`
	LastEventID     int64        `json:"last_event_id"`
	Tag             string       `json:"tag,omitempty"`
	Tool            store.Tool   `json:"tool,omitempty"`
	Background      bool         `json:"background"`
	ParentName      string       `json:"parent_name,omitempty"`
	Directory       string       `json:"directory,omitempty"`
	WaitTimeout     int          `json:"wait_timeout,omitempty"`
	SubagentTimeout int          `json:"subagent_timeout,omitempty"`
	Hints           string       `json:"hints,omitempty"`
	CreatedAt       int64        `json:"created_at"`
	LastStop        int64        `json:"last_stop,omitempty"`
}

// EventEnvelope is one event in the "events" tail of StatePayload. It
// mirrors store.Event but with Data kept as raw JSON for transport.
type EventEnvelope struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"ts"`
	Type      store.EventType `json:"type"`
	Instance  string          `json:"instance"`
	Data      json.RawMessage `json:"data"`
}

// snapshotFromInstance drops local-only identifiers (spec §4.8 "Import"
// step d: "Null out local-unique identifiers").
func snapshotFromInstance(rec *store.InstanceRecord) InstanceSnapshot {
	return InstanceSnapshot{
		Status:          rec.Status,
		StatusContext:   rec.StatusContext,
		StatusDetail:    rec.StatusDetail,
		StatusTime:      rec.StatusTime,
		LastEventID:     rec.LastEventID,
		Tag:             rec.Tag,
		Tool:            rec.Tool,
		Background:      rec.Background,
		ParentName:      rec.ParentName,
		Directory:       rec.Directory,
		WaitTimeout:     rec.WaitTimeout,
		SubagentTimeout: rec.SubagentTimeout,
		Hints:           rec.Hints,
		CreatedAt:       rec.CreatedAt,
		LastStop:        rec.LastStop,
	}
}
