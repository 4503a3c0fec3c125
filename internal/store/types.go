package store

import "encoding/json"

// EventType enumerates the small fixed set of event kinds flowing
// through the log (spec §3 Entities: Event).
type EventType string

const (
	EventMessage      EventType = "message"
	EventLife         EventType = "life"
	EventTool         EventType = "tool"
	EventBundle       EventType = "bundle"
	EventControl      EventType = "control"
	EventStatus       EventType = "status"
	EventFile         EventType = "file"
	EventSubscription EventType = "subscription"
)

// Event is an immutable log record. Data is kept as raw JSON so callers
// decode the variant they expect (see MessageData, LifeData, etc.)
// without the store needing to know every tag. Decoding Data into one
// of those structs drops any field the struct does not declare;
// MessageData.Extra is not filled by encoding/json.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp string    `json:"timestamp"` // ISO-8601 UTC
	Type      EventType `json:"type"`
	Instance  string    `json:"instance"`
	Data      json.RawMessage `json:"data"`
}

// Intent is the envelope field controlling reply expectations.
type Intent string

const (
	IntentRequest Intent = "request"
	IntentInform  Intent = "inform"
	IntentAck     Intent = "ack"
)

// MessageData is the data payload for EventMessage events.
type MessageData struct {
	Text          string   `json:"text"`
	From          string   `json:"from"`
	Mentions      []string `json:"mentions"`
	Intent        Intent   `json:"intent,omitempty"`
	Thread        string   `json:"thread,omitempty"`
	ReplyToLocal  *int64   `json:"reply_to_local,omitempty"`
	DeliveredTo   []string `json:"delivered_to,omitempty"`
	Relay         *RelayOrigin `json:"_relay,omitempty"`
	Extra         map[string]any `json:"-"`
}

// RelayOrigin annotates an event imported from a remote device (spec
// §3: "For relay-imported events, data._relay = {device, short, id}").
type RelayOrigin struct {
	Device string `json:"device"`
	Short  string `json:"short"`
	ID     int64  `json:"id"`
}

// LifeAction enumerates the actions recorded by EventLife events.
type LifeAction string

const (
	LifeStarted LifeAction = "started"
	LifeStopped LifeAction = "stopped"
	LifeReset   LifeAction = "reset"
)

// LifeData is the data payload for EventLife events.
type LifeData struct {
	Action   LifeAction      `json:"action"`
	Snapshot *InstanceRecord `json:"snapshot,omitempty"`
}

// ToolData is the data payload for EventTool events.
type ToolData struct {
	Name     string `json:"name"`
	Input    any    `json:"input,omitempty"`
	Response any    `json:"response,omitempty"`
}

// ControlAction enumerates relay control actions (spec §4.8).
type ControlAction string

const (
	ControlStop  ControlAction = "stop"
	ControlStart ControlAction = "start"
)

// ControlData is the data payload for EventControl events.
type ControlData struct {
	Action       ControlAction `json:"action"`
	Target       string        `json:"target"`
	TargetDevice string        `json:"target_device"`
	From         string        `json:"from"`
	FromDevice   string        `json:"from_device"`
}

// SubscriptionAction enumerates whether a subscription event adds or
// removes a filter.
type SubscriptionAction string

const (
	SubscriptionAdd    SubscriptionAction = "subscribe"
	SubscriptionRemove SubscriptionAction = "unsubscribe"
)

// SubscriptionData is the data payload for EventSubscription events.
type SubscriptionData struct {
	Action SubscriptionAction `json:"action"`
	Filter SubscriptionFilter `json:"filter"`
}

// SubscriptionFilter describes what an instance is subscribed to
// (spec §4.7). When Preset is set the other fields are ignored;
// otherwise every set field among Glob, Agent and Action must match,
// and a filter with none of them set matches nothing.
type SubscriptionFilter struct {
	Preset string `json:"preset,omitempty"` // collision|created|stopped|blocked|idle
	Glob   string `json:"glob,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Action string `json:"action,omitempty"`
}

// FileOp enumerates file-event operations.
type FileOp string

const (
	FileOpRead  FileOp = "read"
	FileOpWrite FileOp = "write"
	FileOpEdit  FileOp = "edit"
)

// FileData is the data payload for EventFile events.
type FileData struct {
	Path string `json:"path"`
	Op   FileOp `json:"op"`
}

// StatusData is the data payload for EventStatus events, recording a
// state-machine transition for audit (spec §4.5).
type StatusData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Status enumerates instance lifecycle states (spec §4.5).
type Status string

const (
	StatusActive    Status = "active"
	StatusListening Status = "listening"
	StatusBlocked   Status = "blocked"
	StatusInactive  Status = "inactive"
	StatusUnknown   Status = "unknown"
)

// Tool enumerates the coding tool an instance wraps.
type Tool string

const (
	ToolClaude Tool = "claude"
	ToolGemini Tool = "gemini"
	ToolCodex  Tool = "codex"
	ToolAdhoc  Tool = "adhoc"
)

// RunningTasks tracks subagents spawned by a parent instance (spec
// §4.6 Subagent context).
type RunningTasks struct {
	Active    bool        `json:"active"`
	Subagents []Subagent  `json:"subagents,omitempty"`
}

// Subagent identifies one spawned child task.
type Subagent struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"type"`
}

// InstanceRecord is the roster row (spec §3 Entities: Instance).
type InstanceRecord struct {
	Name             string `json:"name"`
	Status           Status `json:"status"`
	StatusContext    string `json:"status_context,omitempty"`
	StatusDetail     string `json:"status_detail,omitempty"`
	StatusTime       int64  `json:"status_time"`
	LastEventID      int64  `json:"last_event_id"`
	Tag              string `json:"tag,omitempty"`
	Tool             Tool   `json:"tool,omitempty"`
	Background       bool   `json:"background"`
	SessionID        string `json:"session_id,omitempty"`
	ParentName       string `json:"parent_name,omitempty"`
	Directory        string `json:"directory,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
	WaitTimeout      int    `json:"wait_timeout,omitempty"`
	SubagentTimeout  int    `json:"subagent_timeout,omitempty"`
	Hints            string `json:"hints,omitempty"`
	OriginDeviceID   string `json:"origin_device_id,omitempty"`
	TCPMode          bool   `json:"tcp_mode"`
	RunningTasks     RunningTasks `json:"running_tasks"`
	CreatedAt        int64  `json:"created_at"`
	LastStop         int64  `json:"last_stop,omitempty"`
	// BroadcastListen opts this instance into receiving mentions=[]
	// events (Design Note §9, Open Question "broadcast-listen
	// policy"). Defaults to false per spec.
	BroadcastListen  bool   `json:"broadcast_listen"`
}

// IsRemote reports whether this row was imported from another device
// (spec §3 Invariants: remote rows carry a non-empty origin_device_id
// and a "name:SHORT" key).
func (r *InstanceRecord) IsRemote() bool {
	return r.OriginDeviceID != ""
}

// InstanceFilter narrows IterInstances results (spec §4.1).
type InstanceFilter struct {
	Tag       string
	Tool      Tool
	Status    Status
	LocalOnly bool
}
