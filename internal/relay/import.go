package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/hcom/internal/hcompath"
	"github.com/agentmesh/hcom/internal/store"
	"github.com/agentmesh/hcom/internal/wake"
)

// Importer applies inbound relay payloads to the local store (spec
// §4.8 "Import (on_message)"). One Importer per relay Config; callers
// wire its Handle method as the Publisher's onImport callback.
type Importer struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger
}

// NewImporter creates an Importer bound to cfg and s.
func NewImporter(cfg Config, s *store.Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{cfg: cfg, store: s, logger: logger}
}

// Handle dispatches one inbound MQTT message by topic suffix (spec
// §4.8 "Import (on_message)" steps 1-3).
func (im *Importer) Handle(ctx context.Context, topic string, payload []byte) {
	prefix := im.cfg.topicPrefix() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return
	}
	suffix := strings.TrimPrefix(topic, prefix)

	switch {
	case suffix == "control":
		im.handleControl(ctx, payload)
	case suffix == im.cfg.DeviceUUID:
		// Echo of our own retained publish.
		return
	case len(payload) == 0:
		im.handleDeviceGone(ctx, suffix)
	default:
		im.handleDeviceState(ctx, suffix, payload)
	}
}

// handleDeviceGone implements spec §4.8 step 1: empty payload on a
// device suffix means "delete everything imported from this device".
func (im *Importer) handleDeviceGone(ctx context.Context, device string) {
	err := im.store.WithWrite(ctx, func(tx *sql.Tx) error {
		if err := store.DeleteInstancesByOriginTx(tx, device); err != nil {
			return err
		}
		return store.DeleteEventsFromRelayDeviceTx(tx, device)
	})
	if err != nil {
		im.logger.Warn("relay device-gone cleanup failed", "device", device, "error", err)
		return
	}
	im.clearShortMapping(ctx, device)
	if err := im.store.KVSet(ctx, "relay_sync_time_"+device, nil); err != nil {
		im.logger.Warn("relay clear sync time failed", "device", device, "error", err)
	}
}

func (im *Importer) handleControl(ctx context.Context, payload []byte) {
	var cd store.ControlData
	if err := json.Unmarshal(payload, &cd); err != nil {
		im.logger.Warn("relay control payload decode failed", "error", err)
		return
	}
	// Only process when addressed to us (spec §4.8 "Control events").
	if cd.TargetDevice != im.cfg.DeviceShort {
		return
	}

	floorKey := "relay_ctrl_" + cd.FromDevice
	floorStr, _, err := im.store.KVGet(ctx, floorKey)
	if err != nil {
		im.logger.Warn("relay control floor read failed", "error", err)
		return
	}
	floor, _ := strconv.ParseInt(floorStr, 10, 64)
	now := time.Now().Unix()
	if now <= floor {
		return
	}

	switch cd.Action {
	case store.ControlStop:
		if err := im.store.DeleteInstance(ctx, cd.Target); err != nil {
			im.logger.Warn("relay control stop failed", "target", cd.Target, "error", err)
		}
	case store.ControlStart:
		// A remote device cannot be instructed to start a new process;
		// this is log-only (spec §4.8 "Control events").
		im.logger.Info("relay control start received (log-only)", "target", cd.Target, "from", cd.From)
	}

	value := strconv.FormatInt(now, 10)
	if err := im.store.KVSet(ctx, floorKey, &value); err != nil {
		im.logger.Warn("relay control floor advance failed", "error", err)
	}
}

// handleDeviceState implements spec §4.8 step 3: collision check,
// reset detection, instance upsert with namespacing, event import with
// id-regression-triggered reset, then wake-all-local-endpoints.
func (im *Importer) handleDeviceState(ctx context.Context, device string, payload []byte) {
	var sp StatePayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		im.logger.Warn("relay state payload decode failed", "device", device, "error", err)
		return
	}

	// 3.a: short-id collision check.
	shortKey := "relay_short_" + sp.State.ShortID
	existingDevice, ok, err := im.store.KVGet(ctx, shortKey)
	if err != nil {
		im.logger.Warn("relay short-id lookup failed", "error", err)
		return
	}
	if ok && existingDevice != "" && existingDevice != device {
		im.logger.Warn("relay short-id collision discarded", "short_id", sp.State.ShortID, "incoming_device", device, "existing_device", existingDevice)
		return
	}
	shortValue := device
	if err := im.store.KVSet(ctx, shortKey, &shortValue); err != nil {
		im.logger.Warn("relay short-id claim failed", "error", err)
	}

	// 3.b: remote reset detection via reset_ts advance.
	resetFloorKey := "relay_reset_" + device
	resetFloorStr, _, err := im.store.KVGet(ctx, resetFloorKey)
	if err != nil {
		im.logger.Warn("relay reset floor read failed", "error", err)
		return
	}
	resetFloor, _ := strconv.ParseInt(resetFloorStr, 10, 64)
	if sp.State.ResetTS > resetFloor {
		if err := im.applyRemoteReset(ctx, device, sp.State.ResetTS); err != nil {
			im.logger.Warn("relay remote reset failed", "device", device, "error", err)
			return
		}
	}

	// 3.c: local reset floor — skip stale rows/events.
	localResetTS, err := im.localResetFloor(ctx)
	if err != nil {
		im.logger.Warn("relay local reset floor lookup failed", "error", err)
		return
	}

	// 3.d/3.e: upsert namespaced instances, delete disappeared ones.
	if err := im.applyInstances(ctx, device, sp.State, localResetTS); err != nil {
		im.logger.Warn("relay instance import failed", "device", device, "error", err)
		return
	}

	// 3.f: import events, with id-regression detection.
	if err := im.applyEvents(ctx, device, sp.State.ShortID, sp.Events, localResetTS); err != nil {
		im.logger.Warn("relay event import failed", "device", device, "error", err)
		return
	}

	// 3.g: wake local listeners so they see new remote messages.
	wake.NotifyAll(ctx, im.store, im.logger)

	syncValue := strconv.FormatInt(time.Now().Unix(), 10)
	if err := im.store.KVSet(ctx, "relay_sync_time_"+device, &syncValue); err != nil {
		im.logger.Warn("relay sync time update failed", "device", device, "error", err)
	}
}

func (im *Importer) applyRemoteReset(ctx context.Context, device string, resetTS int64) error {
	err := im.store.WithWrite(ctx, func(tx *sql.Tx) error {
		if err := store.DeleteInstancesByOriginTx(tx, device); err != nil {
			return err
		}
		return store.DeleteEventsFromRelayDeviceTx(tx, device)
	})
	if err != nil {
		return err
	}
	resetValue := strconv.FormatInt(resetTS, 10)
	if err := im.store.KVSet(ctx, "relay_reset_"+device, &resetValue); err != nil {
		return err
	}
	zero := "0"
	return im.store.KVSet(ctx, "relay_events_"+device, &zero)
}

func (im *Importer) localResetFloor(ctx context.Context) (int64, error) {
	v, ok, err := im.store.KVGet(ctx, "relay_local_reset_ts")
	if err != nil {
		return 0, err
	}
	if ok {
		ts, _ := strconv.ParseInt(v, 10, 64)
		return ts, nil
	}
	ts, err := im.store.LastLocalResetTimestamp(ctx)
	if err != nil {
		return 0, err
	}
	if ts.IsZero() {
		return 0, nil
	}
	return ts.Unix(), nil
}

func (im *Importer) applyInstances(ctx context.Context, device string, state DeviceState, localResetTS int64) error {
	keep := make(map[string]struct{}, len(state.Instances))
	return im.store.WithWrite(ctx, func(tx *sql.Tx) error {
		for name, snap := range state.Instances {
			if snap.StatusTime < localResetTS {
				continue
			}
			namespaced := hcompath.NamespacedName(name, state.ShortID)
			keep[namespaced] = struct{}{}
			parent := snap.ParentName
			if parent != "" {
				parent = hcompath.NamespacedName(parent, state.ShortID)
			}
			rec := &store.InstanceRecord{
				Name:            namespaced,
				Status:          snap.Status,
				StatusContext:   snap.StatusContext,
				StatusDetail:    snap.StatusDetail,
				StatusTime:      snap.StatusTime,
				LastEventID:     snap.LastEventID,
				Tag:             snap.Tag,
				Tool:            snap.Tool,
				Background:      snap.Background,
				ParentName:      parent,
				Directory:       snap.Directory,
				WaitTimeout:     snap.WaitTimeout,
				SubagentTimeout: snap.SubagentTimeout,
				Hints:           snap.Hints,
				OriginDeviceID:  device,
				CreatedAt:       snap.CreatedAt,
				LastStop:        snap.LastStop,
			}
			if err := store.UpsertRemoteInstanceTx(tx, rec); err != nil {
				return err
			}
		}
		return store.DeleteRemoteInstancesNotInTx(tx, device, keep)
	})
}

func (im *Importer) applyEvents(ctx context.Context, device, shortID string, events []EventEnvelope, localResetTS int64) error {
	if len(events) == 0 {
		return nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	floorKey := "relay_events_" + device
	floorStr, _, err := im.store.KVGet(ctx, floorKey)
	if err != nil {
		return err
	}
	floor, _ := strconv.ParseInt(floorStr, 10, 64)

	// id-regression-triggered reset (Design Note §9): the remote's max
	// id is lower than what we've already imported from it.
	maxIncoming := events[len(events)-1].ID
	if maxIncoming < floor {
		if err := im.applyRemoteReset(ctx, device, time.Now().Unix()); err != nil {
			return err
		}
		floor = 0
	}

	var newFloor = floor
	err = im.store.WithWrite(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if e.ID <= floor {
				continue
			}
			if strings.HasPrefix(e.Instance, "_") {
				continue
			}
			ts, perr := time.Parse(time.RFC3339Nano, e.Timestamp)
			if perr == nil && ts.Unix() < localResetTS {
				continue
			}

			instance, data, derr := namespaceEventData(e, device, shortID)
			if derr != nil {
				return derr
			}
			if _, err := store.LogEventWithTx(tx, e.Type, instance, data, ts); err != nil {
				return err
			}
			if e.ID > newFloor {
				newFloor = e.ID
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	value := strconv.FormatInt(newFloor, 10)
	return im.store.KVSet(ctx, floorKey, &value)
}

// namespaceEventData rewrites a remote event's instance/from/mentions
// with the device's short-id suffix and annotates data._relay (spec
// §4.8 step f, §3 "For relay-imported events, data._relay = {device,
// short, id}"). device is the remote device identifier used as the key
// for DeleteEventsFromRelayDeviceTx cleanup — it must match exactly
// what handleDeviceGone/applyRemoteReset pass as device, not the
// sender's pre-namespace instance name.
func namespaceEventData(e EventEnvelope, device, shortID string) (string, json.RawMessage, error) {
	instance := hcompath.NamespacedName(e.Instance, shortID)

	if e.Type != store.EventMessage {
		return instance, e.Data, nil
	}

	var md store.MessageData
	if err := json.Unmarshal(e.Data, &md); err != nil {
		return instance, e.Data, nil
	}
	md.From = hcompath.NamespacedName(md.From, shortID)
	for i, m := range md.Mentions {
		md.Mentions[i] = hcompath.NamespacedName(m, shortID)
	}
	for i, d := range md.DeliveredTo {
		md.DeliveredTo[i] = hcompath.NamespacedName(d, shortID)
	}
	md.Relay = &store.RelayOrigin{Device: device, Short: shortID, ID: e.ID}

	raw, err := json.Marshal(md)
	if err != nil {
		return instance, e.Data, fmt.Errorf("marshal namespaced message: %w", err)
	}
	return instance, raw, nil
}

func (im *Importer) clearShortMapping(ctx context.Context, device string) {
	prefix := "relay_short_"
	kvs, err := im.store.KVPrefix(ctx, prefix)
	if err != nil {
		im.logger.Warn("relay short-mapping reverse lookup failed", "error", err)
		return
	}
	for k, v := range kvs {
		if v == device {
			if err := im.store.KVSet(ctx, k, nil); err != nil {
				im.logger.Warn("relay short-mapping clear failed", "key", k, "error", err)
			}
		}
	}
}
