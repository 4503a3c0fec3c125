package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LogEvent atomically inserts a new event and returns its assigned id.
// If ts is zero, the current time is used. data is marshaled to
// canonical JSON (spec §4.1: "log_event(type, instance, data,
// timestamp=now) → id").
func (s *Store) LogEvent(ctx context.Context, typ EventType, instance string, data any, ts time.Time) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tsStr := ts.UTC().Format(time.RFC3339Nano)

	var id int64
	err = s.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO events (timestamp, type, instance, data) VALUES (?, ?, ?, ?)`,
			tsStr, string(typ), instance, string(raw),
		)
		if err != nil {
			return fmt.Errorf("%w: insert event: %v", errStoreFatal, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: last insert id: %v", errStoreFatal, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LogEventWithTx inserts an event using an already-open write
// transaction. Used by relay import (spec §4.1: the only write path
// allowed to span multiple statements in one critical section) so
// instance upserts and event inserts for one device commit atomically.
func LogEventWithTx(tx *sql.Tx, typ EventType, instance string, data any, ts time.Time) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := tx.Exec(
		`INSERT INTO events (timestamp, type, instance, data) VALUES (?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), string(typ), instance, string(raw),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// UpdateEventData overwrites an existing event's data payload in place.
// Used to fill MessageData.DeliveredTo on first fan-out (spec §3:
// "delivered_to (list, filled on first fan-out for audit)") — the only
// mutation ever applied to an otherwise-immutable event row.
func (s *Store) UpdateEventData(ctx context.Context, id int64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE events SET data = ? WHERE id = ?`, string(raw), id); err != nil {
			return fmt.Errorf("%w: update event data: %v", errStoreFatal, err)
		}
		return nil
	})
}

// EventsAfter returns events with id > afterID, in id order, optionally
// filtered to a single type. Used by delivery (spec §4.3) and relay
// publish (spec §4.8).
func (s *Store) EventsAfter(ctx context.Context, afterID int64, typ EventType, limit int) ([]*Event, error) {
	var rows *sql.Rows
	var err error
	if typ != "" {
		rows, err = s.readDB.QueryContext(ctx,
			`SELECT id, timestamp, type, instance, data FROM events
			 WHERE id > ? AND type = ? ORDER BY id ASC LIMIT ?`,
			afterID, string(typ), limitOrAll(limit))
	} else {
		rows, err = s.readDB.QueryContext(ctx,
			`SELECT id, timestamp, type, instance, data FROM events
			 WHERE id > ? ORDER BY id ASC LIMIT ?`,
			afterID, limitOrAll(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MaxEventID returns the highest assigned event id, or 0 if the log is
// empty.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.readDB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query max event id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// GetEvent fetches a single event by id, or nil if not found. Used by
// envelope thread inheritance (spec §4.3) to look up the replied-to
// event.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT id, timestamp, type, instance, data FROM events WHERE id = ?`, id)
	var e Event
	var typ, raw string
	if err := row.Scan(&e.ID, &e.Timestamp, &typ, &e.Instance, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query event %d: %w", id, err)
	}
	e.Type = EventType(typ)
	e.Data = json.RawMessage(raw)
	return &e, nil
}

func limitOrAll(limit int) int64 {
	if limit <= 0 {
		return -1 // SQLite: LIMIT -1 means unlimited
	}
	return int64(limit)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var e Event
		var typ, raw string
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &e.Instance, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Data = json.RawMessage(raw)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEventsFromRelayDeviceTx removes all events whose data._relay.device
// equals device. Used on remote-reset detection (spec §4.8 step b) and
// on empty-payload "device gone" import (spec §4.8 step 1). Scans
// because _relay is inside the JSON blob, not an indexed column — an
// acceptable cost given resets are rare compared to normal delivery.
func DeleteEventsFromRelayDeviceTx(tx *sql.Tx, device string) error {
	rows, err := tx.Query(`SELECT id, data FROM events WHERE type = 'message'`)
	if err != nil {
		return fmt.Errorf("scan events for relay cleanup: %w", err)
	}
	var toDelete []int64
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan event for relay cleanup: %w", err)
		}
		var md MessageData
		if err := json.Unmarshal([]byte(raw), &md); err == nil && md.Relay != nil && md.Relay.Device == device {
			toDelete = append(toDelete, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range toDelete {
		if _, err := tx.Exec(`DELETE FROM events WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete relay event %d: %w", id, err)
		}
	}
	return nil
}
