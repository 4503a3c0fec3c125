package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StoppedSnapshotLoad reads the most recent life/stopped event whose
// snapshot.name matches name and returns it as an instance row (spec
// §4.1). Returns nil, nil if no such event exists.
func (s *Store) StoppedSnapshotLoad(ctx context.Context, name string) (*InstanceRecord, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT data FROM events WHERE type = 'life' ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("scan life events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan life event: %w", err)
		}
		var ld LifeData
		if err := json.Unmarshal([]byte(raw), &ld); err != nil {
			continue
		}
		if ld.Action == LifeStopped && ld.Snapshot != nil && ld.Snapshot.Name == name {
			return ld.Snapshot, nil
		}
	}
	return nil, rows.Err()
}

// identityKeepKeys are KV entries preserved across Reset (spec §3
// Lifecycle: "reset clears most of them but preserves identity
// markers").
var identityKeepKeys = map[string]struct{}{
	"device_uuid":       {},
	"device_short_id":   {},
}

// Reset archives the current database content by writing a terminal
// life/reset event and clearing transient relay_* KV state (spec
// §4.1). It does not truncate the events table — an implementer may
// additionally rotate the underlying file; this module treats the
// reset event itself as the durable "archival timestamp" marker that
// relay import uses to detect resets (spec §4.8, §9).
func (s *Store) Reset(ctx context.Context) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		ts := time.Now().UTC()
		data := LifeData{Action: LifeReset}
		if _, err := LogEventWithTx(tx, EventLife, "_system", data, ts); err != nil {
			return fmt.Errorf("log reset event: %w", err)
		}

		rows, err := tx.Query(`SELECT key FROM kv WHERE key LIKE 'relay\_%' ESCAPE '\'`)
		if err != nil {
			return fmt.Errorf("scan relay kv for reset: %w", err)
		}
		var toDelete []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			if _, keep := identityKeepKeys[k]; !keep {
				toDelete = append(toDelete, k)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, k := range toDelete {
			if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, k); err != nil {
				return fmt.Errorf("delete kv %s during reset: %w", k, err)
			}
		}

		if _, err := tx.Exec(`DELETE FROM instances`); err != nil {
			return fmt.Errorf("clear instances during reset: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM notify_endpoints`); err != nil {
			return fmt.Errorf("clear notify endpoints during reset: %w", err)
		}
		return nil
	})
}

// LastLocalResetTimestamp returns the timestamp of the most recent
// local (non-relay-imported) reset event, used by relay import as the
// local reset floor (spec §4.8 step c) when relay_local_reset_ts is
// unset in KV.
func (s *Store) LastLocalResetTimestamp(ctx context.Context) (time.Time, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT timestamp, data FROM events WHERE type = 'life' AND instance = '_system' ORDER BY id DESC`)
	if err != nil {
		return time.Time{}, fmt.Errorf("scan reset events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts, raw string
		if err := rows.Scan(&ts, &raw); err != nil {
			return time.Time{}, err
		}
		var ld LifeData
		if err := json.Unmarshal([]byte(raw), &ld); err != nil {
			continue
		}
		if ld.Action == LifeReset {
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse reset timestamp: %w", err)
			}
			return parsed, nil
		}
	}
	return time.Time{}, rows.Err()
}
