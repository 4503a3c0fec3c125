package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// allowedPatchKeys enumerates the columns UpdateInstance may touch.
// Spec §4.1: "Unknown keys are rejected."
var allowedPatchKeys = map[string]struct{}{
	"status": {}, "status_context": {}, "status_detail": {}, "status_time": {},
	"last_event_id": {}, "tag": {}, "tool": {}, "background": {},
	"session_id": {}, "parent_name": {}, "directory": {}, "transcript_path": {},
	"wait_timeout": {}, "subagent_timeout": {}, "hints": {}, "origin_device_id": {},
	"tcp_mode": {}, "running_tasks": {}, "last_stop": {}, "broadcast_listen": {},
}

// CreateInstance inserts a new roster row (spec §3 Lifecycle: "Instance
// rows are created by start"). Fails if the name already exists.
func (s *Store) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	if rec.Status == "" {
		rec.Status = StatusUnknown
	}
	runningJSON, err := json.Marshal(rec.RunningTasks)
	if err != nil {
		return fmt.Errorf("marshal running_tasks: %w", err)
	}

	return s.withWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO instances (
				name, status, status_context, status_detail, status_time,
				last_event_id, tag, tool, background, session_id, parent_name,
				directory, transcript_path, wait_timeout, subagent_timeout,
				hints, origin_device_id, tcp_mode, running_tasks, created_at, last_stop,
				broadcast_listen
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			rec.Name, string(rec.Status), rec.StatusContext, rec.StatusDetail, rec.StatusTime,
			rec.LastEventID, rec.Tag, string(rec.Tool), boolToInt(rec.Background), nullableStr(rec.SessionID), rec.ParentName,
			rec.Directory, rec.TranscriptPath, rec.WaitTimeout, rec.SubagentTimeout,
			rec.Hints, rec.OriginDeviceID, boolToInt(rec.TCPMode), string(runningJSON), rec.CreatedAt, rec.LastStop,
			boolToInt(rec.BroadcastListen),
		)
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", rec.Name, err)
		}
		return nil
	})
}

// GetInstance looks up a roster row by primary key. Returns nil, nil
// if not found.
func (s *Store) GetInstance(ctx context.Context, name string) (*InstanceRecord, error) {
	row := s.readDB.QueryRowContext(ctx, instanceSelectSQL+` WHERE name = ?`, name)
	rec, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// IterInstances returns the roster with optional filters. Snapshot
// semantics per spec §4.1: a single query, no guarantee across calls.
func (s *Store) IterInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	query := instanceSelectSQL + ` WHERE 1=1`
	var args []any
	if filter.Tag != "" {
		query += ` AND tag = ?`
		args = append(args, filter.Tag)
	}
	if filter.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, string(filter.Tool))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.LocalOnly {
		query += ` AND origin_device_id = ''`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateInstance applies a partial update under the write lock.
// Unknown keys are rejected (spec §4.1).
func (s *Store) UpdateInstance(ctx context.Context, name string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+1)
	for k, v := range patch {
		if _, ok := allowedPatchKeys[k]; !ok {
			return fmt.Errorf("%w: unknown instance field %q", errInput, k)
		}
		switch val := v.(type) {
		case bool:
			args = append(args, boolToInt(val))
		case RunningTasks:
			raw, err := json.Marshal(val)
			if err != nil {
				return fmt.Errorf("marshal running_tasks patch: %w", err)
			}
			args = append(args, string(raw))
		default:
			args = append(args, v)
		}
		setClauses = append(setClauses, k+" = ?")
	}
	args = append(args, name)

	query := `UPDATE instances SET ` + strings.Join(setClauses, ", ") + ` WHERE name = ?`
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("update instance %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: instance %q not found", errInput, name)
		}
		return nil
	})
}

// DeleteInstance removes a roster row (spec: stop deletes the row
// after writing a terminal life event).
func (s *Store) DeleteInstance(ctx context.Context, name string) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM instances WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete instance %s: %w", name, err)
		}
		return nil
	})
}

// DeleteInstancesByOriginTx removes all rows imported from a given
// remote device. Used by relay reset/empty-payload handling, always
// inside the same write transaction as the accompanying event cleanup
// (spec §4.8 steps 1 and b).
func DeleteInstancesByOriginTx(tx *sql.Tx, deviceUUID string) error {
	_, err := tx.Exec(`DELETE FROM instances WHERE origin_device_id = ?`, deviceUUID)
	if err != nil {
		return fmt.Errorf("delete instances for device %s: %w", deviceUUID, err)
	}
	return nil
}

// UpsertRemoteInstanceTx inserts or replaces a namespaced remote
// instance row inside an open transaction (spec §4.8 step d). Local
// unique identifiers are always nulled out per spec.
func UpsertRemoteInstanceTx(tx *sql.Tx, rec *InstanceRecord) error {
	runningJSON, err := json.Marshal(rec.RunningTasks)
	if err != nil {
		return fmt.Errorf("marshal running_tasks: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO instances (
			name, status, status_context, status_detail, status_time,
			last_event_id, tag, tool, background, session_id, parent_name,
			directory, transcript_path, wait_timeout, subagent_timeout,
			hints, origin_device_id, tcp_mode, running_tasks, created_at, last_stop
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			status=excluded.status, status_context=excluded.status_context,
			status_detail=excluded.status_detail, status_time=excluded.status_time,
			last_event_id=excluded.last_event_id, tag=excluded.tag, tool=excluded.tool,
			background=excluded.background, parent_name=excluded.parent_name,
			directory=excluded.directory, transcript_path=excluded.transcript_path,
			wait_timeout=excluded.wait_timeout, subagent_timeout=excluded.subagent_timeout,
			hints=excluded.hints, origin_device_id=excluded.origin_device_id,
			tcp_mode=excluded.tcp_mode, running_tasks=excluded.running_tasks,
			last_stop=excluded.last_stop`,
		rec.Name, string(rec.Status), rec.StatusContext, rec.StatusDetail, rec.StatusTime,
		rec.LastEventID, rec.Tag, string(rec.Tool), boolToInt(rec.Background), nil, rec.ParentName,
		rec.Directory, rec.TranscriptPath, rec.WaitTimeout, rec.SubagentTimeout,
		rec.Hints, rec.OriginDeviceID, boolToInt(rec.TCPMode), string(runningJSON), rec.CreatedAt, rec.LastStop,
	)
	if err != nil {
		return fmt.Errorf("upsert remote instance %s: %w", rec.Name, err)
	}
	return nil
}

// DeleteRemoteInstancesNotInTx removes origin_device_id=device rows
// whose name is not in keep (spec §4.8 step e: "remote disappearances").
func DeleteRemoteInstancesNotInTx(tx *sql.Tx, device string, keep map[string]struct{}) error {
	rows, err := tx.Query(`SELECT name FROM instances WHERE origin_device_id = ?`, device)
	if err != nil {
		return fmt.Errorf("scan remote instances for %s: %w", device, err)
	}
	var toDelete []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[name]; !ok {
			toDelete = append(toDelete, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, name := range toDelete {
		if _, err := tx.Exec(`DELETE FROM instances WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete stale remote instance %s: %w", name, err)
		}
	}
	return nil
}

const instanceSelectSQL = `SELECT
	name, status, status_context, status_detail, status_time,
	last_event_id, tag, tool, background, session_id, parent_name,
	directory, transcript_path, wait_timeout, subagent_timeout,
	hints, origin_device_id, tcp_mode, running_tasks, created_at, last_stop,
	broadcast_listen
	FROM instances`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row *sql.Row) (*InstanceRecord, error) {
	return scanInstanceRows(row)
}

func scanInstanceRows(row rowScanner) (*InstanceRecord, error) {
	var rec InstanceRecord
	var status, tool, runningJSON string
	var background, tcpMode, broadcastListen int
	var sessionID, statusContext, statusDetail, tag, parentName, directory, transcriptPath, hints, originDeviceID sql.NullString

	if err := row.Scan(
		&rec.Name, &status, &statusContext, &statusDetail, &rec.StatusTime,
		&rec.LastEventID, &tag, &tool, &background, &sessionID, &parentName,
		&directory, &transcriptPath, &rec.WaitTimeout, &rec.SubagentTimeout,
		&hints, &originDeviceID, &tcpMode, &runningJSON, &rec.CreatedAt, &rec.LastStop,
		&broadcastListen,
	); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.Tool = Tool(tool)
	rec.Background = background != 0
	rec.TCPMode = tcpMode != 0
	rec.BroadcastListen = broadcastListen != 0
	rec.SessionID = sessionID.String
	rec.StatusContext = statusContext.String
	rec.StatusDetail = statusDetail.String
	rec.Tag = tag.String
	rec.ParentName = parentName.String
	rec.Directory = directory.String
	rec.TranscriptPath = transcriptPath.String
	rec.Hints = hints.String
	rec.OriginDeviceID = originDeviceID.String

	if runningJSON != "" {
		_ = json.Unmarshal([]byte(runningJSON), &rec.RunningTasks)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
