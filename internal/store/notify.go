package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RegisterNotifyPort inserts a (instance, port) row. Idempotent:
// duplicates are silently accepted (spec §4.1).
func (s *Store) RegisterNotifyPort(ctx context.Context, instance string, port int) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO notify_endpoints (instance, port, created_at) VALUES (?, ?, ?)`,
			instance, port, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("register notify port: %w", err)
		}
		return nil
	})
}

// DeleteNotifyEndpoint removes a specific port for instance, or every
// port for instance if port is nil (spec §4.1). Deletes are idempotent
// — calling twice for the same endpoint is benign (Design Note §9:
// "two senders pruning the same endpoint are benign").
func (s *Store) DeleteNotifyEndpoint(ctx context.Context, instance string, port *int) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		var err error
		if port == nil {
			_, err = tx.Exec(`DELETE FROM notify_endpoints WHERE instance = ?`, instance)
		} else {
			_, err = tx.Exec(`DELETE FROM notify_endpoints WHERE instance = ? AND port = ?`, instance, *port)
		}
		if err != nil {
			return fmt.Errorf("delete notify endpoint: %w", err)
		}
		return nil
	})
}

// ListNotifyPorts returns the registered ports for instance, ordered
// by insertion (spec §4.1).
func (s *Store) ListNotifyPorts(ctx context.Context, instance string) ([]int, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT port FROM notify_endpoints WHERE instance = ? ORDER BY created_at ASC, port ASC`, instance)
	if err != nil {
		return nil, fmt.Errorf("list notify ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan notify port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// AllNotifyPorts returns every distinct registered port across the
// whole roster. Used by relay import (spec §4.8 step g: "wake-all-
// local-endpoints") to wake every local listener after an import.
func (s *Store) AllNotifyPorts(ctx context.Context) ([]int, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT DISTINCT port FROM notify_endpoints`)
	if err != nil {
		return nil, fmt.Errorf("list all notify ports: %w", err)
	}
	defer rows.Close()
	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}
