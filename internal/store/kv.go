// kv.go implements the string key/value scratch space described in
// spec §3 (KV entry) and §4.1, grounded on the teacher's
// internal/opstate.Store — the same namespaced-key-over-SQLite shape,
// collapsed to a single global namespace since this store already
// scopes everything to one hcom directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// KVGet returns the stored value for key. ok is false if the key does
// not exist.
func (s *Store) KVGet(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.readDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, true, nil
}

// KVSet upserts key/value. A nil value deletes the key (spec §4.1:
// "kv_set(key, null) deletes").
func (s *Store) KVSet(ctx context.Context, key string, value *string) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		if value == nil {
			_, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key)
			if err != nil {
				return fmt.Errorf("kv delete %s: %w", key, err)
			}
			return nil
		}
		_, err := tx.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, *value,
		)
		if err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

// KVSetTx is the transactional variant of KVSet, for a kv write that
// shares the commit of other mutations in the same transaction.
func KVSetTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// KVPrefix returns all key/value pairs whose key starts with prefix
// (spec §4.1).
func (s *Store) KVPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("kv prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteKVPrefixExceptTx deletes every kv row whose key starts with
// prefix except those in keep.
func DeleteKVPrefixExceptTx(tx *sql.Tx, prefix string, keep map[string]struct{}) error {
	rows, err := tx.Query(`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return fmt.Errorf("scan kv prefix %s: %w", prefix, err)
	}
	var toDelete []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[k]; !ok {
			toDelete = append(toDelete, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, k := range toDelete {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete kv key %s: %w", k, err)
		}
	}
	return nil
}

func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}
