// Package hcompath resolves the on-disk layout rooted at a configurable
// hcom directory (default ~/.hcom, per spec §6.1) and manages the
// per-install device identity files.
package hcompath

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultDirName is the directory created under the user's home
// directory when no explicit root is configured.
const DefaultDirName = ".hcom"

// Resolve returns the hcom root directory. An explicit override (from
// -hcom-dir flag or HCOM_DIR env) takes precedence; otherwise
// ~/.hcom is used. The directory is created if it does not exist.
func Resolve(explicit string) (string, error) {
	dir := explicit
	if dir == "" {
		if v, ok := os.LookupEnv("HCOM_DIR"); ok && v != "" {
			dir = v
		}
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return "", fmt.Errorf("create hcom dir %s: %w", dir, err)
	}
	return dir, nil
}

// DBPath returns the path to the store file within an hcom directory.
func DBPath(hcomDir string) string {
	return filepath.Join(hcomDir, "hcom.db")
}

// DaemonPIDPath returns the path to the daemon PID file.
func DaemonPIDPath(hcomDir string) string {
	return filepath.Join(hcomDir, "hcomd.pid")
}

// deviceIDPath and deviceShortPath are the persisted identity files
// under .tmp/, mirroring the teacher's instance_id file convention in
// internal/mqtt/instance.go (LoadOrCreateInstanceID), generalized from
// a single file to the device-uuid/device-short pair this spec needs.
func deviceIDPath(hcomDir string) string {
	return filepath.Join(hcomDir, ".tmp", "device_id")
}

func deviceShortPath(hcomDir string) string {
	return filepath.Join(hcomDir, ".tmp", "device_short")
}

// LoadOrCreateDeviceUUID reads the persisted device UUID, generating
// and persisting a new UUIDv7 on first use. The UUID is never rotated
// (spec §6.1).
func LoadOrCreateDeviceUUID(hcomDir string) (string, error) {
	path := deviceIDPath(hcomDir)

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device uuid: %w", err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device uuid to %s: %w", path, err)
	}
	return idStr, nil
}

// LoadOrCreateDeviceShortID derives and persists the 4-character
// uppercase short id used to namespace cross-device instance names
// (GLOSSARY: Short id). Derivation is deterministic from the device
// UUID so a lost short-id file can always be regenerated identically.
func LoadOrCreateDeviceShortID(hcomDir, deviceUUID string) (string, error) {
	path := deviceShortPath(hcomDir)

	if data, err := os.ReadFile(path); err == nil {
		short := strings.TrimSpace(string(data))
		if short != "" {
			return short, nil
		}
	}

	short := ShortIDFromUUID(deviceUUID)
	if err := os.WriteFile(path, []byte(short+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device short id to %s: %w", path, err)
	}
	return short, nil
}

// ShortIDFromUUID derives a 4-character uppercase identifier from a
// device UUID by hashing it and hex-encoding the first
// two bytes of the digest, then uppercasing. Deterministic so the
// short id can be regenerated if the cache file is lost.
func ShortIDFromUUID(deviceUUID string) string {
	sum := sha1.Sum([]byte(deviceUUID))
	return strings.ToUpper(hex.EncodeToString(sum[:2]))
}

// NamespacedName joins an instance name with a device short id to
// produce the roster key used for remote instances (spec §3: "remote
// rows... key of form name:SHORT").
func NamespacedName(name, shortID string) string {
	return name + ":" + shortID
}

// SplitNamespaced splits a "name:SHORT" key into its parts. ok is
// false if name contains no colon (a local instance key).
func SplitNamespaced(key string) (name, short string, ok bool) {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 {
		return key, "", false
	}
	return key[:idx], key[idx+1:], true
}
