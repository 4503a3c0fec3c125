package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/hcom/internal/store"
)

// Config holds the connection parameters for one relay group. Unlike
// the teacher's config.MQTTConfig (loaded from YAML), relay
// configuration here comes from CLI flags and KV state — spec §6.1
// treats config.toml as a non-core, launcher-owned concern, so the
// core never parses a config file itself.
type Config struct {
	// Broker is the MQTT broker URL (mqtt://, mqtts://, ssl://, ws://).
	Broker string
	// Username/Password authenticate to the broker (spec §1 Non-goals:
	// "no authentication beyond a shared broker password").
	Username string
	Password string
	// RelayID namespaces the topic tree shared by every device in one
	// group (GLOSSARY: "Relay id").
	RelayID string
	// DeviceUUID and DeviceShort identify this device within RelayID.
	DeviceUUID  string
	DeviceShort string
}

func (c Config) topicPrefix() string {
	return c.RelayID
}

func (c Config) deviceTopic() string {
	return c.RelayID + "/" + c.DeviceUUID
}

func (c Config) controlTopic() string {
	return c.RelayID + "/control"
}

// Configured reports whether enough fields are set to attempt a
// connection.
func (c Config) Configured() bool {
	return c.Broker != "" && c.RelayID != "" && c.DeviceUUID != ""
}

// configKVKey is the KV entry relay connect/off persist to, so the
// daemon picks up relay settings across restarts without a config
// file (spec §6.1).
const configKVKey = "relay_config"

// SaveConfig persists cfg to KV (`relay connect <token>`).
func SaveConfig(ctx context.Context, s *store.Store, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal relay config: %w", err)
	}
	value := string(raw)
	return s.KVSet(ctx, configKVKey, &value)
}

// LoadConfig reads the persisted relay configuration, if any.
func LoadConfig(ctx context.Context, s *store.Store) (Config, bool, error) {
	value, ok, err := s.KVGet(ctx, configKVKey)
	if err != nil || !ok {
		return Config{}, false, err
	}
	var cfg Config
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return Config{}, false, fmt.Errorf("unmarshal relay config: %w", err)
	}
	return cfg, true, nil
}

// ClearConfig removes the persisted relay configuration (`relay off`).
func ClearConfig(ctx context.Context, s *store.Store) error {
	return s.KVSet(ctx, configKVKey, nil)
}
