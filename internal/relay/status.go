package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/hcom/internal/store"
)

// DeviceSummary describes one remote device known to this relay group,
// surfaced by `relay status` (spec §3.A, grounded on original_source's
// commands/relay.py per-remote-device summary).
type DeviceSummary struct {
	ShortID       string
	LastSyncAge   time.Duration
	InstanceCount int
}

// Status is the full `relay status` report (spec §3.A).
type Status struct {
	Configured      bool
	Broker          string
	RelayID         string
	DeviceShort     string
	QueuedLocal     int
	LastPushAge     time.Duration
	HasPushed       bool
	RemoteDevices   []DeviceSummary
	BrokerPing      time.Duration
	BrokerReachable bool
}

// BuildStatus assembles a Status report for cfg from current store
// state. It does not itself dial the broker for connection-state
// (that's the daemon's job, surfaced separately via
// daemon.IsRelayHandledByDaemon) but it does attempt a direct broker
// ping, mirroring original_source's `_ping_broker` round trip.
func BuildStatus(ctx context.Context, s *store.Store, cfg Config) (Status, error) {
	st := Status{
		Configured:  cfg.Configured(),
		Broker:      cfg.Broker,
		RelayID:     cfg.RelayID,
		DeviceShort: cfg.DeviceShort,
	}
	if !cfg.Configured() {
		return st, nil
	}

	lastPushStr, ok, err := s.KVGet(ctx, "relay_last_push_id")
	if err != nil {
		return st, fmt.Errorf("read relay_last_push_id: %w", err)
	}
	var lastPush int64
	if ok {
		lastPush, _ = strconv.ParseInt(lastPushStr, 10, 64)
	}

	events, err := s.EventsAfter(ctx, lastPush, "", 0)
	if err != nil {
		return st, fmt.Errorf("read queued events: %w", err)
	}
	for _, e := range events {
		if !strings.Contains(e.Instance, ":") {
			st.QueuedLocal++
		}
	}

	pushTimeStr, ok, err := s.KVGet(ctx, "relay_last_push_time")
	if err != nil {
		return st, fmt.Errorf("read relay_last_push_time: %w", err)
	}
	if ok {
		if ts, perr := strconv.ParseInt(pushTimeStr, 10, 64); perr == nil {
			st.HasPushed = true
			st.LastPushAge = time.Since(time.Unix(ts, 0))
		}
	}

	shorts, err := s.KVPrefix(ctx, "relay_short_")
	if err != nil {
		return st, fmt.Errorf("read relay_short_ mappings: %w", err)
	}
	instances, err := s.IterInstances(ctx, store.InstanceFilter{})
	if err != nil {
		return st, fmt.Errorf("read instances for device summary: %w", err)
	}
	counts := make(map[string]int, len(shorts))
	for _, rec := range instances {
		if rec.OriginDeviceID == "" {
			continue
		}
		counts[rec.OriginDeviceID]++
	}
	for shortID, device := range shorts {
		shortID = strings.TrimPrefix(shortID, "relay_short_")
		summary := DeviceSummary{ShortID: shortID, InstanceCount: counts[device]}
		syncStr, ok, err := s.KVGet(ctx, "relay_sync_time_"+device)
		if err == nil && ok {
			if ts, perr := strconv.ParseInt(syncStr, 10, 64); perr == nil {
				summary.LastSyncAge = time.Since(time.Unix(ts, 0))
			}
		}
		st.RemoteDevices = append(st.RemoteDevices, summary)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if d, err := Ping(pingCtx, cfg.Broker); err == nil {
		st.BrokerReachable = true
		st.BrokerPing = d
	}

	return st, nil
}

// Ping dials broker and measures round-trip connect latency, without
// performing the MQTT handshake — a raw TCP/TLS dial-and-close,
// grounded on original_source's `_ping_broker` (commands/relay.py).
func Ping(ctx context.Context, broker string) (time.Duration, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return 0, fmt.Errorf("parse broker url: %w", err)
	}
	host := u.Host
	if host == "" {
		return 0, fmt.Errorf("broker url has no host: %q", broker)
	}

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return 0, fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		tlsConn := tls.Client(conn, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostOnly(host)})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return 0, fmt.Errorf("tls handshake: %w", err)
		}
	}
	return time.Since(start), nil
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}
