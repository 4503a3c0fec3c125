package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/agentmesh/hcom/internal/store"
)

// Publisher owns the MQTT connection for one relay group: it publishes
// this device's state+event tail as a retained message, subscribes to
// every other device's topic, and republishes on reconnect. Grounded on
// the teacher's internal/mqtt.Publisher — the same autopaho connection
// manager, LWT-on-availability-topic, and resubscribe-on-reconnect
// shape, repointed from Home Assistant discovery topics to the relay
// device/control topics of spec §4.8.
type Publisher struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	onImport func(ctx context.Context, topic string, payload []byte)
}

// New creates a Publisher but does not connect. Call Start to begin.
func New(cfg Config, s *store.Store, onImport func(ctx context.Context, topic string, payload []byte), logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, store: s, onImport: onImport, logger: logger}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it subscribes to {relay_id}/+ (spec §2: "one
// durable subscription to {relay_id}/+") and immediately attempts a
// push of any unpublished local events.
func (p *Publisher) Start(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// connect establishes the MQTT connection and returns once the first
// connection attempt has resolved (or timed out, retrying in the
// background), without blocking on ctx thereafter. Shared by Start
// (long-lived daemon loop) and one-shot ephemeral CLI publishes (spec
// §5 "ephemeral clients are created on demand by CLI processes for
// one-shot publishes").
func (p *Publisher) connect(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse relay broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			// Empty payload on the device topic is the explicit
			// "device gone" signal, also used as LWT (spec §4.8
			// "Topic layout").
			Topic:   p.cfg.deviceTopic(),
			Payload: nil,
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("relay connected", "broker", p.cfg.Broker, "relay_id", p.cfg.RelayID)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.subscribe(subCtx, cm)
			if err := p.Push(subCtx); err != nil {
				p.logger.Warn("relay initial push failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("relay connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hcom-" + p.cfg.DeviceShort,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("relay connect: %w", err)
	}
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		p.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("relay initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Connect is the exported one-shot form of connect, for callers that
// publish or send a single control message and then Stop rather than
// running the long-lived Start loop.
func (p *Publisher) Connect(ctx context.Context) error {
	return p.connect(ctx)
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.cfg.topicPrefix() + "/+", QoS: 1},
		},
	}); err != nil {
		p.logger.Error("relay subscribe failed", "error", err)
	}
}

func (p *Publisher) handleMessage(topic string, payload []byte) {
	if p.onImport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("relay import handler panicked", "topic", topic, "panic", r)
			}
		}()
		p.onImport(ctx, topic, payload)
	}()
}

// Push publishes this device's state+event tail if the local cursor
// (KV relay_last_push_id) is behind the max local event id (spec §4.8
// "Publish payload"). While more than maxEventsPerPublish rows remain
// after a publish, Push publishes again, so it returns only once the
// tail is drained or an error occurs.
func (p *Publisher) Push(ctx context.Context) error {
	hasMore, err := p.push(ctx)
	if err != nil {
		return err
	}
	for hasMore {
		hasMore, err = p.push(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) push(ctx context.Context) (hasMore bool, err error) {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return false, fmt.Errorf("relay publisher not started")
	}

	lastPushStr, _, err := p.store.KVGet(ctx, "relay_last_push_id")
	if err != nil {
		return false, fmt.Errorf("read relay_last_push_id: %w", err)
	}
	var lastPush int64
	fmt.Sscanf(lastPushStr, "%d", &lastPush)

	maxID, err := p.store.MaxEventID(ctx)
	if err != nil {
		return false, fmt.Errorf("read max event id: %w", err)
	}
	if maxID <= lastPush {
		return false, nil
	}

	events, err := p.store.EventsAfter(ctx, lastPush, "", maxEventsPerPublish+1)
	if err != nil {
		return false, fmt.Errorf("read events for push: %w", err)
	}
	hasMore = len(events) > maxEventsPerPublish
	if hasMore {
		events = events[:maxEventsPerPublish]
	}

	instances, err := p.store.IterInstances(ctx, store.InstanceFilter{LocalOnly: true})
	if err != nil {
		return false, fmt.Errorf("read local instances for push: %w", err)
	}

	resetTSStr, _, err := p.store.KVGet(ctx, "relay_local_reset_ts")
	if err != nil {
		return false, fmt.Errorf("read relay_local_reset_ts: %w", err)
	}
	var resetTS int64
	fmt.Sscanf(resetTSStr, "%d", &resetTS)

	state := DeviceState{
		Instances: make(map[string]InstanceSnapshot, len(instances)),
		ShortID:   p.cfg.DeviceShort,
		ResetTS:   resetTS,
	}
	for _, rec := range instances {
		state.Instances[rec.Name] = snapshotFromInstance(rec)
	}

	envelopes := make([]EventEnvelope, len(events))
	var newCursor int64 = lastPush
	for i, e := range events {
		envelopes[i] = EventEnvelope{ID: e.ID, Timestamp: e.Timestamp, Type: e.Type, Instance: e.Instance, Data: e.Data}
		if e.ID > newCursor {
			newCursor = e.ID
		}
	}

	payload, err := json.Marshal(StatePayload{State: state, Events: envelopes})
	if err != nil {
		return false, fmt.Errorf("marshal relay payload: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   p.cfg.deviceTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return false, fmt.Errorf("publish relay state: %w", err)
	}

	value := fmt.Sprintf("%d", newCursor)
	if err := p.store.KVSet(ctx, "relay_last_push_id", &value); err != nil {
		return false, fmt.Errorf("advance relay_last_push_id: %w", err)
	}
	pushTime := fmt.Sprintf("%d", time.Now().Unix())
	if err := p.store.KVSet(ctx, "relay_last_push_time", &pushTime); err != nil {
		return false, fmt.Errorf("advance relay_last_push_time: %w", err)
	}
	return hasMore, nil
}

// PublishGone publishes the empty-payload "device gone" retained
// message (spec §4.9 "On shutdown" and §7 "relay off publishes an
// empty retained payload").
func (p *Publisher) PublishGone(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.deviceTopic(),
		Payload: nil,
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		return fmt.Errorf("publish device-gone: %w", err)
	}
	return nil
}

// SendControl publishes a control event (spec §4.8 "Control events").
func (p *Publisher) SendControl(ctx context.Context, data store.ControlData) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("relay publisher not started")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal control event: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.controlTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  false,
	}); err != nil {
		return fmt.Errorf("publish control event: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}
