// Package main is the hcom CLI entry point: register/stop instances,
// send and receive messages, query the roster and event log, manage
// subscriptions, and configure cross-device relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/agentmesh/hcom/internal/buildinfo"
	"github.com/agentmesh/hcom/internal/daemon"
	"github.com/agentmesh/hcom/internal/delivery"
	"github.com/agentmesh/hcom/internal/hcomctx"
	"github.com/agentmesh/hcom/internal/hcompath"
	"github.com/agentmesh/hcom/internal/identity"
	"github.com/agentmesh/hcom/internal/logging"
	"github.com/agentmesh/hcom/internal/mention"
	"github.com/agentmesh/hcom/internal/relay"
	"github.com/agentmesh/hcom/internal/store"
	"github.com/agentmesh/hcom/internal/subscription"
	"github.com/agentmesh/hcom/internal/wake"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	hcomDir := flag.String("hcom-dir", "", "hcom root directory (default ~/.hcom or $HCOM_DIR)")
	as := flag.String("as", "", "instance name to act as (overrides HCOM_NAME)")
	logLevel := flag.String("log-level", "", "log level: trace, debug, info, warn, error")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: logging.ReplaceLevelNames,
	}))

	dir, err := hcompath.Resolve(*hcomDir)
	if err != nil {
		logger.Error("resolve hcom dir", "error", err)
		os.Exit(1)
	}

	s, err := store.Open(hcompath.DBPath(dir), logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	hctx := hcomctx.Background(dir, logger)
	if *as != "" {
		if hctx.Env == nil {
			hctx.Env = map[string]string{}
		}
		hctx.Env["HCOM_NAME"] = *as
	}

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	ctx := context.Background()
	args := flag.Args()
	cmd, rest := args[0], args[1:]

	var runErr error
	switch cmd {
	case "start", "register":
		runErr = cmdStart(ctx, s, hctx, rest)
	case "stop":
		runErr = cmdStop(ctx, s, hctx)
	case "send":
		runErr = cmdSend(ctx, s, hctx, rest)
	case "listen":
		runErr = cmdListen(ctx, s, hctx, rest)
	case "roster":
		runErr = cmdRoster(ctx, s, rest)
	case "events":
		runErr = cmdEvents(ctx, s, rest)
	case "subscribe":
		runErr = cmdSubscribe(ctx, s, hctx, rest, true)
	case "unsubscribe":
		runErr = cmdSubscribe(ctx, s, hctx, rest, false)
	case "reset":
		runErr = s.Reset(ctx)
	case "relay":
		runErr = cmdRelay(ctx, s, dir, rest)
	case "ping":
		if daemon.Trigger(ctx, s) {
			fmt.Println("daemon reachable")
		} else {
			fmt.Println("no daemon reachable")
			os.Exit(1)
		}
	case "version":
		fmt.Println(buildinfo.String())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "Error:", runErr)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("hcom - multi-agent chat and presence protocol")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start --as NAME [--tag T] [--tool T] [--background]")
	fmt.Println("  stop")
	fmt.Println("  send TEXT...")
	fmt.Println("  listen [--timeout SECONDS]")
	fmt.Println("  roster [--tag T] [--tool T] [--local]")
	fmt.Println("  events [--after ID] [--type TYPE]")
	fmt.Println("  subscribe / unsubscribe --preset P | --glob G [--agent A] [--action A]")
	fmt.Println("  reset")
	fmt.Println("  relay new|connect <token>|off|status|stop <name:SHORT>")
	fmt.Println("  ping")
	fmt.Println("  version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func resolveSelf(ctx context.Context, s *store.Store, hctx hcomctx.Context) (identity.Identity, error) {
	id, err := identity.Resolve(ctx, s, hctx, "")
	if err != nil {
		return identity.Identity{}, err
	}
	if id.Kind != identity.KindInstance {
		return identity.Identity{}, fmt.Errorf("no registered instance: pass --as NAME or register with 'start'")
	}
	return id, nil
}

func cmdStart(ctx context.Context, s *store.Store, hctx hcomctx.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	tag := fs.String("tag", "", "group tag")
	tool := fs.String("tool", "adhoc", "tool label")
	background := fs.Bool("background", false, "run detached from a TTY")
	fs.Parse(args)

	name := hctx.Env["HCOM_NAME"]
	if name == "" {
		return fmt.Errorf("start requires --as NAME")
	}

	existing, err := s.GetInstance(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("instance %q already registered", name)
	}

	snap, err := s.StoppedSnapshotLoad(ctx, name)
	if err != nil {
		return err
	}

	rec := &store.InstanceRecord{
		Name:       name,
		Tag:        *tag,
		Tool:       store.Tool(*tool),
		Background: *background,
		Directory:  hctx.Cwd,
		Status:     store.StatusListening,
		StatusTime: time.Now().Unix(),
		CreatedAt:  time.Now().Unix(),
	}
	if snap != nil {
		rec.LastEventID = snap.LastEventID
		fmt.Printf("resuming %s from stopped snapshot (cursor %d)\n", name, snap.LastEventID)
	}

	if err := s.CreateInstance(ctx, rec); err != nil {
		return err
	}
	if _, err := s.LogEvent(ctx, store.EventLife, name, store.LifeData{
		Action:   store.LifeStarted,
		Snapshot: rec,
	}, time.Time{}); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", name)
	return nil
}

func cmdStop(ctx context.Context, s *store.Store, hctx hcomctx.Context) error {
	id, err := resolveSelf(ctx, s, hctx)
	if err != nil {
		return err
	}
	if _, err := s.LogEvent(ctx, store.EventLife, id.Name, store.LifeData{
		Action:   store.LifeStopped,
		Snapshot: id.InstanceRow,
	}, time.Time{}); err != nil {
		return err
	}
	if err := s.DeleteInstance(ctx, id.Name); err != nil {
		return err
	}
	if id.SessionID != "" {
		if err := identity.Unbind(ctx, s, id.SessionID); err != nil {
			return err
		}
	}
	fmt.Printf("stopped %s\n", id.Name)
	return nil
}

func cmdSend(ctx context.Context, s *store.Store, hctx hcomctx.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	intent := fs.String("intent", "", "request|inform|ack")
	thread := fs.String("thread", "", "thread id")
	replyTo := fs.Int64("reply-to", 0, "local event id being replied to")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("send requires message text")
	}
	text := strings.Join(fs.Args(), " ")

	id, err := resolveSelf(ctx, s, hctx)
	if err != nil {
		return err
	}

	recs, err := s.IterInstances(ctx, store.InstanceFilter{})
	if err != nil {
		return err
	}
	roster := make([]mention.RosterEntry, 0, len(recs))
	for _, r := range recs {
		roster = append(roster, mention.RosterEntry{Name: r.Name, Tag: r.Tag})
	}

	env := delivery.Envelope{Intent: store.Intent(*intent), Thread: *thread}
	if *replyTo != 0 {
		env.ReplyToLocal = replyTo
	}

	res, err := delivery.Send(ctx, s, roster, id.Name, text, env)
	if err != nil {
		return err
	}
	wake.Notify(ctx, s, res.Recipients, nil)
	fmt.Printf("sent (event %d) to %v\n", res.EventID, res.Recipients)
	return nil
}

func cmdListen(ctx context.Context, s *store.Store, hctx hcomctx.Context, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	timeoutSec := fs.Int("timeout", 60, "seconds to wait for a wake before polling once and returning")
	fs.Parse(args)

	id, err := resolveSelf(ctx, s, hctx)
	if err != nil {
		return err
	}

	l, err := wake.Listen(ctx, s, id.Name, hctx.Logger)
	if err != nil {
		return err
	}
	defer l.Close(ctx, s)

	l.Wait(ctx, time.Duration(*timeoutSec)*time.Second)

	messages, _, err := delivery.Deliver(ctx, s, id.Name, true)
	if err != nil {
		return err
	}
	for _, m := range messages {
		fmt.Println(m.Body)
	}
	return nil
}

func cmdRoster(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("roster", flag.ExitOnError)
	tag := fs.String("tag", "", "filter by tag")
	tool := fs.String("tool", "", "filter by tool")
	local := fs.Bool("local", false, "only local (non-relay) instances")
	fs.Parse(args)

	recs, err := s.IterInstances(ctx, store.InstanceFilter{Tag: *tag, Tool: store.Tool(*tool), LocalOnly: *local})
	if err != nil {
		return err
	}
	for _, r := range recs {
		seen := "never"
		if r.StatusTime != 0 {
			seen = humanize.Time(time.Unix(r.StatusTime, 0))
		}
		fmt.Printf("%-20s status=%-10s tag=%-10s tool=%-8s seen=%s\n", r.Name, r.Status, r.Tag, r.Tool, seen)
	}
	return nil
}

func cmdEvents(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	after := fs.Int64("after", 0, "only events with id greater than this")
	typ := fs.String("type", "", "filter by event type")
	limit := fs.Int("limit", 0, "max events (0 = unbounded)")
	fs.Parse(args)

	events, err := s.EventsAfter(ctx, *after, store.EventType(*typ), *limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		when := e.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
			when = humanize.Time(t)
		}
		fmt.Printf("%d %-14s %-10s %-15s %s\n", e.ID, when, e.Type, e.Instance, string(e.Data))
	}
	return nil
}

func cmdSubscribe(ctx context.Context, s *store.Store, hctx hcomctx.Context, args []string, subscribe bool) error {
	name := "subscribe"
	if !subscribe {
		name = "unsubscribe"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	preset := fs.String("preset", "", "collision|created|stopped|blocked|idle")
	glob := fs.String("glob", "", "file path glob")
	agent := fs.String("agent", "", "agent name filter")
	action := fs.String("action", "", "action filter")
	fs.Parse(args)

	id, err := resolveSelf(ctx, s, hctx)
	if err != nil {
		return err
	}
	filter := store.SubscriptionFilter{Preset: *preset, Glob: *glob, Agent: *agent, Action: *action}
	if subscribe {
		return subscription.Subscribe(ctx, s, id.Name, filter)
	}
	return subscription.Unsubscribe(ctx, s, id.Name, filter)
}

func cmdRelay(ctx context.Context, s *store.Store, hcomDir string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("relay requires a subcommand: new, connect, off, status, stop")
	}
	switch args[0] {
	case "new":
		return relayNew(ctx, s, hcomDir, args[1:])
	case "connect":
		return relayConnect(ctx, s, hcomDir, args[1:])
	case "off":
		return relayOff(ctx, s)
	case "status":
		return relayStatus(ctx, s)
	case "stop":
		return relayControlStop(ctx, s, args[1:])
	default:
		return fmt.Errorf("unknown relay subcommand: %s", args[0])
	}
}

func relayNew(ctx context.Context, s *store.Store, hcomDir string, args []string) error {
	fs := flag.NewFlagSet("relay new", flag.ExitOnError)
	broker := fs.String("broker", "", "MQTT broker URL (empty = pick a built-in test broker)")
	fs.Parse(args)

	deviceUUID, err := hcompath.LoadOrCreateDeviceUUID(hcomDir)
	if err != nil {
		return err
	}
	deviceShort, err := hcompath.LoadOrCreateDeviceShortID(hcomDir, deviceUUID)
	if err != nil {
		return err
	}

	relayUUID, err := relay.NewRelayID()
	if err != nil {
		return err
	}

	chosenBroker := *broker
	token, err := relay.EncodeToken(relayUUID, chosenBroker)
	if err != nil {
		return err
	}

	cfg := relay.Config{Broker: chosenBroker, RelayID: relayUUID.String(), DeviceUUID: deviceUUID, DeviceShort: deviceShort}
	if cfg.Broker == "" {
		decoded, err := relay.DecodeToken(token)
		if err != nil {
			return err
		}
		cfg.Broker = decoded.Broker
	}
	if err := relay.SaveConfig(ctx, s, cfg); err != nil {
		return err
	}

	fmt.Printf("relay group created: %s\n", token)
	fmt.Println("Share this token with other devices via 'hcom relay connect <token>'.")

	png, err := relay.TokenQRCode(token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to render join token QR code:", err)
		return nil
	}
	qrPath := filepath.Join(hcomDir, ".tmp", "relay_join_qr.png")
	if err := os.WriteFile(qrPath, png, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to write join token QR code:", err)
		return nil
	}
	fmt.Printf("QR code (scan to join): %s\n", qrPath)
	return nil
}

func relayConnect(ctx context.Context, s *store.Store, hcomDir string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("relay connect requires a token")
	}
	decoded, err := relay.DecodeToken(args[0])
	if err != nil {
		return err
	}

	deviceUUID, err := hcompath.LoadOrCreateDeviceUUID(hcomDir)
	if err != nil {
		return err
	}
	deviceShort, err := hcompath.LoadOrCreateDeviceShortID(hcomDir, deviceUUID)
	if err != nil {
		return err
	}

	cfg := relay.Config{
		Broker:      decoded.Broker,
		RelayID:     decoded.RelayID.String(),
		DeviceUUID:  deviceUUID,
		DeviceShort: deviceShort,
	}
	if err := relay.SaveConfig(ctx, s, cfg); err != nil {
		return err
	}
	fmt.Printf("joined relay group %s via %s\n", cfg.RelayID, cfg.Broker)
	fmt.Println("Start (or restart) the daemon to begin syncing.")
	return nil
}

func relayOff(ctx context.Context, s *store.Store) error {
	cfg, ok, err := relay.LoadConfig(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("relay is not configured")
		return nil
	}
	pub := relay.New(cfg, s, nil, nil)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pub.Connect(connectCtx); err != nil {
		fmt.Fprintln(os.Stderr, "warning: relay connect failed, skipping device-gone publish:", err)
	} else if err := pub.PublishGone(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to publish device-gone:", err)
	}
	if err := pub.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning: relay disconnect failed:", err)
	}
	return relay.ClearConfig(ctx, s)
}

// relayControlStop sends a remote "stop" control event for a namespaced
// remote instance (spec §4.8 "Control events"). The target must be
// addressed as name:SHORT (the form relay import gives remote rows),
// so the owning device can be identified from the roster key alone.
func relayControlStop(ctx context.Context, s *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("relay stop requires a remote instance name (name:SHORT)")
	}
	name, shortID, ok := hcompath.SplitNamespaced(args[0])
	if !ok {
		return fmt.Errorf("relay stop target must be namespaced as name:SHORT, got %q", args[0])
	}

	cfg, ok, err := relay.LoadConfig(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("relay is not configured")
	}

	pub := relay.New(cfg, s, nil, nil)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pub.Connect(connectCtx); err != nil {
		return fmt.Errorf("relay connect: %w", err)
	}
	defer pub.Stop(ctx)

	if err := pub.SendControl(ctx, store.ControlData{
		Action:       store.ControlStop,
		Target:       name,
		TargetDevice: shortID,
		From:         "cli",
		FromDevice:   cfg.DeviceShort,
	}); err != nil {
		return err
	}
	fmt.Printf("sent stop control for %s to device %s\n", name, shortID)
	return nil
}

func relayStatus(ctx context.Context, s *store.Store) error {
	cfg, ok, err := relay.LoadConfig(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("relay: not configured")
		return nil
	}
	fmt.Printf("relay: group=%s device=%s(%s) broker=%s\n", cfg.RelayID, cfg.DeviceUUID, cfg.DeviceShort, cfg.Broker)

	st, err := relay.BuildStatus(ctx, s, cfg)
	if err != nil {
		return err
	}
	if st.BrokerReachable {
		fmt.Printf("broker reachable: yes (ping %s)\n", st.BrokerPing)
	} else {
		fmt.Println("broker reachable: no")
	}
	if st.HasPushed {
		fmt.Printf("last push: %s\n", humanize.Time(time.Now().Add(-st.LastPushAge)))
	} else {
		fmt.Println("last push: never")
	}
	fmt.Printf("queued local events: %d\n", st.QueuedLocal)
	for _, d := range st.RemoteDevices {
		sync := "never"
		if d.LastSyncAge > 0 {
			sync = humanize.Time(time.Now().Add(-d.LastSyncAge))
		}
		fmt.Printf("  remote device %s: %d instances, last sync %s\n", d.ShortID, d.InstanceCount, sync)
	}

	reachable := daemon.IsRelayHandledByDaemon(ctx, s)
	fmt.Printf("daemon reachable: %v\n", reachable)
	return nil
}
