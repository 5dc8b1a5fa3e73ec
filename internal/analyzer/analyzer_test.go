package analyzer

import (
	"context"
	"testing"
	"time"

	"fabricmon/internal/database"
	"fabricmon/internal/history"
	"fabricmon/internal/models"
	"fabricmon/internal/push"
	"fabricmon/internal/rules"
	"fabricmon/internal/telemetry"
)

type capturedDispatch struct {
	event    models.AlertEvent
	channels []string
	clear    bool
}

type fakeDispatcher struct {
	calls []capturedDispatch
}

func (f *fakeDispatcher) Dispatch(event models.AlertEvent, channels []string, clear bool) {
	f.calls = append(f.calls, capturedDispatch{event: event, channels: channels, clear: clear})
}

func newTestAnalyzer(t *testing.T, ruleSet []rules.Rule) (*Analyzer, *fakeDispatcher, *history.Store, *time.Time) {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: "sqlite",
		DBName: t.TempDir() + "/test.db",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := history.NewStore(db)
	dispatcher := &fakeDispatcher{}

	a := New(ruleSet, NewCooldownTracker(), store, dispatcher, push.NewHub())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, dispatcher, store, &now
}

func deviceSnapshot(seq uint64, devices ...telemetry.Device) *telemetry.Snapshot {
	return &telemetry.Snapshot{Seq: seq, Devices: devices}
}

var cpuRule = rules.Rule{
	Name:      "high-cpu",
	Entity:    rules.EntityDevice,
	Field:     "cpu_percent",
	Operator:  "ge",
	Threshold: 90,
	Severity:  rules.SeverityMajor,
	Channels:  []string{"ops"},
}

func TestNoMatchNoEvent(t *testing.T) {
	a, dispatcher, store, _ := newTestAnalyzer(t, []rules.Rule{cpuRule})
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		a.Analyze(ctx, deviceSnapshot(seq, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 50}))
	}

	if len(dispatcher.calls) != 0 {
		t.Fatalf("dispatches = %d, want 0", len(dispatcher.calls))
	}
	_, total, err := store.ListEvents(ctx, history.EventFilter{})
	if err != nil || total != 0 {
		t.Fatalf("events total = %d err %v, want 0", total, err)
	}
}

func TestSteadyBreachFiresOnce(t *testing.T) {
	a, dispatcher, store, _ := newTestAnalyzer(t, []rules.Rule{cpuRule})
	ctx := context.Background()

	// condition holds across three consecutive cycles
	for seq := uint64(1); seq <= 3; seq++ {
		a.Analyze(ctx, deviceSnapshot(seq, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 95}))
	}

	if len(dispatcher.calls) != 1 {
		t.Fatalf("dispatches = %d, want exactly 1", len(dispatcher.calls))
	}
	call := dispatcher.calls[0]
	if call.clear || call.event.Rule != "high-cpu" || call.event.TargetID != "d1" {
		t.Fatalf("unexpected dispatch %+v", call)
	}
	if call.event.Value != 95 || call.event.Severity != rules.SeverityMajor {
		t.Fatalf("event payload wrong: %+v", call.event)
	}

	open, err := store.OpenEvent(ctx, "high-cpu", "d1")
	if err != nil || open == nil {
		t.Fatalf("no open event persisted: %v", err)
	}
}

func TestRaiseAndClear(t *testing.T) {
	a, dispatcher, store, _ := newTestAnalyzer(t, []rules.Rule{cpuRule})
	ctx := context.Background()

	a.Analyze(ctx, deviceSnapshot(1, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 95}))
	a.Analyze(ctx, deviceSnapshot(2, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 40}))

	if len(dispatcher.calls) != 2 {
		t.Fatalf("dispatches = %d, want raise + clear", len(dispatcher.calls))
	}
	if dispatcher.calls[0].clear || !dispatcher.calls[1].clear {
		t.Fatalf("dispatch order wrong: %+v", dispatcher.calls)
	}
	// the clear references the raised event
	if dispatcher.calls[1].event.EventID != dispatcher.calls[0].event.EventID {
		t.Fatal("clear must reference the raised event")
	}

	open, err := store.OpenEvent(ctx, "high-cpu", "d1")
	if err != nil {
		t.Fatalf("open event: %v", err)
	}
	if open != nil {
		t.Fatalf("event still open after clear: %+v", open)
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	rule := cpuRule
	rule.CooldownSeconds = 600
	a, dispatcher, store, now := newTestAnalyzer(t, []rules.Rule{rule})
	ctx := context.Background()

	hot := telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 95}
	cool := telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 40}

	a.Analyze(ctx, deviceSnapshot(1, hot)) // raise, stamps cooldown
	*now = now.Add(time.Minute)
	a.Analyze(ctx, deviceSnapshot(2, cool)) // clear
	*now = now.Add(time.Minute)
	a.Analyze(ctx, deviceSnapshot(3, hot)) // rising edge inside cooldown: suppressed
	*now = now.Add(time.Minute)
	a.Analyze(ctx, deviceSnapshot(4, cool)) // falling edge with no open event: no-op

	if len(dispatcher.calls) != 2 {
		t.Fatalf("dispatches = %d, want 2 (raise + clear only)", len(dispatcher.calls))
	}

	_, total, err := store.ListEvents(ctx, history.EventFilter{})
	if err != nil || total != 1 {
		t.Fatalf("events total = %d err %v, want 1", total, err)
	}

	// after the cooldown expires the next rising edge fires again
	*now = now.Add(11 * time.Minute)
	a.Analyze(ctx, deviceSnapshot(5, hot))
	if len(dispatcher.calls) != 3 {
		t.Fatalf("dispatches = %d, want 3 after cooldown expiry", len(dispatcher.calls))
	}
}

func TestVanishedTargetReachabilityRule(t *testing.T) {
	unreachableRule := rules.Rule{
		Name:      "device-lost",
		Entity:    rules.EntityDevice,
		Field:     "unreachable",
		Operator:  "eq",
		Threshold: 1,
		Severity:  rules.SeverityCritical,
		Channels:  []string{"ops"},
	}
	a, dispatcher, _, _ := newTestAnalyzer(t, []rules.Rule{unreachableRule})
	ctx := context.Background()

	// device present and fine, then gone from the snapshot entirely
	a.Analyze(ctx, deviceSnapshot(1, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable}))
	a.Analyze(ctx, deviceSnapshot(2))

	if len(dispatcher.calls) != 1 {
		t.Fatalf("dispatches = %d, want 1 for vanished device", len(dispatcher.calls))
	}
	if dispatcher.calls[0].event.Rule != "device-lost" || dispatcher.calls[0].clear {
		t.Fatalf("unexpected dispatch %+v", dispatcher.calls[0])
	}

	// the device coming back clears
	a.Analyze(ctx, deviceSnapshot(3, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable}))
	if len(dispatcher.calls) != 2 || !dispatcher.calls[1].clear {
		t.Fatalf("return of device must clear, got %+v", dispatcher.calls)
	}
}

func TestVanishedTargetGaugeRuleStateUnchanged(t *testing.T) {
	a, dispatcher, _, _ := newTestAnalyzer(t, []rules.Rule{cpuRule})
	ctx := context.Background()

	hot := telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 95}
	a.Analyze(ctx, deviceSnapshot(1, hot)) // raise
	a.Analyze(ctx, deviceSnapshot(2))      // device vanishes: no clear, no re-raise

	if len(dispatcher.calls) != 1 {
		t.Fatalf("dispatches = %d, want 1 (vanish is not a falling edge)", len(dispatcher.calls))
	}

	// still matching when it returns: no new rising edge either
	a.Analyze(ctx, deviceSnapshot(3, hot))
	if len(dispatcher.calls) != 1 {
		t.Fatalf("dispatches = %d, want 1 after return", len(dispatcher.calls))
	}
}

func TestTunnelRaiseClear(t *testing.T) {
	downRule := rules.Rule{
		Name:      "tunnel-down",
		Entity:    rules.EntityTunnel,
		Field:     "down",
		Operator:  "eq",
		Threshold: 1,
		Severity:  rules.SeverityCritical,
		Channels:  []string{"ops"},
	}
	a, dispatcher, _, _ := newTestAnalyzer(t, []rules.Rule{downRule})
	ctx := context.Background()

	up := telemetry.Tunnel{SourceIP: "a", DestIP: "b", Color: "mpls", State: telemetry.TunnelUp}
	down := up
	down.State = telemetry.TunnelDown

	a.Analyze(ctx, &telemetry.Snapshot{Seq: 1, Tunnels: []telemetry.Tunnel{up}})
	a.Analyze(ctx, &telemetry.Snapshot{Seq: 2, Tunnels: []telemetry.Tunnel{down}})
	a.Analyze(ctx, &telemetry.Snapshot{Seq: 3, Tunnels: []telemetry.Tunnel{up}})

	if len(dispatcher.calls) != 2 {
		t.Fatalf("dispatches = %d, want raise + clear", len(dispatcher.calls))
	}
	if dispatcher.calls[0].event.TargetID != "a-b-mpls" {
		t.Fatalf("target = %q, want tunnel key", dispatcher.calls[0].event.TargetID)
	}
}

func TestAcknowledge(t *testing.T) {
	a, dispatcher, _, _ := newTestAnalyzer(t, []rules.Rule{cpuRule})
	ctx := context.Background()

	a.Analyze(ctx, deviceSnapshot(1, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 95}))
	raised := dispatcher.calls[0].event

	acked, err := a.Acknowledge(ctx, raised.EventID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.State != models.StateAcknowledged {
		t.Fatalf("state = %q, want acknowledged", acked.State)
	}

	// acknowledged events still clear on the falling edge
	a.Analyze(ctx, deviceSnapshot(2, telemetry.Device{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 40}))
	if len(dispatcher.calls) != 2 || !dispatcher.calls[1].clear {
		t.Fatalf("acknowledged event did not clear: %+v", dispatcher.calls)
	}
}
