package collector

import (
	"context"
	"testing"
	"time"

	"fabricmon/internal/analyzer"
	"fabricmon/internal/database"
	"fabricmon/internal/history"
	"fabricmon/internal/models"
	"fabricmon/internal/push"
	"fabricmon/internal/telemetry"
)

type fakeSource struct {
	devices []telemetry.Device
	tunnels []telemetry.Tunnel
	alarms  []telemetry.Alarm

	devErr     error
	tunErr     error
	loginCalls int
}

func (f *fakeSource) Login(ctx context.Context) error { f.loginCalls++; return nil }

func (f *fakeSource) GetDevices(ctx context.Context) ([]telemetry.Device, error) {
	if f.devErr != nil {
		return nil, f.devErr
	}
	return f.devices, nil
}

func (f *fakeSource) GetTunnels(ctx context.Context) ([]telemetry.Tunnel, error) {
	if f.tunErr != nil {
		return nil, f.tunErr
	}
	return f.tunnels, nil
}

func (f *fakeSource) GetAlarms(ctx context.Context) ([]telemetry.Alarm, error) {
	return f.alarms, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(event models.AlertEvent, channels []string, clear bool) {}

func newTestCollector(t *testing.T, source *fakeSource) (*Collector, *history.Store, *push.Hub) {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: "sqlite",
		DBName: t.TempDir() + "/test.db",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := history.NewStore(db)
	hub := push.NewHub()

	an := analyzer.New(nil, analyzer.NewCooldownTracker(), store, noopDispatcher{}, hub)
	thresholds := telemetry.Thresholds{CPUWarning: 70, CPUCritical: 90, MemoryWarning: 75, MemoryCritical: 95}
	return New(source, an, store, hub, thresholds, time.Minute), store, hub
}

func TestSuccessfulCycle(t *testing.T) {
	source := &fakeSource{
		devices: []telemetry.Device{
			{ID: "d1", Reachability: telemetry.Reachable, CPUPercent: 40, ControlConnections: 2, ControlConnectionsExpected: 2},
		},
		tunnels: []telemetry.Tunnel{
			{SourceIP: "a", DestIP: "b", Color: "mpls", State: telemetry.TunnelUp},
		},
	}
	col, store, _ := newTestCollector(t, source)
	ctx := context.Background()

	col.RunCycle(ctx)

	snap, ok := col.Latest()
	if !ok || snap.Seq != 1 {
		t.Fatalf("snapshot seq = %v ok=%v, want 1", snap, ok)
	}
	summary, ok := col.Summary()
	if !ok || summary.TotalDevices != 1 || summary.TunnelsUp != 1 {
		t.Fatalf("summary = %+v ok=%v", summary, ok)
	}

	// 4 device gauges + 4 tunnel gauges
	series, err := store.Series(ctx, "cpu_percent", "d1", snap.CapturedAt.Add(-time.Minute), snap.CapturedAt.Add(time.Minute))
	if err != nil || len(series) != 1 {
		t.Fatalf("cpu series len=%d err=%v, want 1", len(series), err)
	}
	series, err = store.Series(ctx, "up", "a-b-mpls", snap.CapturedAt.Add(-time.Minute), snap.CapturedAt.Add(time.Minute))
	if err != nil || len(series) != 1 || series[0].Value != 1 {
		t.Fatalf("tunnel up series = %+v err=%v", series, err)
	}

	count, err := store.CycleCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("cycle count = %d err=%v, want 1", count, err)
	}
}

func TestSkippedCyclePreservesState(t *testing.T) {
	source := &fakeSource{
		devices: []telemetry.Device{{ID: "d1", Reachability: telemetry.Reachable}},
	}
	col, store, _ := newTestCollector(t, source)
	ctx := context.Background()

	col.RunCycle(ctx)
	summaryBefore, _ := col.Summary()

	// fetch fails: cycle is skipped, previous state stays visible
	source.devErr = &telemetry.TransientError{Op: "devices", Err: context.DeadlineExceeded}
	col.RunCycle(ctx)

	snap, ok := col.Latest()
	if !ok || snap.Seq != 1 {
		t.Fatalf("seq = %d, want unchanged 1", snap.Seq)
	}
	summaryAfter, ok := col.Summary()
	if !ok || summaryAfter != summaryBefore {
		t.Fatal("summary must survive a skipped cycle")
	}

	cycles, err := store.ListCycles(ctx, 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(cycles) != 2 || !cycles[0].Skipped || cycles[0].Error == "" {
		t.Fatalf("skipped cycle not recorded: %+v", cycles)
	}

	// recovery resumes the sequence
	source.devErr = nil
	col.RunCycle(ctx)
	snap, _ = col.Latest()
	if snap.Seq != 2 {
		t.Fatalf("seq after recovery = %d, want 2", snap.Seq)
	}
}

func TestPartialFailureSkipsWholeCycle(t *testing.T) {
	source := &fakeSource{
		devices: []telemetry.Device{{ID: "d1", Reachability: telemetry.Reachable}},
		tunErr:  &telemetry.MalformedError{Op: "tunnels", Err: context.Canceled},
	}
	col, store, _ := newTestCollector(t, source)
	ctx := context.Background()

	col.RunCycle(ctx)

	if _, ok := col.Latest(); ok {
		t.Fatal("partial fetch must not produce a snapshot")
	}
	count, err := store.CycleCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("successful cycle count = %d, want 0", count)
	}
}

func TestSummaryPushedOnlyOnChange(t *testing.T) {
	source := &fakeSource{
		devices: []telemetry.Device{{ID: "d1", Reachability: telemetry.Reachable, ControlConnections: 2, ControlConnectionsExpected: 2}},
		tunnels: []telemetry.Tunnel{{SourceIP: "a", DestIP: "b", Color: "mpls", State: telemetry.TunnelUp}},
	}
	col, _, hub := newTestCollector(t, source)
	ctx := context.Background()

	updates, cancel := hub.Subscribe(16)
	defer cancel()

	col.RunCycle(ctx) // first summary always pushes
	col.RunCycle(ctx) // identical fabric: no push
	source.tunnels[0].State = telemetry.TunnelDown
	col.RunCycle(ctx) // counter change: push

	var summaries int
	for {
		select {
		case u := <-updates:
			if u.Kind == push.KindSummary {
				summaries++
			}
		default:
			if summaries != 2 {
				t.Fatalf("summary pushes = %d, want 2", summaries)
			}
			return
		}
	}
}

func TestLoginFailureDoesNotStopCycles(t *testing.T) {
	source := &fakeSource{
		devices: []telemetry.Device{{ID: "d1", Reachability: telemetry.Reachable}},
	}
	col, _, _ := newTestCollector(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		col.Run(ctx)
		close(done)
	}()

	// the startup cycle runs before the first tick
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := col.Latest(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup cycle never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if source.loginCalls != 1 {
		t.Fatalf("login calls = %d, want 1", source.loginCalls)
	}
}
