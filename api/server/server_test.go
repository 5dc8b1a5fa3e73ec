package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fabricmon/internal/analyzer"
	"fabricmon/internal/collector"
	"fabricmon/internal/config"
	"fabricmon/internal/database"
	"fabricmon/internal/history"
	"fabricmon/internal/models"
	"fabricmon/internal/push"
	"fabricmon/internal/telemetry"
)

type stubSource struct {
	devices []telemetry.Device
	tunnels []telemetry.Tunnel
	alarms  []telemetry.Alarm
}

func (s *stubSource) Login(ctx context.Context) error { return nil }
func (s *stubSource) GetDevices(ctx context.Context) ([]telemetry.Device, error) {
	return s.devices, nil
}
func (s *stubSource) GetTunnels(ctx context.Context) ([]telemetry.Tunnel, error) {
	return s.tunnels, nil
}
func (s *stubSource) GetAlarms(ctx context.Context) ([]telemetry.Alarm, error) {
	return s.alarms, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(event models.AlertEvent, channels []string, clear bool) {}

type stubAcker struct{ acked []string }

func (s *stubAcker) AcknowledgeAlarm(ctx context.Context, alarmID string) error {
	s.acked = append(s.acked, alarmID)
	return nil
}

func newTestServer(t *testing.T, source *stubSource, poll bool) (*Server, *history.Store, *analyzer.Analyzer) {
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

	cfg := &config.Config{}
	cfg.Thresholds = config.ThresholdConfig{CPUWarning: 70, CPUCritical: 90, MemoryWarning: 75, MemoryCritical: 95}

	thresholds := telemetry.Thresholds{CPUWarning: 70, CPUCritical: 90, MemoryWarning: 75, MemoryCritical: 95}
	col := collector.New(source, an, store, hub, thresholds, time.Minute)
	if poll {
		col.RunCycle(context.Background())
	}

	return NewServer(col, an, store, hub, &stubAcker{}, nil, cfg), store, an
}

func doJSON(t *testing.T, s *Server, method, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d (body %s)", method, path, rec.Code, wantStatus, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: bad json: %v", method, path, err)
	}
	return body
}

func TestHealthReflectsStartupState(t *testing.T) {
	s, _, _ := newTestServer(t, &stubSource{}, false)
	body := doJSON(t, s, http.MethodGet, "/health", http.StatusOK)
	if body["status"] != "starting" {
		t.Fatalf("status = %v, want starting", body["status"])
	}

	s, _, _ = newTestServer(t, &stubSource{}, true)
	body = doJSON(t, s, http.MethodGet, "/health", http.StatusOK)
	if body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", body["status"])
	}
}

func TestSummaryUnavailableBeforeFirstCycle(t *testing.T) {
	s, _, _ := newTestServer(t, &stubSource{}, false)
	doJSON(t, s, http.MethodGet, "/api/v1/fabric/summary", http.StatusServiceUnavailable)
}

func TestDevicesIncludeDerivedHealth(t *testing.T) {
	source := &stubSource{
		devices: []telemetry.Device{
			{ID: "d1", Hostname: "edge1", Reachability: telemetry.Reachable, CPUPercent: 95, ControlConnections: 2, ControlConnectionsExpected: 2},
			{ID: "d2", Hostname: "edge2", Reachability: telemetry.Reachable, CPUPercent: 10, ControlConnections: 2, ControlConnectionsExpected: 2},
		},
	}
	s, _, _ := newTestServer(t, source, true)

	body := doJSON(t, s, http.MethodGet, "/api/v1/devices", http.StatusOK)
	devices := body["devices"].([]interface{})
	if len(devices) != 2 {
		t.Fatalf("devices len = %d, want 2", len(devices))
	}
	first := devices[0].(map[string]interface{})
	if first["health"] != "critical" {
		t.Fatalf("health = %v, want critical", first["health"])
	}

	single := doJSON(t, s, http.MethodGet, "/api/v1/devices/d2", http.StatusOK)
	if single["health"] != "healthy" {
		t.Fatalf("d2 health = %v, want healthy", single["health"])
	}

	doJSON(t, s, http.MethodGet, "/api/v1/devices/missing", http.StatusNotFound)
}

func TestTunnelStateFilter(t *testing.T) {
	source := &stubSource{
		tunnels: []telemetry.Tunnel{
			{SourceIP: "a", DestIP: "b", Color: "mpls", State: telemetry.TunnelUp},
			{SourceIP: "a", DestIP: "c", Color: "mpls", State: telemetry.TunnelDown},
		},
	}
	s, _, _ := newTestServer(t, source, true)

	body := doJSON(t, s, http.MethodGet, "/api/v1/tunnels?state=down", http.StatusOK)
	if int(body["total"].(float64)) != 1 {
		t.Fatalf("filtered total = %v, want 1", body["total"])
	}
}

func TestEventListAndAcknowledge(t *testing.T) {
	s, store, _ := newTestServer(t, &stubSource{}, true)
	ctx := context.Background()

	event := &models.AlertEvent{
		EventID: "ev-1", Rule: "high-cpu", Entity: "device", TargetID: "d1",
		Severity: "major", State: models.StateRaised,
		FiredAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	body := doJSON(t, s, http.MethodGet, "/api/v1/events?severity=major", http.StatusOK)
	if int(body["total"].(float64)) != 1 {
		t.Fatalf("events total = %v, want 1", body["total"])
	}

	acked := doJSON(t, s, http.MethodPost, "/api/v1/events/ev-1/acknowledge", http.StatusOK)
	if acked["state"] != models.StateAcknowledged {
		t.Fatalf("state after ack = %v", acked["state"])
	}

	// second acknowledge conflicts
	doJSON(t, s, http.MethodPost, "/api/v1/events/ev-1/acknowledge", http.StatusConflict)
}

func TestSLAEndpoint(t *testing.T) {
	s, store, _ := newTestServer(t, &stubSource{}, true)
	ctx := context.Background()

	now := time.Now()
	err := store.AppendSamples(ctx, []models.HistoricalSample{
		{Metric: "up", TargetID: "a-b-mpls", Value: 1, RecordedAt: now.Add(-2 * time.Hour)},
		{Metric: "up", TargetID: "a-b-mpls", Value: 0, RecordedAt: now.Add(-time.Hour)},
	})
	if err != nil {
		t.Fatalf("seed samples: %v", err)
	}

	body := doJSON(t, s, http.MethodGet, "/api/v1/sla?target=a-b-mpls&hours=24", http.StatusOK)
	if body["compliance_percent"].(float64) != 50 {
		t.Fatalf("compliance = %v, want 50", body["compliance_percent"])
	}

	// unknown target is no-data, not an error
	body = doJSON(t, s, http.MethodGet, "/api/v1/sla?target=unknown", http.StatusOK)
	if body["no_data"] != true {
		t.Fatalf("no_data = %v, want true", body["no_data"])
	}

	doJSON(t, s, http.MethodGet, "/api/v1/sla", http.StatusBadRequest)
}

func TestAlarmsSurface(t *testing.T) {
	source := &stubSource{
		alarms: []telemetry.Alarm{
			{ID: "a1", Severity: "critical", Message: "control down"},
			{ID: "a2", Severity: "minor", Message: "noise"},
		},
	}
	s, _, _ := newTestServer(t, source, true)

	body := doJSON(t, s, http.MethodGet, "/api/v1/alarms?severity=critical", http.StatusOK)
	if int(body["total"].(float64)) != 1 {
		t.Fatalf("alarms total = %v, want 1", body["total"])
	}

	doJSON(t, s, http.MethodPost, "/api/v1/alarms/a1/acknowledge", http.StatusOK)
}
