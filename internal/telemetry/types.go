package telemetry

import (
	"fmt"
	"time"
)

// Device reachability states as reported by the controller.
const (
	Reachable   = "reachable"
	Unreachable = "unreachable"
)

// Tunnel states.
const (
	TunnelUp       = "up"
	TunnelDown     = "down"
	TunnelDegraded = "degraded"
)

// Device is one edge router's health as captured in a single poll cycle.
// Devices are built by the collector and never mutated afterwards.
type Device struct {
	ID                         string    `json:"device_id"`
	Hostname                   string    `json:"hostname"`
	SiteID                     string    `json:"site_id"`
	Reachability               string    `json:"reachability"`
	CPUPercent                 float64   `json:"cpu_percent"`
	MemoryPercent              float64   `json:"memory_percent"`
	DiskPercent                float64   `json:"disk_percent"`
	ControlConnections         int       `json:"control_connections"`
	ControlConnectionsExpected int       `json:"control_connections_expected"`
	TunnelsUp                  int       `json:"tunnels_up"`
	TunnelsTotal               int       `json:"tunnels_total"`
	Version                    string    `json:"version"`
	Model                      string    `json:"model"`
	Uptime                     string    `json:"uptime"`
	LastUpdated                time.Time `json:"last_updated"`
}

// Thresholds classify device gauges into warning/critical bands.
type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
}

// Health classifies the device as "healthy", "warning" or "critical".
func (d Device) Health(th Thresholds) string {
	if d.Reachability != Reachable {
		return "critical"
	}
	if d.CPUPercent >= th.CPUCritical || d.MemoryPercent >= th.MemoryCritical {
		return "critical"
	}
	if d.CPUPercent >= th.CPUWarning || d.MemoryPercent >= th.MemoryWarning {
		return "warning"
	}
	if d.ControlConnections < d.ControlConnectionsExpected {
		return "warning"
	}
	return "healthy"
}

// Tunnel is one IPSec tunnel's health as captured in a single poll cycle.
type Tunnel struct {
	SourceIP    string    `json:"source_ip"`
	DestIP      string    `json:"dest_ip"`
	Color       string    `json:"color"`
	State       string    `json:"state"`
	SourceSite  string    `json:"source_site"`
	DestSite    string    `json:"dest_site"`
	LossPercent float64   `json:"loss_percent"`
	LatencyMs   float64   `json:"latency_ms"`
	JitterMs    float64   `json:"jitter_ms"`
	LastUpdated time.Time `json:"last_updated"`
}

// Key identifies a tunnel across poll cycles.
func (t Tunnel) Key() string {
	return fmt.Sprintf("%s-%s-%s", t.SourceIP, t.DestIP, t.Color)
}

// Alarm is a controller-native alarm. Alarms are a read-only surface listed
// alongside rule-generated alert events; they do not feed the event stream.
type Alarm struct {
	ID           string    `json:"alarm_id"`
	Severity     string    `json:"severity"`
	Type         string    `json:"type"`
	RuleName     string    `json:"rule_name"`
	Component    string    `json:"component"`
	DeviceID     string    `json:"device_id"`
	Hostname     string    `json:"hostname"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Snapshot is one consistent capture of the whole fabric. The sequence number
// increases by one per successful poll cycle; skipped cycles do not consume
// sequence numbers.
type Snapshot struct {
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
	Devices    []Device  `json:"devices"`
	Tunnels    []Tunnel  `json:"tunnels"`
	Alarms     []Alarm   `json:"alarms"`
}

// Device returns the device with the given id, or false.
func (s *Snapshot) Device(id string) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Tunnel returns the tunnel with the given key, or false.
func (s *Snapshot) Tunnel(key string) (Tunnel, bool) {
	for _, t := range s.Tunnels {
		if t.Key() == key {
			return t, true
		}
	}
	return Tunnel{}, false
}

// FabricSummary is the aggregate health rollup pushed to consumers whenever
// the counters change.
type FabricSummary struct {
	TotalDevices       int       `json:"total_devices"`
	HealthyDevices     int       `json:"healthy_devices"`
	WarningDevices     int       `json:"warning_devices"`
	CriticalDevices    int       `json:"critical_devices"`
	UnreachableDevices int       `json:"unreachable_devices"`
	TotalTunnels       int       `json:"total_tunnels"`
	TunnelsUp          int       `json:"tunnels_up"`
	TunnelsDown        int       `json:"tunnels_down"`
	TotalAlarms        int       `json:"total_alarms"`
	CriticalAlarms     int       `json:"critical_alarms"`
	MajorAlarms        int       `json:"major_alarms"`
	MinorAlarms        int       `json:"minor_alarms"`
	SLACompliance      float64   `json:"sla_compliance"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Counters returns the aggregate counters used for push change detection.
// Alarm totals are excluded: they change on every controller-side rollup and
// would make every cycle look like a change.
func (f FabricSummary) Counters() [6]int {
	return [6]int{
		f.TotalDevices, f.UnreachableDevices, f.CriticalDevices,
		f.TotalTunnels, f.TunnelsUp, f.TunnelsDown,
	}
}

// Summarize rolls a snapshot up into a FabricSummary.
func Summarize(s *Snapshot, th Thresholds) FabricSummary {
	sum := FabricSummary{LastUpdated: s.CapturedAt}

	sum.TotalDevices = len(s.Devices)
	for _, d := range s.Devices {
		switch d.Health(th) {
		case "healthy":
			sum.HealthyDevices++
		case "warning":
			sum.WarningDevices++
		case "critical":
			sum.CriticalDevices++
		}
		if d.Reachability != Reachable {
			sum.UnreachableDevices++
		}
	}

	sum.TotalTunnels = len(s.Tunnels)
	for _, t := range s.Tunnels {
		if t.State == TunnelUp {
			sum.TunnelsUp++
		}
	}
	sum.TunnelsDown = sum.TotalTunnels - sum.TunnelsUp

	sum.TotalAlarms = len(s.Alarms)
	for _, a := range s.Alarms {
		switch a.Severity {
		case "Critical", "critical":
			sum.CriticalAlarms++
		case "Major", "major":
			sum.MajorAlarms++
		case "Minor", "minor":
			sum.MinorAlarms++
		}
	}

	if sum.TotalTunnels > 0 {
		sum.SLACompliance = float64(sum.TunnelsUp) / float64(sum.TotalTunnels) * 100
	} else {
		sum.SLACompliance = 100
	}

	return sum
}
