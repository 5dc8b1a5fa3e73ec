// Package rules defines operator-configured alert rules as plain data: a
// named threshold condition over a fixed set of entity fields. Evaluation is
// total and side-effect free.
package rules

import (
	"fmt"
	"time"

	"fabricmon/internal/telemetry"
)

// Entity types a rule can target.
const (
	EntityDevice = "device"
	EntityTunnel = "tunnel"
)

// Severities, mildest first.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// Device fields a rule may reference. Boolean conditions are exposed as 0/1
// gauges so every rule is comparator-over-number.
var deviceFields = map[string]func(telemetry.Device) float64{
	"cpu_percent":    func(d telemetry.Device) float64 { return d.CPUPercent },
	"memory_percent": func(d telemetry.Device) float64 { return d.MemoryPercent },
	"disk_percent":   func(d telemetry.Device) float64 { return d.DiskPercent },
	"tunnels_down": func(d telemetry.Device) float64 {
		return float64(d.TunnelsTotal - d.TunnelsUp)
	},
	"control_connection_shortfall": func(d telemetry.Device) float64 {
		return float64(d.ControlConnectionsExpected - d.ControlConnections)
	},
	"unreachable": func(d telemetry.Device) float64 {
		if d.Reachability != telemetry.Reachable {
			return 1
		}
		return 0
	},
}

var tunnelFields = map[string]func(telemetry.Tunnel) float64{
	"loss_percent": func(t telemetry.Tunnel) float64 { return t.LossPercent },
	"latency_ms":   func(t telemetry.Tunnel) float64 { return t.LatencyMs },
	"jitter_ms":    func(t telemetry.Tunnel) float64 { return t.JitterMs },
	"down": func(t telemetry.Tunnel) float64 {
		if t.State != telemetry.TunnelUp {
			return 1
		}
		return 0
	},
}

var severities = map[string]bool{
	SeverityInfo:     true,
	SeverityWarning:  true,
	SeverityMajor:    true,
	SeverityCritical: true,
}

// Rule is one operator-defined condition. Rules are loaded once at startup
// and never change during a run.
type Rule struct {
	Name            string   `yaml:"name"`
	Entity          string   `yaml:"entity"`
	Field           string   `yaml:"field"`
	Operator        string   `yaml:"operator"`
	Threshold       float64  `yaml:"threshold"`
	Severity        string   `yaml:"severity"`
	CooldownSeconds int      `yaml:"cooldown_seconds"`
	Channels        []string `yaml:"channels"`
}

// Cooldown returns the rule's dispatch suppression window.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// ReachabilityRule reports whether this rule matches an entity that has
// disappeared from the snapshot entirely.
func (r Rule) ReachabilityRule() bool {
	return (r.Entity == EntityDevice && r.Field == "unreachable") ||
		(r.Entity == EntityTunnel && r.Field == "down")
}

// EvaluateDevice evaluates the rule against one device and returns the
// matched flag plus the observed value.
func (r Rule) EvaluateDevice(d telemetry.Device) (bool, float64) {
	get, ok := deviceFields[r.Field]
	if !ok {
		return false, 0
	}
	v := get(d)
	return Compare(v, r.Operator, r.Threshold), v
}

// EvaluateTunnel evaluates the rule against one tunnel.
func (r Rule) EvaluateTunnel(t telemetry.Tunnel) (bool, float64) {
	get, ok := tunnelFields[r.Field]
	if !ok {
		return false, 0
	}
	v := get(t)
	return Compare(v, r.Operator, r.Threshold), v
}

// Validate rejects rules referencing unknown entities, fields, operators or
// severities. A bad rule fails startup rather than silently never firing.
func (r Rule) Validate() error {
	switch r.Entity {
	case EntityDevice:
		if _, ok := deviceFields[r.Field]; !ok {
			return fmt.Errorf("rule %q: unknown device field %q", r.Name, r.Field)
		}
	case EntityTunnel:
		if _, ok := tunnelFields[r.Field]; !ok {
			return fmt.Errorf("rule %q: unknown tunnel field %q", r.Name, r.Field)
		}
	default:
		return fmt.Errorf("rule %q: unknown entity type %q", r.Name, r.Entity)
	}
	switch r.Operator {
	case "gt", "ge", "lt", "le", "eq", "ne":
	default:
		return fmt.Errorf("rule %q: unknown operator %q", r.Name, r.Operator)
	}
	if !severities[r.Severity] {
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if r.Name == "" {
		return fmt.Errorf("rule with empty name")
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("rule %q: negative cooldown", r.Name)
	}
	return nil
}

// ValidateSet validates every rule and rejects duplicate names.
func ValidateSet(set []Rule) error {
	seen := make(map[string]bool, len(set))
	for _, r := range set {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Compare applies a comparison operator. Unknown operators never match.
func Compare(v float64, op string, threshold float64) bool {
	switch op {
	case "gt":
		return v > threshold
	case "ge":
		return v >= threshold
	case "lt":
		return v < threshold
	case "le":
		return v <= threshold
	case "eq":
		return v == threshold
	case "ne":
		return v != threshold
	default:
		return false
	}
}
