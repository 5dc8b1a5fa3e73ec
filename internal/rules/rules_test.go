package rules

import (
	"testing"

	"fabricmon/internal/telemetry"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		v, th float64
		op    string
		want  bool
	}{
		{91, 90, "gt", true},
		{90, 90, "gt", false},
		{90, 90, "ge", true},
		{89, 90, "lt", true},
		{90, 90, "le", true},
		{1, 1, "eq", true},
		{0, 1, "ne", true},
		{1, 1, "bogus", false},
	}
	for _, tc := range cases {
		if got := Compare(tc.v, tc.op, tc.th); got != tc.want {
			t.Fatalf("Compare(%v %s %v) got %v want %v", tc.v, tc.op, tc.th, got, tc.want)
		}
	}
}

func TestEvaluateDevice(t *testing.T) {
	d := telemetry.Device{
		ID:            "1.1.1.1",
		Reachability:  telemetry.Unreachable,
		CPUPercent:    95,
		MemoryPercent: 40,
		TunnelsUp:     2,
		TunnelsTotal:  4,
	}

	r := Rule{Name: "high-cpu", Entity: EntityDevice, Field: "cpu_percent", Operator: "ge", Threshold: 90}
	matched, value := r.EvaluateDevice(d)
	if !matched || value != 95 {
		t.Fatalf("cpu rule: matched=%v value=%v, want true 95", matched, value)
	}

	r = Rule{Name: "unreach", Entity: EntityDevice, Field: "unreachable", Operator: "eq", Threshold: 1}
	matched, value = r.EvaluateDevice(d)
	if !matched || value != 1 {
		t.Fatalf("unreachable rule: matched=%v value=%v, want true 1", matched, value)
	}

	r = Rule{Name: "tun-down", Entity: EntityDevice, Field: "tunnels_down", Operator: "gt", Threshold: 1}
	matched, value = r.EvaluateDevice(d)
	if !matched || value != 2 {
		t.Fatalf("tunnels_down rule: matched=%v value=%v, want true 2", matched, value)
	}

	r = Rule{Name: "bad", Entity: EntityDevice, Field: "nonexistent", Operator: "gt", Threshold: 0}
	matched, _ = r.EvaluateDevice(d)
	if matched {
		t.Fatal("unknown field must never match")
	}
}

func TestEvaluateTunnel(t *testing.T) {
	tun := telemetry.Tunnel{
		SourceIP:    "1.1.1.1",
		DestIP:      "2.2.2.2",
		Color:       "mpls",
		State:       telemetry.TunnelDown,
		LossPercent: 12.5,
	}

	r := Rule{Name: "down", Entity: EntityTunnel, Field: "down", Operator: "eq", Threshold: 1}
	matched, value := r.EvaluateTunnel(tun)
	if !matched || value != 1 {
		t.Fatalf("down rule: matched=%v value=%v, want true 1", matched, value)
	}

	tun.State = telemetry.TunnelUp
	matched, _ = r.EvaluateTunnel(tun)
	if matched {
		t.Fatal("down rule must not match an up tunnel")
	}

	r = Rule{Name: "loss", Entity: EntityTunnel, Field: "loss_percent", Operator: "gt", Threshold: 5}
	matched, value = r.EvaluateTunnel(tun)
	if !matched || value != 12.5 {
		t.Fatalf("loss rule: matched=%v value=%v, want true 12.5", matched, value)
	}
}

func TestReachabilityRule(t *testing.T) {
	cases := []struct {
		rule Rule
		want bool
	}{
		{Rule{Entity: EntityDevice, Field: "unreachable"}, true},
		{Rule{Entity: EntityTunnel, Field: "down"}, true},
		{Rule{Entity: EntityDevice, Field: "cpu_percent"}, false},
		{Rule{Entity: EntityTunnel, Field: "loss_percent"}, false},
	}
	for _, tc := range cases {
		if got := tc.rule.ReachabilityRule(); got != tc.want {
			t.Fatalf("ReachabilityRule(%s/%s) = %v, want %v", tc.rule.Entity, tc.rule.Field, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	good := Rule{Name: "ok", Entity: EntityDevice, Field: "cpu_percent", Operator: "ge", Threshold: 90, Severity: SeverityMajor}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	bad := []Rule{
		{Name: "r", Entity: "router", Field: "cpu_percent", Operator: "ge", Severity: SeverityMajor},
		{Name: "r", Entity: EntityDevice, Field: "bogus", Operator: "ge", Severity: SeverityMajor},
		{Name: "r", Entity: EntityDevice, Field: "cpu_percent", Operator: "between", Severity: SeverityMajor},
		{Name: "r", Entity: EntityDevice, Field: "cpu_percent", Operator: "ge", Severity: "fatal"},
		{Name: "r", Entity: EntityDevice, Field: "cpu_percent", Operator: "ge", Severity: SeverityMajor, CooldownSeconds: -1},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("bad rule %d accepted", i)
		}
	}
}

func TestValidateSetRejectsDuplicates(t *testing.T) {
	set := []Rule{
		{Name: "dup", Entity: EntityDevice, Field: "cpu_percent", Operator: "ge", Threshold: 90, Severity: SeverityMajor},
		{Name: "dup", Entity: EntityDevice, Field: "memory_percent", Operator: "ge", Threshold: 95, Severity: SeverityCritical},
	}
	if err := ValidateSet(set); err == nil {
		t.Fatal("duplicate rule names accepted")
	}
}
