// Package analyzer diffs each snapshot against the previous evaluation state
// and turns rising and falling rule edges into alert events.
package analyzer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"fabricmon/internal/history"
	"fabricmon/internal/logger"
	"fabricmon/internal/metrics"
	"fabricmon/internal/models"
	"fabricmon/internal/push"
	"fabricmon/internal/rules"
	"fabricmon/internal/telemetry"

	"go.uber.org/zap"
)

// Dispatcher is the slice of the dispatch contract the analyzer needs.
type Dispatcher interface {
	Dispatch(event models.AlertEvent, channels []string, clear bool)
}

type evalKey struct {
	rule   string
	target string
}

// Analyzer is the sole writer of alert events and cooldown state. It runs
// strictly serialized with the collector, so its evaluation state needs no
// locking.
type Analyzer struct {
	rules      []rules.Rule
	cooldown   *CooldownTracker
	store      *history.Store
	dispatcher Dispatcher
	hub        *push.Hub

	lastMatch map[evalKey]bool
	now       func() time.Time
}

func New(ruleSet []rules.Rule, cooldown *CooldownTracker, store *history.Store, dispatcher Dispatcher, hub *push.Hub) *Analyzer {
	return &Analyzer{
		rules:      ruleSet,
		cooldown:   cooldown,
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
		lastMatch:  make(map[evalKey]bool),
		now:        time.Now,
	}
}

// Analyze evaluates every (rule, target) pair against the snapshot. Rules run
// in configured order; this only affects log and dispatch ordering, since
// rules are independent predicates over independent targets.
func (a *Analyzer) Analyze(ctx context.Context, snap *telemetry.Snapshot) {
	for _, r := range a.rules {
		switch r.Entity {
		case rules.EntityDevice:
			a.analyzeDevices(ctx, r, snap)
		case rules.EntityTunnel:
			a.analyzeTunnels(ctx, r, snap)
		}
	}
}

func (a *Analyzer) analyzeDevices(ctx context.Context, r rules.Rule, snap *telemetry.Snapshot) {
	present := make(map[string]bool, len(snap.Devices))
	for _, d := range snap.Devices {
		present[d.ID] = true
		matched, value := r.EvaluateDevice(d)
		a.transition(ctx, r, d.ID, matched, value)
	}
	a.sweepVanished(ctx, r, present)
}

func (a *Analyzer) analyzeTunnels(ctx context.Context, r rules.Rule, snap *telemetry.Snapshot) {
	present := make(map[string]bool, len(snap.Tunnels))
	for _, t := range snap.Tunnels {
		key := t.Key()
		present[key] = true
		matched, value := r.EvaluateTunnel(t)
		a.transition(ctx, r, key, matched, value)
	}
	a.sweepVanished(ctx, r, present)
}

// sweepVanished handles targets known from previous cycles that the snapshot
// no longer reports. A reachability rule treats them as matching; any other
// rule leaves its state untouched and notes the gap.
func (a *Analyzer) sweepVanished(ctx context.Context, r rules.Rule, present map[string]bool) {
	for k := range a.lastMatch {
		if k.rule != r.Name || present[k.target] {
			continue
		}
		if r.ReachabilityRule() {
			a.transition(ctx, r, k.target, true, 1)
			continue
		}
		logger.Debug("target missing from snapshot, rule state unchanged",
			zap.String("rule", r.Name),
			zap.String("target", k.target),
		)
	}
}

// transition applies the edge logic for one (rule, target) evaluation.
func (a *Analyzer) transition(ctx context.Context, r rules.Rule, target string, matched bool, value float64) {
	k := evalKey{rule: r.Name, target: target}
	prev := a.lastMatch[k]
	a.lastMatch[k] = matched

	switch {
	case matched && !prev:
		a.risingEdge(ctx, r, target, value)
	case !matched && prev:
		a.fallingEdge(ctx, r, target, value)
	}
}

func (a *Analyzer) risingEdge(ctx context.Context, r rules.Rule, target string, value float64) {
	now := a.now()

	if !a.cooldown.Allow(r, target, now) {
		metrics.CooldownSuppressed.Inc()
		logger.Debug("rising edge suppressed by cooldown",
			zap.String("rule", r.Name),
			zap.String("target", target),
		)
		return
	}

	event := models.AlertEvent{
		EventID:  newEventID(),
		Rule:     r.Name,
		Entity:   r.Entity,
		TargetID: target,
		Severity: r.Severity,
		Message:  ruleMessage(r, target, value),
		Value:    value,
		State:    models.StateRaised,
		FiredAt:  now,
	}

	if err := a.store.AppendEvent(ctx, &event); err != nil {
		// The event stays usable in memory; only the durable record is lost.
		metrics.StoreWriteFailures.Inc()
		logger.Error("failed to persist alert event", zap.Error(err),
			zap.String("rule", r.Name), zap.String("target", target))
	}

	metrics.EventsTotal.WithLabelValues("raised").Inc()
	logger.Warn("alert raised",
		zap.String("rule", r.Name),
		zap.String("target", target),
		zap.String("severity", r.Severity),
		zap.Float64("value", value),
	)

	a.dispatcher.Dispatch(event, r.Channels, false)
	a.hub.Publish(push.Update{Kind: push.KindEventRaised, At: now, Payload: event})
}

func (a *Analyzer) fallingEdge(ctx context.Context, r rules.Rule, target string, value float64) {
	now := a.now()

	event, err := a.store.ClearEvent(ctx, r.Name, target, now)
	if err != nil {
		metrics.StoreWriteFailures.Inc()
		logger.Error("failed to clear alert event", zap.Error(err),
			zap.String("rule", r.Name), zap.String("target", target))
		return
	}
	if event == nil {
		// No open event: the raise was suppressed or predates this run.
		return
	}

	metrics.EventsTotal.WithLabelValues("cleared").Inc()
	logger.Info("alert cleared",
		zap.String("rule", r.Name),
		zap.String("target", target),
		zap.Float64("value", value),
	)

	a.dispatcher.Dispatch(*event, r.Channels, true)
	a.hub.Publish(push.Update{Kind: push.KindEventCleared, At: now, Payload: *event})
}

// Acknowledge marks a raised event acknowledged. Exposed to the API surface;
// acknowledgment never happens from rule evaluation.
func (a *Analyzer) Acknowledge(ctx context.Context, eventID string) (*models.AlertEvent, error) {
	event, err := a.store.AcknowledgeEvent(ctx, eventID, a.now())
	if err != nil {
		return nil, err
	}
	metrics.EventsTotal.WithLabelValues("acknowledged").Inc()
	logger.Info("alert acknowledged", zap.String("event_id", eventID))
	return event, nil
}

func ruleMessage(r rules.Rule, target string, value float64) string {
	return fmt.Sprintf("%s on %s: %s=%.2f (threshold %s %.2f)",
		r.Name, target, r.Field, value, opSymbol(r.Operator), r.Threshold)
}

func opSymbol(op string) string {
	switch op {
	case "gt":
		return ">"
	case "ge":
		return ">="
	case "lt":
		return "<"
	case "le":
		return "<="
	case "eq":
		return "=="
	case "ne":
		return "!="
	default:
		return op
	}
}

func newEventID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(buf)
}
