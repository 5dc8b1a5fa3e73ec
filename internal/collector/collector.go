// Package collector drives the poll loop: fetch telemetry, assemble a
// snapshot, persist samples and hand the snapshot to the analyzer.
package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fabricmon/internal/analyzer"
	"fabricmon/internal/history"
	"fabricmon/internal/logger"
	"fabricmon/internal/metrics"
	"fabricmon/internal/models"
	"fabricmon/internal/push"
	"fabricmon/internal/telemetry"

	"go.uber.org/zap"
)

// Source is the telemetry client contract. Each call may fail independently;
// any failure skips the whole cycle.
type Source interface {
	Login(ctx context.Context) error
	GetDevices(ctx context.Context) ([]telemetry.Device, error)
	GetTunnels(ctx context.Context) ([]telemetry.Tunnel, error)
	GetAlarms(ctx context.Context) ([]telemetry.Alarm, error)
}

// Collector owns the snapshot: it is the only writer, and cycles are
// strictly serialized. Read access for the query surface goes through
// Latest and Summary under a read lock.
type Collector struct {
	source     Source
	analyzer   *analyzer.Analyzer
	store      *history.Store
	hub        *push.Hub
	thresholds telemetry.Thresholds
	interval   time.Duration

	mu           sync.RWMutex
	seq          uint64
	lastSnapshot *telemetry.Snapshot
	lastSummary  telemetry.FabricSummary
	haveSummary  bool

	inFlight atomic.Bool
	now      func() time.Time
	sink     CycleSink
}

// CycleSink receives a copy of every recorded poll cycle. Optional; used to
// mirror cycles into a search backend.
type CycleSink interface {
	IndexCycle(cycle models.PollCycle)
}

func New(source Source, an *analyzer.Analyzer, store *history.Store, hub *push.Hub, thresholds telemetry.Thresholds, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		source:     source,
		analyzer:   an,
		store:      store,
		hub:        hub,
		thresholds: thresholds,
		interval:   interval,
		now:        time.Now,
	}
}

// SetCycleSink installs a cycle mirror. Must be called before Run.
func (c *Collector) SetCycleSink(sink CycleSink) {
	c.sink = sink
}

// Run polls until ctx is cancelled. An in-flight cycle blocks shutdown until
// it completes; a tick arriving while a cycle is running is dropped, never
// queued.
func (c *Collector) Run(ctx context.Context) {
	if err := c.source.Login(ctx); err != nil {
		logger.Error("initial controller login failed, cycles will retry", zap.Error(err))
	}

	// First cycle immediately, then on the ticker.
	c.RunCycle(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.inFlight.CompareAndSwap(false, true) {
				metrics.PollCyclesTotal.WithLabelValues("dropped_tick").Inc()
				logger.Warn("previous poll cycle still running, dropping tick")
				continue
			}
			c.cycle(ctx)
			c.inFlight.Store(false)
		}
	}
}

// RunCycle executes one cycle if none is in flight. Used for the startup
// poll and manual refresh.
func (c *Collector) RunCycle(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		metrics.PollCyclesTotal.WithLabelValues("dropped_tick").Inc()
		return
	}
	defer c.inFlight.Store(false)
	c.cycle(ctx)
}

func (c *Collector) cycle(ctx context.Context) {
	start := c.now()
	cctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	devices, err := c.source.GetDevices(cctx)
	if err != nil {
		c.skipCycle(ctx, "devices", err)
		return
	}
	tunnels, err := c.source.GetTunnels(cctx)
	if err != nil {
		c.skipCycle(ctx, "tunnels", err)
		return
	}
	alarms, err := c.source.GetAlarms(cctx)
	if err != nil {
		c.skipCycle(ctx, "alarms", err)
		return
	}

	c.mu.Lock()
	c.seq++
	snap := &telemetry.Snapshot{
		Seq:        c.seq,
		CapturedAt: start,
		Devices:    devices,
		Tunnels:    tunnels,
		Alarms:     alarms,
	}
	c.lastSnapshot = snap
	prevCounters := c.lastSummary.Counters()
	hadSummary := c.haveSummary
	summary := telemetry.Summarize(snap, c.thresholds)
	c.lastSummary = summary
	c.haveSummary = true
	c.mu.Unlock()

	if err := c.store.AppendSamples(ctx, c.samples(snap)); err != nil {
		metrics.StoreWriteFailures.Inc()
		logger.Error("failed to append samples, data gap recorded", zap.Error(err),
			zap.Uint64("seq", snap.Seq))
	}
	cycle := models.PollCycle{
		Seq:         snap.Seq,
		CapturedAt:  snap.CapturedAt,
		DeviceCount: len(devices),
		TunnelCount: len(tunnels),
		AlarmCount:  len(alarms),
	}
	if err := c.store.RecordCycle(ctx, &cycle); err != nil {
		metrics.StoreWriteFailures.Inc()
		logger.Error("failed to record poll cycle", zap.Error(err))
	}
	if c.sink != nil {
		c.sink.IndexCycle(cycle)
	}

	metrics.SLACompliance.Set(summary.SLACompliance)
	metrics.DevicesUnreachable.Set(float64(summary.UnreachableDevices))

	if !hadSummary || summary.Counters() != prevCounters {
		c.hub.Publish(push.Update{Kind: push.KindSummary, At: start, Payload: summary})
	}

	c.analyzer.Analyze(ctx, snap)

	metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
	metrics.PollCycleDuration.Observe(c.now().Sub(start).Seconds())
	logger.Info("poll cycle completed",
		zap.Uint64("seq", snap.Seq),
		zap.Int("devices", len(devices)),
		zap.Int("tunnels", len(tunnels)),
		zap.Int("alarms", len(alarms)),
	)
}

// skipCycle records a failed cycle. The previous snapshot stays the last
// known state; consumers see "no change", not "all devices down".
func (c *Collector) skipCycle(ctx context.Context, stage string, err error) {
	metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
	if telemetry.IsMalformed(err) {
		logger.Error("malformed telemetry, skipping cycle",
			zap.String("stage", stage), zap.Error(err))
	} else {
		logger.Warn("telemetry fetch failed, skipping cycle",
			zap.String("stage", stage), zap.Error(err))
	}

	c.mu.RLock()
	seq := c.seq
	c.mu.RUnlock()

	cycle := models.PollCycle{
		Seq:        seq,
		CapturedAt: c.now(),
		Skipped:    true,
		Error:      err.Error(),
	}
	if rerr := c.store.RecordCycle(ctx, &cycle); rerr != nil {
		metrics.StoreWriteFailures.Inc()
		logger.Error("failed to record skipped cycle", zap.Error(rerr))
	}
	if c.sink != nil {
		c.sink.IndexCycle(cycle)
	}

	// A stale session is the one fetch failure worth acting on right away.
	if errors.Is(err, telemetry.ErrNotAuthenticated) {
		if lerr := c.source.Login(ctx); lerr != nil {
			logger.Error("controller re-login failed", zap.Error(lerr))
		}
	}
}

// samples flattens one snapshot into per-gauge history rows. Boolean states
// are stored as 0/1 gauges so SLA aggregation is a plain average.
func (c *Collector) samples(snap *telemetry.Snapshot) []models.HistoricalSample {
	rows := make([]models.HistoricalSample, 0, len(snap.Devices)*4+len(snap.Tunnels)*4)
	at := snap.CapturedAt

	for _, d := range snap.Devices {
		reachable := 0.0
		if d.Reachability == telemetry.Reachable {
			reachable = 1
		}
		rows = append(rows,
			models.HistoricalSample{Metric: "cpu_percent", TargetID: d.ID, Value: d.CPUPercent, RecordedAt: at},
			models.HistoricalSample{Metric: "memory_percent", TargetID: d.ID, Value: d.MemoryPercent, RecordedAt: at},
			models.HistoricalSample{Metric: "disk_percent", TargetID: d.ID, Value: d.DiskPercent, RecordedAt: at},
			models.HistoricalSample{Metric: "reachable", TargetID: d.ID, Value: reachable, RecordedAt: at},
		)
	}
	for _, t := range snap.Tunnels {
		up := 0.0
		if t.State == telemetry.TunnelUp {
			up = 1
		}
		key := t.Key()
		rows = append(rows,
			models.HistoricalSample{Metric: "loss_percent", TargetID: key, Value: t.LossPercent, RecordedAt: at},
			models.HistoricalSample{Metric: "latency_ms", TargetID: key, Value: t.LatencyMs, RecordedAt: at},
			models.HistoricalSample{Metric: "jitter_ms", TargetID: key, Value: t.JitterMs, RecordedAt: at},
			models.HistoricalSample{Metric: "up", TargetID: key, Value: up, RecordedAt: at},
		)
	}
	return rows
}

// Latest returns the last successful snapshot, if any.
func (c *Collector) Latest() (*telemetry.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot, c.lastSnapshot != nil
}

// Summary returns the last computed fabric summary, if any. During a skipped
// cycle this is the prior summary, never zeros.
func (c *Collector) Summary() (telemetry.FabricSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSummary, c.haveSummary
}
