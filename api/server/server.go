// Package server exposes the read-only query surface over the pipeline:
// fabric state, alert events, SLA reports and the live update stream.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"fabricmon/api/middleware"
	"fabricmon/internal/analyzer"
	"fabricmon/internal/cache"
	"fabricmon/internal/collector"
	"fabricmon/internal/config"
	"fabricmon/internal/history"
	"fabricmon/internal/logger"
	"fabricmon/internal/push"
	"fabricmon/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AlarmAcker forwards alarm acknowledgments to the controller.
type AlarmAcker interface {
	AcknowledgeAlarm(ctx context.Context, alarmID string) error
}

type Server struct {
	router     *gin.Engine
	collector  *collector.Collector
	analyzer   *analyzer.Analyzer
	store      *history.Store
	hub        *push.Hub
	acker      AlarmAcker
	cache      *cache.RedisCache
	config     *config.Config
	thresholds telemetry.Thresholds
}

func NewServer(col *collector.Collector, an *analyzer.Analyzer, store *history.Store, hub *push.Hub, acker AlarmAcker, redisCache *cache.RedisCache, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	// Bound request processing; the SSE stream installs its own deadline.
	router.Use(func(c *gin.Context) {
		if c.FullPath() == "/api/v1/stream" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	server := &Server{
		router:    router,
		collector: col,
		analyzer:  an,
		store:     store,
		hub:       hub,
		acker:     acker,
		cache:     redisCache,
		config:    cfg,
		thresholds: telemetry.Thresholds{
			CPUWarning:     cfg.Thresholds.CPUWarning,
			CPUCritical:    cfg.Thresholds.CPUCritical,
			MemoryWarning:  cfg.Thresholds.MemoryWarning,
			MemoryCritical: cfg.Thresholds.MemoryCritical,
		},
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.RateLimit())

	{
		// Fabric state
		api.GET("/fabric/summary", s.getSummary)
		api.GET("/devices", s.listDevices)
		api.GET("/devices/:id", s.getDevice)
		api.GET("/tunnels", s.listTunnels)

		// Alert events
		api.GET("/events", s.listEvents)
		api.POST("/events/:id/acknowledge", s.acknowledgeEvent)

		// Controller alarms (read-only surface, ack forwarded upstream)
		api.GET("/alarms", s.listAlarms)
		api.POST("/alarms/:id/acknowledge", s.acknowledgeAlarm)

		// Reporting
		api.GET("/sla", s.getSLA)
		api.GET("/series", s.getSeries)
		api.GET("/cycles", s.listCycles)

		// Operations
		api.POST("/poll", s.triggerPoll)
		api.GET("/config", s.getConfig)
		api.GET("/stream", s.streamUpdates)
	}

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// deviceView adds the derived health classification to a device.
type deviceView struct {
	telemetry.Device
	Health string `json:"health"`
}

func (s *Server) deviceViews(devices []telemetry.Device) []deviceView {
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{Device: d, Health: d.Health(s.thresholds)})
	}
	return views
}

func (s *Server) getSummary(c *gin.Context) {
	if s.cache != nil {
		var cached telemetry.FabricSummary
		if err := s.cache.Get(c.Request.Context(), cache.SummaryKey, &cached); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	summary, ok := s.collector.Summary()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No successful poll cycle yet"})
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(c.Request.Context(), cache.SummaryKey, summary); err != nil {
			logger.Debug("failed to cache summary", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) listDevices(c *gin.Context) {
	snap, ok := s.collector.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No successful poll cycle yet"})
		return
	}

	limit, offset := pagination(c)
	views := s.deviceViews(snap.Devices)
	page := paginate(views, limit, offset)

	c.JSON(http.StatusOK, gin.H{
		"seq":         snap.Seq,
		"captured_at": snap.CapturedAt,
		"total":       len(views),
		"devices":     page,
	})
}

func (s *Server) getDevice(c *gin.Context) {
	snap, ok := s.collector.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No successful poll cycle yet"})
		return
	}

	device, found := snap.Device(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	c.JSON(http.StatusOK, deviceView{Device: device, Health: device.Health(s.thresholds)})
}

func (s *Server) listTunnels(c *gin.Context) {
	snap, ok := s.collector.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No successful poll cycle yet"})
		return
	}

	limit, offset := pagination(c)
	state := c.Query("state")

	tunnels := snap.Tunnels
	if state != "" {
		filtered := make([]telemetry.Tunnel, 0, len(tunnels))
		for _, t := range tunnels {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tunnels = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"seq":         snap.Seq,
		"captured_at": snap.CapturedAt,
		"total":       len(tunnels),
		"tunnels":     paginate(tunnels, limit, offset),
	})
}

func (s *Server) listEvents(c *gin.Context) {
	limit, offset := pagination(c)
	filter := history.EventFilter{
		Severity: c.Query("severity"),
		State:    c.Query("state"),
		Limit:    limit,
		Offset:   offset,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	events, total, err := s.store.ListEvents(c.Request.Context(), filter)
	if err != nil {
		logger.Error("failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total, "events": events})
}

func (s *Server) acknowledgeEvent(c *gin.Context) {
	eventID := c.Param("id")
	event, err := s.analyzer.Acknowledge(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (s *Server) listAlarms(c *gin.Context) {
	snap, ok := s.collector.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No successful poll cycle yet"})
		return
	}

	limit, offset := pagination(c)
	severity := c.Query("severity")

	alarms := snap.Alarms
	if severity != "" {
		filtered := make([]telemetry.Alarm, 0, len(alarms))
		for _, a := range alarms {
			if a.Severity == severity {
				filtered = append(filtered, a)
			}
		}
		alarms = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"seq":         snap.Seq,
		"captured_at": snap.CapturedAt,
		"total":       len(alarms),
		"alarms":      paginate(alarms, limit, offset),
	})
}

func (s *Server) acknowledgeAlarm(c *gin.Context) {
	alarmID := c.Param("id")
	if err := s.acker.AcknowledgeAlarm(c.Request.Context(), alarmID); err != nil {
		logger.Error("failed to acknowledge alarm upstream",
			zap.String("alarm_id", alarmID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to acknowledge alarm on controller"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alarm acknowledged"})
}

func (s *Server) getSLA(c *gin.Context) {
	metric := c.DefaultQuery("metric", "up")
	targetID := c.Query("target")
	if targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}

	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
		return
	}

	window := time.Duration(hours) * time.Hour
	key := cache.SLAKey(metric, targetID, window)
	if s.cache != nil {
		var cached history.SLAResult
		if err := s.cache.Get(c.Request.Context(), key, &cached); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	to := time.Now()
	result, err := s.store.SLA(c.Request.Context(), metric, targetID, to.Add(-window), to)
	if err != nil {
		logger.Error("failed to compute SLA", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute SLA"})
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(c.Request.Context(), key, result); err != nil {
			logger.Debug("failed to cache SLA result", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) getSeries(c *gin.Context) {
	metric := c.Query("metric")
	targetID := c.Query("target")
	if metric == "" || targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metric and target are required"})
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	samples, err := s.store.Series(c.Request.Context(), metric, targetID, from, to)
	if err != nil {
		logger.Error("failed to read series", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read series"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metric":  metric,
		"target":  targetID,
		"from":    from,
		"to":      to,
		"samples": samples,
	})
}

func (s *Server) listCycles(c *gin.Context) {
	limit, _ := pagination(c)
	cycles, err := s.store.ListCycles(c.Request.Context(), limit)
	if err != nil {
		logger.Error("failed to list cycles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list cycles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

// triggerPoll runs an immediate cycle. If one is already in flight the
// request is a no-op; the caller still gets 202.
func (s *Server) triggerPoll(c *gin.Context) {
	go s.collector.RunCycle(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"message": "Poll cycle triggered"})
}

// getConfig returns the runtime configuration with credentials removed.
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"controller": gin.H{
			"host":       s.config.Controller.Host,
			"port":       s.config.Controller.Port,
			"verify_ssl": s.config.Controller.VerifySSL,
		},
		"monitor":    s.config.Monitor,
		"thresholds": s.config.Thresholds,
		"rules":      s.config.Rules,
		"channels":   channelNames(s.config.Channels),
	})
}

func channelNames(channels []config.ChannelConfig) []gin.H {
	out := make([]gin.H, 0, len(channels))
	for _, ch := range channels {
		out = append(out, gin.H{"name": ch.Name, "type": ch.Type, "enabled": ch.Enabled})
	}
	return out
}

// streamUpdates serves the live update feed as server-sent events. Delivery
// is at-most-once; clients reconcile through the query endpoints after a gap.
func (s *Server) streamUpdates(c *gin.Context) {
	updates, cancel := s.hub.Subscribe(32)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(string(u.Kind), u)
			return true
		case <-keepalive.C:
			c.SSEvent("keepalive", time.Now().UTC())
			return true
		}
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy", "subscribers": s.hub.Subscribers()}
	if _, ok := s.collector.Latest(); !ok {
		status["status"] = "starting"
	}
	c.JSON(http.StatusOK, status)
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the router for tests and for custom http.Server wiring.
func (s *Server) Handler() http.Handler {
	return s.router
}
