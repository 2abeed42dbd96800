package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/metrics"
	"github.com/trustwire/trustwire/internal/notify"
	"github.com/trustwire/trustwire/internal/pagination"
	"github.com/trustwire/trustwire/internal/security"
	"github.com/trustwire/trustwire/internal/signals"
)

func (s *Server) setupRoutes() {
	// Ops surface
	s.router.GET("/", s.dashboardHandler)
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		// Ingestion
		v1.POST("/events", s.ingestEvent)

		// Dead-letter queue
		v1.GET("/dlq", s.listDeadLetters)
		v1.POST("/dlq/retry", s.retryDeadLetters)

		// Alerts
		v1.GET("/alerts", s.listOpenAlerts)
		v1.POST("/alerts/:id/resolve", s.resolveAlert)
		v1.POST("/alerts/:id/escalate", s.escalateAlert)

		// Per-user trust surface
		v1.GET("/users/:id/signals", s.userSignals)
		v1.GET("/users/:id/score", s.userScore)
		v1.GET("/users/:id/neighbors", s.userNeighbors)

		// Webhook subscriptions
		v1.GET("/subscriptions", s.listSubscriptions)
		v1.POST("/subscriptions", s.createSubscription)
		v1.GET("/subscriptions/:id", s.getSubscription)
		v1.PUT("/subscriptions/:id", s.updateSubscription)
		v1.DELETE("/subscriptions/:id", s.deleteSubscription)

		// Stats
		v1.GET("/stats", s.statsHandler)
	}
}

// -----------------------------------------------------------------------------
// Ingestion
// -----------------------------------------------------------------------------

// ingestRequest is the external event submission shape. ID is optional;
// submitting the same id twice is a safe no-op.
type ingestRequest struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type" binding:"required"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload"`
}

func (s *Server) ingestEvent(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	t := events.EventType(req.Type)
	if !events.Known(t) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event_type", "message": req.Type})
		return
	}

	ev := events.NewEnvelope(t, req.Payload)
	if req.ID != "" {
		ev.ID = req.ID
	}
	if req.CorrelationID != "" {
		ev.CorrelationID = req.CorrelationID
	}
	if !req.Timestamp.IsZero() {
		ev.Timestamp = req.Timestamp.UTC()
	}

	if err := s.bus.Emit(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "emit_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":       ev.ID,
		"correlation_id": ev.CorrelationID,
	})
}

// -----------------------------------------------------------------------------
// Dead-letter queue
// -----------------------------------------------------------------------------

func (s *Server) listDeadLetters(c *gin.Context) {
	entries, err := s.bus.DeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	if entries == nil {
		entries = []events.DeadLetterEntry{}
	}
	total := len(entries)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	if cursor != nil {
		for i, e := range entries {
			if e.Timestamp.Equal(cursor.CreatedAt) && e.Event != nil && e.Event.ID == cursor.ID {
				entries = entries[i+1:]
				break
			}
		}
	}

	limit := queryInt(c, "limit", 100)
	if len(entries) > limit {
		entries = entries[:limit+1]
	}
	page, next, hasMore := pagination.ComputePage(entries, limit, func(e events.DeadLetterEntry) (time.Time, string) {
		id := ""
		if e.Event != nil {
			id = e.Event.ID
		}
		return e.Timestamp, id
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":     page,
		"count":       total,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

func (s *Server) retryDeadLetters(c *gin.Context) {
	res, err := s.bus.RetryDeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

func (s *Server) listOpenAlerts(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	open, err := s.alertStore.Open(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	if open == nil {
		open = []*alerts.Alert{}
	}
	metrics.OpenAlerts.Set(float64(len(open)))
	c.JSON(http.StatusOK, gin.H{"alerts": open, "count": len(open)})
}

func (s *Server) resolveAlert(c *gin.Context) {
	id := c.Param("id")
	if err := s.alertStore.Resolve(c.Request.Context(), id, time.Now().UTC()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resolve_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": alerts.StatusResolved})
}

func (s *Server) escalateAlert(c *gin.Context) {
	var req struct {
		Severity string `json:"severity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sev := alerts.Severity(req.Severity)
	if sev.Rank() == 0 && sev != alerts.SeverityLow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_severity", "message": req.Severity})
		return
	}

	id := c.Param("id")
	if err := s.alertStore.Escalate(c.Request.Context(), id, sev); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "escalate_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "severity": sev})
}

// -----------------------------------------------------------------------------
// Per-user trust surface
// -----------------------------------------------------------------------------

func (s *Server) userSignals(c *gin.Context) {
	userID := c.Param("id")
	limit := queryInt(c, "limit", 50)
	since := time.Now().UTC().Add(-queryDuration(c, "window", 7*24*time.Hour))

	sigs, err := s.signalStore.RecentSignals(c.Request.Context(), userID, nil, since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	if sigs == nil {
		sigs = []*signals.Signal{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "signals": sigs, "count": len(sigs)})
}

func (s *Server) userScore(c *gin.Context) {
	userID := c.Param("id")
	score, err := s.signalStore.LatestScore(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	if score == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_score", "user_id": userID})
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) userNeighbors(c *gin.Context) {
	userID := c.Param("id")
	minStrength := queryFloat(c, "min_strength", 0)

	neighbors, err := s.graphStore.Neighbors(c.Request.Context(), userID, minStrength)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "neighbors": neighbors, "count": len(neighbors)})
}

// -----------------------------------------------------------------------------
// Webhook subscriptions
// -----------------------------------------------------------------------------

type subscriptionRequest struct {
	URL         string   `json:"url" binding:"required"`
	Secret      string   `json:"secret"`
	AlertTypes  []string `json:"alert_types"`
	MinSeverity string   `json:"min_severity"`
	Active      *bool    `json:"active"`
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.subStore.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	if subs == nil {
		subs = []*notify.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func (s *Server) createSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	sub := &notify.Subscription{
		URL:         req.URL,
		Secret:      req.Secret,
		AlertTypes:  req.AlertTypes,
		MinSeverity: alerts.Severity(req.MinSeverity),
		Active:      true,
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}

	if err := s.subStore.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.subStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) updateSubscription(c *gin.Context) {
	sub, err := s.subStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	sub.URL = req.URL
	if req.Secret != "" {
		sub.Secret = req.Secret
	}
	sub.AlertTypes = req.AlertTypes
	sub.MinSeverity = alerts.Severity(req.MinSeverity)
	if req.Active != nil {
		sub.Active = *req.Active
	}

	if err := s.subStore.Update(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) deleteSubscription(c *gin.Context) {
	id := c.Param("id")
	if err := s.subStore.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
		return
	}
	s.dispatcher.Forget(id)
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	dlqDepth := 0
	if entries, err := s.bus.DeadLetters(ctx); err == nil {
		dlqDepth = len(entries)
	}

	openCount := 0
	if open, err := s.alertStore.Open(ctx, 1000); err == nil {
		openCount = len(open)
	}

	consumers := map[string]int{}
	type counter interface {
		RegisteredConsumers() map[events.EventType][]string
	}
	if b, ok := s.bus.(counter); ok {
		for t, names := range b.RegisteredConsumers() {
			consumers[string(t)] = len(names)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": dlqDepth,
		"open_alerts":  openCount,
		"consumers":    consumers,
		"realtime":     s.hub.Stats(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Query helpers
// -----------------------------------------------------------------------------

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryFloat(c *gin.Context, key string, def float64) float64 {
	if v := c.Query(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func queryDuration(c *gin.Context, key string, def time.Duration) time.Duration {
	if v := c.Query(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
