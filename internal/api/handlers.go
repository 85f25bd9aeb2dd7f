package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/processor"
	"example.com/backstage/services/ingest/internal/utils"
	"github.com/gin-gonic/gin"
)

// Transport is the broker session as seen by the ops API.
type Transport interface {
	Status() infrastructure.SessionStatus
	ForceReconnect(ctx context.Context) error
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services  *core.ServiceRegistry
	processor *processor.Processor
	transport Transport
	db        Pinger
}

// NewAPIHandlers creates a new handler instance. transport and db may be nil.
func NewAPIHandlers(services *core.ServiceRegistry, proc *processor.Processor, transport Transport, db Pinger) *APIHandlers {
	return &APIHandlers{services: services, processor: proc, transport: transport, db: db}
}

// HealthCheck reports database reachability and transport state.
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "telemetry-ingest",
		"version":   utils.Build().Version,
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["database"] = err.Error()
		} else {
			body["database"] = "ok"
		}
	}
	if h.transport != nil {
		body["transport"] = h.transport.Status().State
	}

	c.JSON(status, body)
}

// --- Ingestion ---

// IngestionStatus summarizes the backlog, transport and processor.
func (h *APIHandlers) IngestionStatus(c *gin.Context) {
	unprocessed, err := h.services.RawLogs.CountUnprocessed(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	body := gin.H{
		"unprocessed": unprocessed,
		"spool_depth": h.services.Ingestor.SpoolDepth(),
	}
	if h.transport != nil {
		body["transport"] = h.transport.Status()
	} else {
		body["transport"] = gin.H{"state": "disabled"}
	}
	if h.processor != nil {
		last, runs := h.processor.Stats()
		body["processor"] = gin.H{
			"running":    h.processor.Running(),
			"total_runs": runs,
			"last_tick":  last,
		}
	}

	c.JSON(http.StatusOK, body)
}

// ReconnectTransport forces a fresh broker connect sequence.
func (h *APIHandlers) ReconnectTransport(c *gin.Context) {
	if h.transport == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mqtt transport is disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.transport.ForceReconnect(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, h.transport.Status())
}

// --- Processor ---

type runRequest struct {
	Limit       int  `json:"limit" binding:"omitempty,min=1,max=10000"`
	Concurrency int  `json:"concurrency" binding:"omitempty,min=1,max=64"`
	DryRun      bool `json:"dry_run"`
}

// RunProcessor runs one processor tick and returns its stats.
func (h *APIHandlers) RunProcessor(c *gin.Context) {
	if h.processor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "processor is disabled"})
		return
	}

	var req runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
			return
		}
	}

	stats, err := h.processor.Run(c.Request.Context(), processor.RunOptions{
		Limit:       req.Limit,
		Concurrency: req.Concurrency,
		DryRun:      req.DryRun,
	})
	if errors.Is(err, processor.ErrTickInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// --- Raw logs ---

// ListRawLogs returns raw log entries, newest first.
func (h *APIHandlers) ListRawLogs(c *gin.Context) {
	filter := core.RawLogFilter{
		TopicPrefix: c.Query("topic_prefix"),
		DeviceToken: c.Query("device_token"),
	}

	if v := c.Query("processed"); v != "" {
		processed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "processed must be true or false"})
			return
		}
		filter.Processed = &processed
	}
	if v := c.Query("label"); v != "" {
		label, err := core.ParseLabel(v)
		if err != nil {
			_ = c.Error(core.ErrInvalidLabel)
			return
		}
		filter.Label = label
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit

	entries, err := h.services.RawLogs.List(c.Request.Context(), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"raw_logs": entries,
		"count":    len(entries),
	})
}

// GetRawLog returns one raw log entry.
func (h *APIHandlers) GetRawLog(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	entry, err := h.services.RawLogs.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// --- Unpaired devices ---

// ListUnpairedDevices returns unpaired devices, most recently seen first.
func (h *APIHandlers) ListUnpairedDevices(c *gin.Context) {
	status := core.UnpairedStatus(c.Query("status"))
	switch status {
	case "", core.UnpairedPending, core.UnpairedPaired, core.UnpairedIgnored:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be pending, paired or ignored"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	devices, err := h.services.Pairing.List(c.Request.Context(), status, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"unpaired_devices": devices,
		"count":            len(devices),
	})
}

// GetUnpairedDevice returns one unpaired device.
func (h *APIHandlers) GetUnpairedDevice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	dev, err := h.services.Pairing.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

// PairDevice creates a node for a pending device.
func (h *APIHandlers) PairDevice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req core.PairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	node, err := h.services.Pairing.Pair(c.Request.Context(), id, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.services.Resolver.InvalidateToken(c.Request.Context(), node.Code)

	c.JSON(http.StatusCreated, node)
}

// IgnoreDevice hides a pending device.
func (h *APIHandlers) IgnoreDevice(c *gin.Context) {
	h.transition(c, h.services.Pairing.Ignore)
}

// ResetDevice returns an ignored device to pending.
func (h *APIHandlers) ResetDevice(c *gin.Context) {
	h.transition(c, h.services.Pairing.Reset)
}

func (h *APIHandlers) transition(c *gin.Context, fn func(context.Context, uint) error) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	dev, err := h.services.Pairing.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func queryLimit(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return 0, false
	}
	return limit, true
}
