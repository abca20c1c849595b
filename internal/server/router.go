// Package server exposes the daemon's local control API: sync admission, cursors, live sync
// events and telemetry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "sesync_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSyncQueue      = errors.New("sync queue dependency required")
	errMissingCursorReader   = errors.New("cursor reader dependency required")
	errMissingConnectors     = errors.New("connector resolver dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates operator bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SyncQueue admits sync requests.
type SyncQueue interface {
	Add(request engine.Request, callback engine.Callback) error
}

// CursorReader reads the persisted commit cursor of a device.
type CursorReader interface {
	LastCommitID(ctx context.Context, deviceID string) (string, error)
}

// TelemetrySource exposes engine statistics.
type TelemetrySource interface {
	Snapshot() engine.TelemetrySnapshot
}

// ConnectorResolver returns the connector used to reach a device.
type ConnectorResolver func(descriptor device.Descriptor) (device.Connector, error)

// Dependencies wires the control API.
type Dependencies struct {
	Tokens            TokenValidator
	Queue             SyncQueue
	Cursors           CursorReader
	Connectors        ConnectorResolver
	Telemetry         TelemetrySource
	Realtime          *EventHub
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router for the control API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Queue == nil {
		return nil, errMissingSyncQueue
	}
	if deps.Cursors == nil {
		return nil, errMissingCursorReader
	}
	if deps.Connectors == nil {
		return nil, errMissingConnectors
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewEventHub()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		queue:      deps.Queue,
		cursors:    deps.Cursors,
		connectors: deps.Connectors,
		telemetry:  deps.Telemetry,
		realtime:   realtime,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/devices/:device_id/cursor", handler.handleCursor)
	protected.GET("/events", handler.handleEvents)
	protected.GET("/telemetry", handler.handleTelemetry)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	tokens     TokenValidator
	queue      SyncQueue
	cursors    CursorReader
	connectors ConnectorResolver
	telemetry  TelemetrySource
	realtime   *EventHub
	heartbeat  time.Duration
	logger     *zap.Logger
}

type syncRequestPayload struct {
	UserID string            `json:"user_id"`
	Device device.Descriptor `json:"device"`
}

type syncResponsePayload struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
}

type syncResultPayload struct {
	OperationID  string            `json:"operation_id"`
	DeviceID     string            `json:"device_id"`
	Status       engine.Status     `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Error        string            `json:"error,omitempty"`
	LastCommitID string            `json:"last_commit_id,omitempty"`
	Processed    []commits.Outcome `json:"processed"`
}

// handleSync admits a sync. An empty body is the empty request and replays the last one;
// wait=true holds the response until the operation finishes.
func (h *httpHandler) handleSync(c *gin.Context) {
	request, ok := h.bindSyncRequest(c)
	if !ok {
		return
	}

	wait := strings.EqualFold(c.Query("wait"), "true")
	results := make(chan engine.Result, 1)
	callback := func(result engine.Result) {
		h.logger.Info("sync request completed",
			zap.String("operation_id", result.OperationID),
			zap.String("device_id", result.Request.Device.DeviceID),
			zap.String("status", string(result.Status)),
			zap.String("reason", string(result.Reason)))
		results <- result
	}

	if err := h.queue.Add(request, callback); err != nil {
		status, code := admissionError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("sync admission failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}

	if !wait {
		c.JSON(http.StatusAccepted, syncResponsePayload{Status: "accepted", DeviceID: request.Device.DeviceID})
		return
	}
	select {
	case result := <-results:
		c.JSON(http.StatusOK, newSyncResultPayload(result))
	case <-c.Request.Context().Done():
		c.Status(http.StatusRequestTimeout)
	}
}

func (h *httpHandler) bindSyncRequest(c *gin.Context) (engine.Request, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return engine.Request{}, false
	}
	if strings.TrimSpace(string(body)) == "" {
		return engine.Request{}, true
	}

	var payload syncRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return engine.Request{}, false
	}
	descriptor, err := payload.Device.Validate()
	if err != nil || strings.TrimSpace(payload.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return engine.Request{}, false
	}
	connector, err := h.connectors(descriptor)
	if err != nil {
		h.logger.Warn("device connector unavailable", zap.String("device_id", descriptor.DeviceID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device_unavailable"})
		return engine.Request{}, false
	}
	return engine.Request{UserID: strings.TrimSpace(payload.UserID), Device: descriptor, Connector: connector}, true
}

func admissionError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNoPriorSyncContext):
		return http.StatusConflict, "no_prior_sync_context"
	case errors.Is(err, engine.ErrAlreadySyncing):
		return http.StatusConflict, "already_syncing"
	case errors.Is(err, engine.ErrQueueClosed):
		return http.StatusServiceUnavailable, "queue_closed"
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "sync_failed"
	}
}

func newSyncResultPayload(result engine.Result) syncResultPayload {
	payload := syncResultPayload{
		OperationID:  result.OperationID,
		DeviceID:     result.Request.Device.DeviceID,
		Status:       result.Status,
		Reason:       string(result.Reason),
		LastCommitID: result.LastCommitID,
		Processed:    result.Processed,
	}
	if payload.Processed == nil {
		payload.Processed = []commits.Outcome{}
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	return payload
}

func (h *httpHandler) handleCursor(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("device_id"))
	commitID, err := h.cursors.LastCommitID(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, commits.ErrInvalidDeviceID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device"})
			return
		}
		h.logger.Error("cursor lookup failed", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cursor_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "commit_id": commitID})
}

func (h *httpHandler) handleTelemetry(c *gin.Context) {
	if h.telemetry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "telemetry_disabled"})
		return
	}
	c.JSON(http.StatusOK, h.telemetry.Snapshot())
}

// handleEvents streams engine events as server-sent events, optionally for one device.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, strings.TrimSpace(c.Query("device_id")))
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload(time.Now()))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-events:
			c.SSEvent(string(event.Type), event)
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload(now))
			return true
		}
	})
}

func heartbeatPayload(now time.Time) gin.H {
	return gin.H{"source": realtimeSourceDaemon, "timestamp": now.UTC().Unix()}
}

// authorizeRequest accepts a bearer header or, for EventSource clients, an access_token
// query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
