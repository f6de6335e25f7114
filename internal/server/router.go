package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/applet"
	"github.com/courierchat/courier/internal/auth"
)

const deviceContextKey = "courier_device"

const defaultPollTimeout = 25 * time.Second

var (
	errMissingTokenIssuer   = errors.New("device token issuer dependency required")
	errMissingEngine        = errors.New("applet engine dependency required")
	errMissingFlusher       = errors.New("flusher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenIssuer *auth.DeviceTokenIssuer
	Engine      *applet.Service
	// FlushOnce drains one outgoing queue entry; wired to the flusher.
	FlushOnce func(ctx context.Context) (bool, error)
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router for the engine's local API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.FlushOnce == nil {
		return nil, errMissingFlusher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenIssuer,
		engine:    deps.Engine,
		flushOnce: deps.FlushOnce,
		logger:    logger,
	}

	router.POST("/device/link", handler.handleDeviceLink)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/applets", handler.handleRegisterApplet)
	protected.DELETE("/applets/:id", handler.handleDeleteApplet)
	protected.POST("/applets/:id/updates", handler.handleSubmitUpdate)
	protected.GET("/applets/:id/updates", handler.handleQueryUpdates)
	protected.POST("/applets/:id/received", handler.handleReceiveBatch)
	protected.POST("/applets/:id/sent", handler.handleMarkSent)
	protected.POST("/flush", handler.handleFlush)
	protected.GET("/realtime/poll", handler.handleRealtimePoll)

	return router, nil
}

type httpHandler struct {
	tokens    *auth.DeviceTokenIssuer
	engine    *applet.Service
	flushOnce func(ctx context.Context) (bool, error)
	logger    *zap.Logger
}

type deviceLinkPayload struct {
	LinkCode   string `json:"link_code"`
	DeviceName string `json:"device_name"`
}

type deviceLinkResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceLink(c *gin.Context) {
	var request deviceLinkPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.LinkDevice(c.Request.Context(), request.LinkCode, strings.TrimSpace(request.DeviceName))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidLinkCode) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, deviceLinkResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type registerAppletPayload struct {
	AppletID string `json:"applet_id"`
	ChatID   string `json:"chat_id"`
	ThreadID string `json:"thread_id"`
	IsDraft  bool   `json:"is_draft"`
}

func (h *httpHandler) handleRegisterApplet(c *gin.Context) {
	var request registerAppletPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.AppletID) == "" ||
		strings.TrimSpace(request.ChatID) == "" ||
		strings.TrimSpace(request.ThreadID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.engine.RegisterApplet(c.Request.Context(), applet.Applet{
		AppletID: strings.TrimSpace(request.AppletID),
		ChatID:   strings.TrimSpace(request.ChatID),
		ThreadID: strings.TrimSpace(request.ThreadID),
		IsDraft:  request.IsDraft,
	})
	if err != nil {
		h.logger.Error("failed to register applet", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"applet_id": request.AppletID})
}

func (h *httpHandler) handleDeleteApplet(c *gin.Context) {
	appletID, ok := h.appletIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.DeleteApplet(c.Request.Context(), appletID); err != nil {
		h.logger.Error("failed to delete applet", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type submitUpdatePayload struct {
	Item json.RawMessage `json:"item"`
}

type submitUpdateResponse struct {
	Serial int64 `json:"serial"`
}

func (h *httpHandler) handleSubmitUpdate(c *gin.Context) {
	appletID, ok := h.appletIDParam(c)
	if !ok {
		return
	}
	var request submitUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Item) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	serial, err := h.engine.SubmitLocalUpdate(c.Request.Context(), appletID, request.Item)
	if err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, submitUpdateResponse{Serial: serial.Int64()})
}

type queryUpdatesResponse struct {
	Updates []queryUpdateEntry `json:"updates"`
}

type queryUpdateEntry struct {
	Serial    int64           `json:"serial"`
	MaxSerial int64           `json:"max_serial"`
	Item      json.RawMessage `json:"item"`
}

func (h *httpHandler) handleQueryUpdates(c *gin.Context) {
	appletID, ok := h.appletIDParam(c)
	if !ok {
		return
	}
	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		since = parsed
	}

	views, err := h.engine.QueryUpdatesSince(c.Request.Context(), appletID, applet.Serial(since))
	if err != nil {
		h.respondEngineError(c, err)
		return
	}

	response := queryUpdatesResponse{Updates: make([]queryUpdateEntry, 0, len(views))}
	for _, view := range views {
		response.Updates = append(response.Updates, queryUpdateEntry{
			Serial:    view.Serial.Int64(),
			MaxSerial: view.MaxSerial.Int64(),
			Item:      json.RawMessage(view.ItemJSON),
		})
	}
	c.JSON(http.StatusOK, response)
}

type receiveBatchPayload struct {
	Author     string            `json:"author"`
	TimestampS int64             `json:"timestamp_s"`
	Items      []json.RawMessage `json:"items"`
}

func (h *httpHandler) handleReceiveBatch(c *gin.Context) {
	appletID, ok := h.appletIDParam(c)
	if !ok {
		return
	}
	var request receiveBatchPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rawItems := make([][]byte, 0, len(request.Items))
	for _, item := range request.Items {
		rawItems = append(rawItems, []byte(item))
	}
	accepted, err := h.engine.ReceiveRemoteBatch(c.Request.Context(), appletID, request.Author, request.TimestampS, rawItems)
	if err != nil {
		if accepted == 0 {
			h.respondEngineError(c, err)
			return
		}
		// Partial application: the well-formed items are durable, but the
		// caller still learns that part of the batch was rejected.
		code := "invalid_item"
		var serviceErr *applet.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		c.JSON(http.StatusOK, gin.H{"accepted": accepted, "error": code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

func (h *httpHandler) handleMarkSent(c *gin.Context) {
	appletID, ok := h.appletIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.MarkAppletSent(c.Request.Context(), appletID); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	h.logger.Debug("manual flush requested", zap.String("device", c.GetString(deviceContextKey)))
	progressed, err := h.flushOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("manual flush failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"progressed": progressed})
}

type realtimeEventPayload struct {
	Kind      string `json:"kind"`
	AppletID  string `json:"applet_id"`
	Serial    int64  `json:"serial,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp int64  `json:"timestamp_s"`
}

func (h *httpHandler) handleRealtimePoll(c *gin.Context) {
	timeout := defaultPollTimeout
	if raw := c.Query("timeout_s"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timeout"})
			return
		}
		timeout = time.Duration(parsed) * time.Second
	}

	stream, cancel := h.engine.Events().Subscribe(c.Request.Context())
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event, open := <-stream:
		if !open {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, realtimeEventPayload{
			Kind:      event.Kind,
			AppletID:  event.AppletID,
			Serial:    event.Serial.Int64(),
			Text:      event.Text,
			MessageID: event.MessageID,
			Timestamp: event.Timestamp.Unix(),
		})
	case <-timer.C:
		c.Status(http.StatusNoContent)
	case <-c.Request.Context().Done():
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) appletIDParam(c *gin.Context) (applet.AppletID, bool) {
	appletID, err := applet.NewAppletID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_applet_id"})
		return "", false
	}
	return appletID, true
}

func (h *httpHandler) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, applet.ErrUnknownApplet):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_applet"})
	case errors.Is(err, applet.ErrMalformedItem), errors.Is(err, applet.ErrItemTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item"})
	case errors.Is(err, applet.ErrNotApplet), errors.Is(err, applet.ErrSendForbidden):
		c.JSON(http.StatusConflict, gin.H{"error": "update_forbidden"})
	default:
		h.logger.Error("engine request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	device, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceContextKey, device)
	c.Next()
}
