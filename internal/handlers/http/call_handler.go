package http

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/internal/core/services"
	apperrors "xipher/pkg/errors"
	"xipher/pkg/validation"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	eventBuffer         = 64
	eventKeepalive      = 15 * time.Second
)

// EventSource hands out call event subscriptions.
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.CallEvent, func())
}

// CallHandler exposes the node's call engine over HTTP. Every route requires
// a token issued to the node's own user.
type CallHandler struct {
	calls        ports.CallControl
	directory    ports.DirectoryRepository
	callLog      ports.CallLogRepository
	events       EventSource
	self         domain.UserID
	maxGroupSize int
	logger       *zap.SugaredLogger
}

type CallHandlerConfig struct {
	Self         domain.UserID
	MaxGroupSize int
}

func NewCallHandler(
	cfg CallHandlerConfig,
	calls ports.CallControl,
	directory ports.DirectoryRepository,
	callLog ports.CallLogRepository,
	events EventSource,
	logger *zap.SugaredLogger,
) *CallHandler {
	return &CallHandler{
		calls:        calls,
		directory:    directory,
		callLog:      callLog,
		events:       events,
		self:         cfg.Self,
		maxGroupSize: cfg.MaxGroupSize,
		logger:       logger,
	}
}

// SetupRoutes registers the call API on an authenticated group.
func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	api.Use(h.requireSelf)

	calls := api.Group("/calls")
	{
		calls.POST("", h.StartCall)
		calls.POST("/group", h.StartGroupCall)
		calls.GET("/current", h.Current)
		calls.POST("/current/accept", h.Accept)
		calls.POST("/current/reject", h.Reject)
		calls.POST("/current/cancel", h.Cancel)
		calls.POST("/current/end", h.End)
		calls.PUT("/current/media", h.UpdateMedia)
		calls.GET("/current/participants", h.Participants)
		calls.GET("/history", h.History)
		calls.GET("/history/:id", h.HistoryEntry)
	}
	api.GET("/events", h.Events)
}

func (h *CallHandler) requireSelf(c *gin.Context) {
	user, err := services.UserFromContext(c.Request.Context())
	if err != nil || user != h.self {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   string(apperrors.ErrCodeUnauthorized),
			"message": "token does not belong to this node",
		})
		return
	}
	c.Next()
}

type startCallRequest struct {
	Peer     string `json:"peer" binding:"required"`
	CallType string `json:"call_type"`
}

type startGroupRequest struct {
	Members  []string `json:"members" binding:"required"`
	CallType string   `json:"call_type"`
}

type mediaRequest struct {
	Microphone  *bool `json:"microphone"`
	Camera      *bool `json:"camera"`
	ScreenShare *bool `json:"screen_share"`
	OutputMuted *bool `json:"output_muted"`
}

func callKind(raw string) (domain.CallKind, error) {
	if raw == "" {
		return domain.CallAudio, nil
	}
	raw = strings.ToLower(raw)
	if err := validation.ValidateCallKind(raw); err != nil {
		return "", err
	}
	return domain.CallKind(raw), nil
}

func invalidBody(err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidBody(err))
		return
	}
	req.Peer = strings.TrimSpace(req.Peer)
	if err := validation.ValidateUserID(req.Peer); err != nil {
		_ = c.Error(err)
		return
	}
	if domain.UserID(req.Peer) == h.self {
		_ = c.Error(apperrors.New(apperrors.ErrCodeInvalidInput, "cannot call yourself"))
		return
	}
	kind, err := callKind(req.CallType)
	if err != nil {
		_ = c.Error(err)
		return
	}

	session, err := h.calls.StartCall(c.Request.Context(), domain.UserID(req.Peer), kind)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *CallHandler) StartGroupCall(c *gin.Context) {
	var req startGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidBody(err))
		return
	}
	if err := validation.ValidateGroupMembers(string(h.self), req.Members, h.maxGroupSize); err != nil {
		_ = c.Error(err)
		return
	}
	kind, err := callKind(req.CallType)
	if err != nil {
		_ = c.Error(err)
		return
	}

	members := make([]domain.UserID, len(req.Members))
	for i, m := range req.Members {
		members[i] = domain.UserID(m)
	}
	session, err := h.calls.StartGroupCall(c.Request.Context(), members, kind)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *CallHandler) Current(c *gin.Context) {
	session, ok := h.calls.Snapshot()
	if !ok {
		_ = c.Error(domain.ErrNoCall)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *CallHandler) Accept(c *gin.Context) { h.command(c, h.calls.Accept) }
func (h *CallHandler) Reject(c *gin.Context) { h.command(c, h.calls.Reject) }
func (h *CallHandler) Cancel(c *gin.Context) { h.command(c, h.calls.Cancel) }
func (h *CallHandler) End(c *gin.Context)    { h.command(c, h.calls.End) }

func (h *CallHandler) command(c *gin.Context, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateMedia applies only the toggles present in the body, in a fixed
// order, and stops at the first failure.
func (h *CallHandler) UpdateMedia(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidBody(err))
		return
	}
	if req.Microphone == nil && req.Camera == nil && req.ScreenShare == nil && req.OutputMuted == nil {
		_ = c.Error(apperrors.New(apperrors.ErrCodeInvalidInput, "no media change requested"))
		return
	}

	ctx := c.Request.Context()
	steps := []struct {
		value *bool
		apply func(ctx context.Context, v bool) error
	}{
		{req.Microphone, h.calls.ToggleMicrophone},
		{req.Camera, h.calls.ToggleCamera},
		{req.ScreenShare, h.calls.ToggleScreenShare},
		{req.OutputMuted, h.calls.SetOutputMuted},
	}
	for _, step := range steps {
		if step.value == nil {
			continue
		}
		if err := step.apply(ctx, *step.value); err != nil {
			_ = c.Error(err)
			return
		}
	}

	if session, ok := h.calls.Snapshot(); ok {
		c.JSON(http.StatusOK, session)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) Participants(c *gin.Context) {
	session, ok := h.calls.Snapshot()
	if !ok {
		_ = c.Error(domain.ErrNoCall)
		return
	}
	if h.directory == nil {
		c.JSON(http.StatusOK, gin.H{"call_id": session.ID, "participants": []*domain.Participant{}})
		return
	}
	participants, err := h.directory.Participants(c.Request.Context(), session.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if participants == nil {
		participants = []*domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"call_id": session.ID, "participants": participants})
}

func (h *CallHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = c.Error(apperrors.Newf(apperrors.ErrCodeInvalidInput, "limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := h.callLog.Recent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if records == nil {
		records = []*domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

func (h *CallHandler) HistoryEntry(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		_ = c.Error(err)
		return
	}
	rec, err := h.callLog.Get(c.Request.Context(), domain.CallID(id))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Events streams call events as server-sent events until the client goes
// away or the feed closes.
func (h *CallHandler) Events(c *gin.Context) {
	events, cancel := h.events.Subscribe(eventBuffer)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepalive := time.NewTicker(eventKeepalive)
	defer keepalive.Stop()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case <-keepalive.C:
			c.SSEvent("keepalive", gin.H{"at": time.Now().UTC()})
			return true
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
	h.logger.Debugw("Event stream closed", "remote", c.ClientIP())
}
