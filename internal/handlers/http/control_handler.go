package http

import (
	"context"
	"net/http"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/infrastructure/monitoring"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SourceController is the orchestrator surface exposed to the local
// presentation layer.
type SourceController interface {
	Identity() domain.Identity
	Role() domain.Role
	Signaling() (domain.SignalingState, string)

	Snapshot(source domain.Identity) (domain.SourceState, bool)
	Snapshots() []domain.SourceState
	SendStreamControl(source domain.Identity, action domain.StreamAction) error
	SendAudioDucking(target domain.Identity, ducking bool, gain float64) error
	RequestOffer(source domain.Identity) error

	Live() bool
	StartStream(ctx context.Context) error
	StopStream(reason domain.StopReason) error
}

type ControlHandler struct {
	controller SourceController
	health     *monitoring.HealthChecker
}

func NewControlHandler(controller SourceController, health *monitoring.HealthChecker) *ControlHandler {
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	return &ControlHandler{
		controller: controller,
		health:     health,
	}
}

func (h *ControlHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/sources", h.ListSources)
		api.GET("/sources/:id", h.GetSource)
		api.POST("/sources/:id/control", h.ControlSource)
		api.POST("/sources/:id/ducking", h.DuckSource)
		api.POST("/sources/:id/request-offer", h.RequestOffer)

		api.POST("/stream/start", h.StartStream)
		api.POST("/stream/stop", h.StopStream)
	}
}

type sourceView struct {
	domain.SourceState
	HasMedia bool `json:"has_media"`
	Tracks   int  `json:"tracks"`
}

func viewOf(st domain.SourceState) sourceView {
	return sourceView{SourceState: st, HasMedia: st.HasMedia(), Tracks: len(st.RemoteTracks)}
}

func (h *ControlHandler) GetStatus(c *gin.Context) {
	state, blockReason := h.controller.Signaling()
	c.JSON(http.StatusOK, gin.H{
		"identity":     h.controller.Identity(),
		"role":         h.controller.Role(),
		"signaling":    state.String(),
		"block_reason": blockReason,
		"live":         h.controller.Live(),
	})
}

func (h *ControlHandler) ListSources(c *gin.Context) {
	snaps := h.controller.Snapshots()
	views := make([]sourceView, 0, len(snaps))
	for _, st := range snaps {
		views = append(views, viewOf(st))
	}
	c.JSON(http.StatusOK, gin.H{
		"sources": views,
		"count":   len(views),
	})
}

func (h *ControlHandler) GetSource(c *gin.Context) {
	source, ok := h.sourceParam(c)
	if !ok {
		return
	}
	st, found := h.controller.Snapshot(source)
	if !found {
		_ = c.Error(apperrors.NewNotFoundError("source").WithContext("source", source))
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": viewOf(st)})
}

func (h *ControlHandler) ControlSource(c *gin.Context) {
	source, ok := h.sourceParam(c)
	if !ok {
		return
	}

	var req struct {
		Action string `json:"action" binding:"required,oneof=start stop"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.controller.SendStreamControl(source, domain.StreamAction(req.Action)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"source": source,
		"action": req.Action,
	})
}

func (h *ControlHandler) DuckSource(c *gin.Context) {
	source, ok := h.sourceParam(c)
	if !ok {
		return
	}

	var req struct {
		Ducking bool     `json:"ducking"`
		Gain    *float64 `json:"gain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateGain(*req.Gain); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.controller.SendAudioDucking(source, req.Ducking, *req.Gain); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"source":  source,
		"ducking": req.Ducking,
		"gain":    *req.Gain,
	})
}

func (h *ControlHandler) RequestOffer(c *gin.Context) {
	source, ok := h.sourceParam(c)
	if !ok {
		return
	}
	if err := h.controller.RequestOffer(source); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"source": source})
}

func (h *ControlHandler) StartStream(c *gin.Context) {
	if err := h.controller.StartStream(context.WithoutCancel(c.Request.Context())); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": h.controller.Live()})
}

func (h *ControlHandler) StopStream(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"omitempty,oneof=manual network_lost"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if err := h.controller.StopStream(domain.StopReason(req.Reason)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": h.controller.Live()})
}

func (h *ControlHandler) Health(c *gin.Context) {
	state, _ := h.controller.Signaling()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"identity":  h.controller.Identity(),
		"signaling": state.String(),
	})
}

func (h *ControlHandler) Ready(c *gin.Context) {
	status := h.health.GetReadinessStatus(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ControlHandler) sourceParam(c *gin.Context) (domain.Identity, bool) {
	id := c.Param("id")
	if err := validation.ValidateIdentity(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("source", id))
		return "", false
	}
	return domain.Identity(id), true
}
