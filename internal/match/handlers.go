package match

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/apierr"
	"github.com/mbd888/wagerescrow/internal/auth"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/pagination"
	"github.com/mbd888/wagerescrow/internal/validation"
)

const defaultListLimit = 50

// Handler provides HTTP endpoints for the match lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new match handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) match routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/matches", h.ListOpen)
	r.GET("/matches/:id", h.GetMatch)
}

// RegisterProtectedRoutes sets up routes that act as the calling player.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me/matches", h.ListMine)
	r.POST("/matches", h.CreateMatch)
	r.POST("/matches/:id/join", h.JoinMatch)
	r.POST("/matches/:id/results", h.SubmitResult)
}

// RegisterAdminRoutes sets up admin console routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/matches/:id/settle", h.Resolve)
	r.POST("/matches/:id/cancel", h.Cancel)
	r.POST("/lifecycle/sweep", h.Sweep)
}

func listLimit(c *gin.Context) int {
	return pagination.Limit(c.Query("limit"), defaultListLimit, 200)
}

// ListOpen handles GET /v1/matches
func (h *Handler) ListOpen(c *gin.Context) {
	matches, err := h.service.ListOpen(c.Request.Context(), listLimit(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if matches == nil {
		matches = []*model.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

// ListMine handles GET /v1/me/matches
func (h *Handler) ListMine(c *gin.Context) {
	matches, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), listLimit(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if matches == nil {
		matches = []*model.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

// GetMatch handles GET /v1/matches/:id
func (h *Handler) GetMatch(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// CreateMatch handles POST /v1/matches
func (h *Handler) CreateMatch(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	checks := []func() *validation.ValidationError{
		validation.PositiveAmount("stakeAmount", req.StakeAmount),
	}
	if limit := h.service.cfg.MaxStake; limit > 0 {
		checks = append(checks, validation.AmountAtMost("stakeAmount", req.StakeAmount, limit))
	}
	if req.FeePercent != nil {
		checks = append(checks, validation.IntBetween("feePercent", *req.FeePercent, 0, 100))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.CreatorID = auth.UserID(c)

	m, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"match": m})
}

// JoinRequest picks the side to join.
type JoinRequest struct {
	Side int `json:"side"`
}

// JoinMatch handles POST /v1/matches/:id/join
func (h *Handler) JoinMatch(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.IntBetween("side", req.Side, 0, maxSides-1),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	m, err := h.service.Join(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Side)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// SubmitResult handles POST /v1/matches/:id/results
func (h *Handler) SubmitResult(c *gin.Context) {
	var ev model.Evidence
	if err := c.ShouldBindJSON(&ev); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidID("claimedWinnerId", ev.ClaimedWinnerID),
		validation.MaxLength("screenshotUrl", ev.ScreenshotURL, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	m, err := h.service.SubmitResult(c.Request.Context(), c.Param("id"), auth.UserID(c), ev)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// ResolveRequest is an admin ruling.
type ResolveRequest struct {
	WinnerID string `json:"winnerId"`
}

// Resolve handles POST /v1/admin/matches/:id/settle
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if !validation.IsValidID(req.WinnerID) {
		apierr.BadRequest(c, "validation_error", "winnerId is required")
		return
	}
	m, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.WinnerID, auth.AdminID(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// CancelRequest carries the operator's reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/admin/matches/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeString(req.Reason, maxReasonLength)
	if reason == "" {
		reason = "admin cancel"
	}

	m, err := h.service.Cancel(c.Request.Context(), c.Param("id"), reason, auth.AdminID(c))
	if errors.Is(err, model.ErrAlreadyResolved) {
		c.JSON(http.StatusOK, gin.H{"match": m, "status": "already_cancelled"})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// Sweep handles POST /v1/admin/lifecycle/sweep
func (h *Handler) Sweep(c *gin.Context) {
	counts, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": counts})
}
