package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/apierr"
)

// Handler provides admin HTTP endpoints for inspecting holds.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new escrow handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/matches/:id/holds", h.ListHolds)
}

// ListHolds handles GET /v1/admin/matches/:id/holds
func (h *Handler) ListHolds(c *gin.Context) {
	ctx := c.Request.Context()
	matchID := c.Param("id")

	holds, err := h.manager.ListByMatch(ctx, matchID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	totals, err := h.manager.Totals(ctx, matchID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"holds":    holds,
		"count":    len(holds),
		"totals":   totals,
		"balanced": totals.Balanced(),
	})
}
