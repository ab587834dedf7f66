package settlement

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/apierr"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/pagination"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler provides read-only HTTP endpoints over payout records.
type Handler struct {
	guard *Guard
}

// NewHandler creates a new settlement handler.
func NewHandler(guard *Guard) *Handler {
	return &Handler{guard: guard}
}

// RegisterRoutes sets up the reporting routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/matches/:id/payouts", h.MatchPayouts)
	r.GET("/payouts", h.ListPayouts)
}

// MatchPayouts handles GET /v1/matches/:id/payouts
func (h *Handler) MatchPayouts(c *gin.Context) {
	payouts, err := h.guard.PayoutsForMatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if payouts == nil {
		payouts = []*model.PayoutRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// ListPayouts handles GET /v1/payouts?cursor=...&limit=...
func (h *Handler) ListPayouts(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), defaultPageSize, maxPageSize)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apierr.BadRequest(c, "invalid_cursor", err.Error())
		return
	}

	rows, err := h.guard.ListPayouts(c.Request.Context(), cursor, limit+1)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	page, next, more := pagination.ComputePage(rows, limit, func(p *model.PayoutRecord) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	if page == nil {
		page = []*model.PayoutRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"payouts":    page,
		"nextCursor": next,
		"hasMore":    more,
	})
}
