package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/apierr"
)

// Handler provides admin HTTP endpoints for reconciliation.
type Handler struct {
	service *Service
	runner  *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, runner *Runner) *Handler {
	return &Handler{service: service, runner: runner}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
	r.GET("/reconciliation/last", h.Last)
	r.GET("/matches/:id/duplicates", h.Duplicates)
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Last handles GET /v1/admin/reconciliation/last
func (h *Handler) Last(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Duplicates handles GET /v1/admin/matches/:id/duplicates
func (h *Handler) Duplicates(c *gin.Context) {
	sets, err := h.service.FindDuplicates(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if sets == nil {
		sets = []DuplicateSet{}
	}
	c.JSON(http.StatusOK, gin.H{"duplicates": sets, "count": len(sets)})
}
