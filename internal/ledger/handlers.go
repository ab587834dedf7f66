package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/apierr"
	"github.com/mbd888/wagerescrow/internal/auth"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/pagination"
	"github.com/mbd888/wagerescrow/internal/validation"
)

// Handler provides HTTP endpoints for wallet reads and admin deposits.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:user", h.GetWallet)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:user/deposit", h.Deposit)
}

// GetWallet handles GET /v1/wallets/:user
func (h *Handler) GetWallet(c *gin.Context) {
	user := c.Param("user")
	limit := pagination.Limit(c.Query("limit"), 20, 500)

	ctx := c.Request.Context()
	wallet, err := h.service.GetBalance(ctx, user)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	resp := gin.H{"wallet": wallet}
	// Entries are private; the balance is readable by leaderboards.
	if auth.UserID(c) == user {
		entries, err := h.service.History(ctx, user, limit)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		resp["entries"] = entries
	}
	c.JSON(http.StatusOK, resp)
}

// DepositRequest is the body of an admin deposit.
type DepositRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Deposit handles POST /v1/admin/wallets/:user/deposit
func (h *Handler) Deposit(c *gin.Context) {
	user := c.Param("user")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, 128),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	err := h.service.Deposit(ctx, user, req.Amount, req.Reference)
	if errors.Is(err, model.ErrDuplicateReference) {
		c.JSON(http.StatusOK, gin.H{"status": "already_applied", "reference": req.Reference})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	logging.L(ctx).Info("deposit recorded", "user", user, "amount", req.Amount,
		"reference", req.Reference, "admin", auth.AdminID(c))

	wallet, err := h.service.GetBalance(ctx, user)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": wallet})
}
