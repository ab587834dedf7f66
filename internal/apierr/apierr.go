// Package apierr maps domain errors to HTTP responses. Bodies use the
// {"error": code, "message": text} shape every handler returns.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/model"
)

type mapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var mappings = []mapping{
	{model.ErrMatchNotFound, http.StatusNotFound, "not_found"},
	{model.ErrHoldNotFound, http.StatusNotFound, "not_found"},
	{model.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{model.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{model.ErrInvalidEvidence, http.StatusBadRequest, "invalid_evidence"},
	{model.ErrInvalidSide, http.StatusBadRequest, "invalid_side"},
	{model.ErrNotParticipant, http.StatusForbidden, "not_participant"},
	{model.ErrAlreadyJoined, http.StatusConflict, "already_joined"},
	{model.ErrSideFull, http.StatusConflict, "side_full"},
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_state"},
	{model.ErrNotSettleable, http.StatusConflict, "not_settleable"},
	{model.ErrWinnerMismatch, http.StatusConflict, "winner_mismatch"},
	{model.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{model.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{model.ErrDuplicateReference, http.StatusConflict, "duplicate_reference"},
	{model.ErrPersistence, http.StatusServiceUnavailable, "temporarily_unavailable"},
}

// Status returns the HTTP status and error code for err.
func Status(err error) (int, string) {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// Respond writes err as JSON. Server errors are logged and their message is
// not echoed to the client.
func Respond(c *gin.Context, err error) {
	status, code := Status(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		if status == http.StatusInternalServerError {
			msg = "Internal error"
		} else {
			msg = "Service temporarily unavailable, retry shortly"
		}
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

// BadRequest writes a 400 with the given code.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
