package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

var kindStatus = map[ledger.Kind]int{
	ledger.KindValidation:        http.StatusBadRequest,
	ledger.KindAuthorization:     http.StatusForbidden,
	ledger.KindNotFound:          http.StatusNotFound,
	ledger.KindStateConflict:     http.StatusConflict,
	ledger.KindUserCancel:        http.StatusConflict,
	ledger.KindInsufficientFunds: http.StatusPaymentRequired,
	ledger.KindReverted:          http.StatusUnprocessableEntity,
	ledger.KindConnectivity:      http.StatusServiceUnavailable,
	ledger.KindDecode:            http.StatusBadGateway,
}

// StatusFor maps a ledger error kind onto an HTTP status.
func StatusFor(err error) int {
	if status, ok := kindStatus[ledger.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Debug(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": ledger.KindOf(err).String()})
}

// failTx reports a rejected write together with the transaction record it
// left behind, if any.
func (h *Handler) failTx(c *gin.Context, msg string, rec txn.Record, err error) {
	if rec.ID == uuid.Nil {
		h.fail(c, msg, err)
		return
	}
	h.logger.Debug(msg, zap.Error(err))
	c.JSON(StatusFor(err), gin.H{
		"error":       err.Error(),
		"kind":        ledger.KindOf(err).String(),
		"transaction": rec,
	})
}
