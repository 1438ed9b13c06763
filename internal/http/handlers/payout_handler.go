// README: Payout queue handlers used by the transfer worker and admins.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/types"
)

type PayoutHandler struct {
	delivery *delivery.Service
	log      *slog.Logger
}

func NewPayoutHandler(svc *delivery.Service, log *slog.Logger) *PayoutHandler {
	return &PayoutHandler{delivery: svc, log: log}
}

func (h *PayoutHandler) List(c *gin.Context) {
	filter := delivery.PayoutFilter{
		Status:  delivery.PayoutStatus(c.Query("status")),
		OrderID: types.ID(c.Query("order_id")),
		BatchID: types.ID(c.Query("batch_id")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	payouts, err := h.delivery.ListPayouts(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	if payouts == nil {
		payouts = []delivery.Payout{}
	}
	writeJSON(c, http.StatusOK, gin.H{"payouts": payouts})
}

type completePayoutReq struct {
	TransferRef string `json:"transfer_ref"`
}

func (h *PayoutHandler) Complete(c *gin.Context) {
	var req completePayoutReq
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.delivery.MarkPayoutCompleted(c.Request.Context(), types.ID(c.Param("id")), req.TransferRef)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type failPayoutReq struct {
	Reason string `json:"reason"`
}

func (h *PayoutHandler) Fail(c *gin.Context) {
	var req failPayoutReq
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.delivery.MarkPayoutFailed(c.Request.Context(), types.ID(c.Param("id")), req.Reason)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *PayoutHandler) Fees(c *gin.Context) {
	fees, err := h.delivery.ListFees(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	if fees == nil {
		fees = []delivery.TransactionFee{}
	}
	writeJSON(c, http.StatusOK, gin.H{"fees": fees})
}
