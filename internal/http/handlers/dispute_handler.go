// README: Dispute handlers.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"farmdrop/internal/http/middleware"
	"farmdrop/internal/modules/dispute"
	"farmdrop/internal/types"
)

type DisputeHandler struct {
	dispute *dispute.Service
	log     *slog.Logger
}

func NewDisputeHandler(svc *dispute.Service, log *slog.Logger) *DisputeHandler {
	return &DisputeHandler{dispute: svc, log: log}
}

type createDisputeReq struct {
	OrderID     string `json:"order_id"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (h *DisputeHandler) Create(c *gin.Context) {
	var req createDisputeReq
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.dispute.Create(c.Request.Context(), dispute.CreateCommand{
		OrderID:     types.ID(req.OrderID),
		Actor:       middleware.Caller(c),
		Type:        dispute.Type(req.Type),
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, d)
}

func (h *DisputeHandler) Get(c *gin.Context) {
	d, err := h.dispute.Get(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DisputeHandler) Acknowledge(c *gin.Context) {
	d, err := h.dispute.Acknowledge(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type resolveReq struct {
	Resolution  string `json:"resolution"`
	RefundCents *int64 `json:"refund_cents"`
	Currency    string `json:"currency"`
}

func (h *DisputeHandler) Resolve(c *gin.Context) {
	var req resolveReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := dispute.ResolveCommand{
		DisputeID:  types.ID(c.Param("id")),
		Actor:      middleware.Caller(c),
		Resolution: req.Resolution,
	}
	if req.RefundCents != nil {
		cmd.Refund = &types.Money{Amount: *req.RefundCents, Currency: req.Currency}
	}
	d, err := h.dispute.Resolve(c.Request.Context(), cmd)
	h.writeRefundResult(c, d, err)
}

type rejectReq struct {
	Resolution string `json:"resolution"`
}

func (h *DisputeHandler) Reject(c *gin.Context) {
	var req rejectReq
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.dispute.Reject(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c), req.Resolution)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DisputeHandler) RetryRefund(c *gin.Context) {
	d, err := h.dispute.RetryRefund(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	h.writeRefundResult(c, d, err)
}

// writeRefundResult answers 502 with the resolved dispute when only the refund
// instruction failed.
func (h *DisputeHandler) writeRefundResult(c *gin.Context, d *dispute.Dispute, err error) {
	if err == nil {
		writeJSON(c, http.StatusOK, d)
		return
	}
	if d != nil && errors.Is(err, dispute.ErrRefundFailed) {
		writeJSON(c, http.StatusBadGateway, gin.H{"error": err.Error(), "hint": "retry the refund", "dispute": d})
		return
	}
	writeServiceError(c, h.log, err)
}
