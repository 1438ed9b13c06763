// README: Order handlers: checkout intake, status, cancel and admin transitions.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"farmdrop/internal/http/middleware"
	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/types"
)

type OrderHandler struct {
	delivery *delivery.Service
	log      *slog.Logger
}

func NewOrderHandler(svc *delivery.Service, log *slog.Logger) *OrderHandler {
	return &OrderHandler{delivery: svc, log: log}
}

type lineItemReq struct {
	ProductID      string `json:"product_id"`
	FarmerID       string `json:"farmer_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createOrderReq struct {
	ConsumerID        string           `json:"consumer_id"`
	Items             []lineItemReq    `json:"items"`
	DeliveryFeeCents  int64            `json:"delivery_fee_cents"`
	Currency          string           `json:"currency"`
	DeliveryDate      string           `json:"delivery_date"`
	Address           delivery.Address `json:"address"`
	PaymentAuthorized bool             `json:"payment_authorized"`
	PaymentRef        string           `json:"payment_ref"`
}

// orderResponse exposes the delivery address only to the order's consumer and admins.
type orderResponse struct {
	*delivery.Order
	Address  *delivery.Address `json:"address,omitempty"`
	Subtotal types.Money       `json:"subtotal"`
	Total    types.Money       `json:"total"`
}

func newOrderResponse(o *delivery.Order, caller types.Actor) orderResponse {
	resp := orderResponse{Order: o, Subtotal: o.Subtotal(), Total: o.Total()}
	if caller.IsAdmin() || caller.ID == o.ConsumerID {
		addr := o.Address
		resp.Address = &addr
	}
	return resp
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if !bindJSON(c, &req) {
		return
	}
	caller := middleware.Caller(c)
	if req.ConsumerID == "" {
		req.ConsumerID = string(caller.ID)
	}
	if !caller.IsAdmin() && types.ID(req.ConsumerID) != caller.ID {
		writeError(c, http.StatusForbidden, "cannot order for another consumer")
		return
	}
	day, err := time.Parse(time.DateOnly, req.DeliveryDate)
	if err != nil {
		writeError(c, http.StatusBadRequest, "delivery_date must be YYYY-MM-DD")
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	items := make([]delivery.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, delivery.LineItem{
			ProductID: types.ID(it.ProductID),
			FarmerID:  types.ID(it.FarmerID),
			Quantity:  it.Quantity,
			UnitPrice: types.Money{Amount: it.UnitPriceCents, Currency: currency},
		})
	}
	o, err := h.delivery.CreateOrder(c.Request.Context(), delivery.CreateOrderCommand{
		ConsumerID:        types.ID(req.ConsumerID),
		Items:             items,
		DeliveryFee:       types.Money{Amount: req.DeliveryFeeCents, Currency: currency},
		DeliveryDate:      day,
		Address:           req.Address,
		PaymentAuthorized: req.PaymentAuthorized,
		PaymentRef:        req.PaymentRef,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOrderResponse(o, caller))
}

func (h *OrderHandler) Get(c *gin.Context) {
	caller := middleware.Caller(c)
	o, err := h.delivery.GetOrderStatus(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	if !caller.IsAdmin() && caller.ID != o.ConsumerID {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(c, http.StatusOK, newOrderResponse(o, caller))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	caller := middleware.Caller(c)
	o, err := h.delivery.Cancel(c.Request.Context(), delivery.CancelCommand{
		OrderID: types.ID(c.Param("id")),
		Actor:   caller,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderResponse(o, caller))
}

type transitionReq struct {
	Event    string `json:"event"`
	BatchID  string `json:"batch_id"`
	Sequence int    `json:"sequence"`
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason"`
}

// Transition applies a state-machine event on behalf of an admin. Starting a batch
// is done as the batch's driver, named by driver_id.
func (h *OrderHandler) Transition(c *gin.Context) {
	var req transitionReq
	if !bindJSON(c, &req) {
		return
	}
	actor := middleware.Caller(c)
	if delivery.EventType(req.Event) == delivery.EventDriverStartsBatch {
		actor = types.Actor{ID: types.ID(req.DriverID), Role: types.RoleDriver}
	}
	o, err := h.delivery.TransitionOrder(c.Request.Context(), types.ID(c.Param("id")), delivery.Event{
		Type:     delivery.EventType(req.Event),
		Actor:    actor,
		BatchID:  types.ID(req.BatchID),
		Sequence: req.Sequence,
		Reason:   req.Reason,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderResponse(o, middleware.Caller(c)))
}
