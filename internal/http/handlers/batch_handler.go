// README: Batch handlers: creation, assignment, driver claim/start and box scans.
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

type BatchHandler struct {
	delivery *delivery.Service
	log      *slog.Logger
}

func NewBatchHandler(svc *delivery.Service, log *slog.Logger) *BatchHandler {
	return &BatchHandler{delivery: svc, log: log}
}

type createBatchReq struct {
	Number          int                      `json:"number"`
	DeliveryDate    string                   `json:"delivery_date"`
	CollectionPoint delivery.CollectionPoint `json:"collection_point"`
}

func (h *BatchHandler) Create(c *gin.Context) {
	var req createBatchReq
	if !bindJSON(c, &req) {
		return
	}
	day, err := time.Parse(time.DateOnly, req.DeliveryDate)
	if err != nil {
		writeError(c, http.StatusBadRequest, "delivery_date must be YYYY-MM-DD")
		return
	}
	b, err := h.delivery.CreateBatch(c.Request.Context(), delivery.CreateBatchCommand{
		Number:          req.Number,
		DeliveryDate:    day,
		CollectionPoint: req.CollectionPoint,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

type batchResponse struct {
	*delivery.Batch
	Stops []delivery.Stop `json:"stops"`
}

func (h *BatchHandler) Get(c *gin.Context) {
	b, stops, err := h.delivery.GetBatch(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	caller := middleware.Caller(c)
	if !caller.IsAdmin() && (b.DriverID == nil || *b.DriverID != caller.ID) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	if stops == nil {
		stops = []delivery.Stop{}
	}
	writeJSON(c, http.StatusOK, batchResponse{Batch: b, Stops: stops})
}

type assignReq struct {
	OrderID  string `json:"order_id"`
	Sequence int    `json:"sequence"`
}

func (h *BatchHandler) Assign(c *gin.Context) {
	var req assignReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := h.delivery.AssignToBatch(c.Request.Context(), delivery.AssignCommand{
		OrderID:  types.ID(req.OrderID),
		BatchID:  types.ID(c.Param("id")),
		Sequence: req.Sequence,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderResponse(o, middleware.Caller(c)))
}

func (h *BatchHandler) Claim(c *gin.Context) {
	b, err := h.delivery.ClaimBatch(c.Request.Context(), types.ID(c.Param("id")), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (h *BatchHandler) Start(c *gin.Context) {
	b, err := h.delivery.StartBatch(c.Request.Context(), types.ID(c.Param("id")), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

type scanReq struct {
	BoxCode string `json:"box_code"`
	Type    string `json:"type"`
	StopID  string `json:"stop_id"`
	OrderID string `json:"order_id"`
}

type scanResponse struct {
	Event            delivery.ScanEvent   `json:"event"`
	Duplicate        bool                 `json:"duplicate"`
	OrderStatus      delivery.OrderStatus `json:"order_status,omitempty"`
	AddressVisibleAt *time.Time           `json:"address_visible_at,omitempty"`
	TransitionError  string               `json:"transition_error,omitempty"`
}

// Scan records a box scan. A delivered scan whose transition failed is still
// logged; the response then carries the event and the transition error.
func (h *BatchHandler) Scan(c *gin.Context) {
	var req scanReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := delivery.ScanCommand{
		BatchID: types.ID(c.Param("id")),
		OrderID: types.ID(req.OrderID),
		ActorID: types.ID(middleware.CallerUID(c)),
		BoxCode: req.BoxCode,
		Type:    delivery.ScanType(req.Type),
	}
	if req.StopID != "" {
		cmd.StopID = types.IDPtr(types.ID(req.StopID))
	}
	res, err := h.delivery.RecordScan(c.Request.Context(), cmd)
	if res == nil {
		writeServiceError(c, h.log, err)
		return
	}
	resp := scanResponse{
		Event:            res.Event,
		Duplicate:        res.Duplicate,
		AddressVisibleAt: res.AddressVisibleAt,
	}
	if res.Order != nil {
		resp.OrderStatus = res.Order.Status
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	if err != nil {
		resp.TransitionError = err.Error()
		status, _ = statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error("delivered transition failed after scan", "scan_id", res.Event.ID, "err", err)
			resp.TransitionError = "internal error"
		}
	}
	writeJSON(c, status, resp)
}

type scanLogResponse struct {
	Events []delivery.ScanEvent           `json:"events"`
	Fold   map[types.ID]delivery.ScanFold `json:"fold"`
}

func (h *BatchHandler) ScanLog(c *gin.Context) {
	events, fold, err := h.delivery.ScanLog(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	if events == nil {
		events = []delivery.ScanEvent{}
	}
	writeJSON(c, http.StatusOK, scanLogResponse{Events: events, Fold: fold})
}

func (h *BatchHandler) StopAddress(c *gin.Context) {
	addr, err := h.delivery.GetStopAddress(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, addr)
}
