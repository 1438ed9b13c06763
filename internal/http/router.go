// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"farmdrop/internal/http/handlers"
	"farmdrop/internal/http/middleware"
	"farmdrop/internal/infra"
	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/modules/dispute"
	"farmdrop/internal/types"
)

type RouterDeps struct {
	Delivery *delivery.Service
	Dispute  *dispute.Service
	Verifier infra.TokenVerifier
	Logger   *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := gin.New()
	r.Use(middleware.Logging(log), middleware.Recovery(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	admin := middleware.RequireRole(types.RoleAdmin)
	driver := middleware.RequireRole(types.RoleDriver)
	driverOrAdmin := middleware.RequireRole(types.RoleDriver, types.RoleAdmin)

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	orders := handlers.NewOrderHandler(deps.Delivery, log)
	api.POST("/orders", orders.Create)
	api.GET("/orders/:id", orders.Get)
	api.POST("/orders/:id/cancel", orders.Cancel)
	api.POST("/orders/:id/events", admin, orders.Transition)

	batches := handlers.NewBatchHandler(deps.Delivery, log)
	api.POST("/batches", admin, batches.Create)
	api.GET("/batches/:id", driverOrAdmin, batches.Get)
	api.POST("/batches/:id/orders", admin, batches.Assign)
	api.POST("/batches/:id/claim", driver, batches.Claim)
	api.POST("/batches/:id/start", driver, batches.Start)
	api.POST("/batches/:id/scans", driver, batches.Scan)
	api.GET("/batches/:id/scans", admin, batches.ScanLog)
	api.GET("/stops/:id/address", driverOrAdmin, batches.StopAddress)

	payouts := handlers.NewPayoutHandler(deps.Delivery, log)
	api.GET("/payouts", admin, payouts.List)
	api.POST("/payouts/:id/complete", admin, payouts.Complete)
	api.POST("/payouts/:id/fail", admin, payouts.Fail)
	api.GET("/orders/:id/fees", admin, payouts.Fees)

	disputes := handlers.NewDisputeHandler(deps.Dispute, log)
	api.POST("/disputes", middleware.RequireRole(types.RoleConsumer, types.RoleDriver), disputes.Create)
	api.GET("/disputes/:id", disputes.Get)
	api.POST("/disputes/:id/acknowledge", admin, disputes.Acknowledge)
	api.POST("/disputes/:id/resolve", admin, disputes.Resolve)
	api.POST("/disputes/:id/reject", admin, disputes.Reject)
	api.POST("/disputes/:id/refund", admin, disputes.RetryRefund)

	return r
}
