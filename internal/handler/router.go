package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/booking-core/pkg/middleware"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds what the router needs besides the handlers
type RouterConfig struct {
	ServiceName string
	Version     string
	// Idempotency is optional; without Redis the submit route is not deduplicated
	Idempotency middleware.RedisClient
	// IdempotencyTTL is how long a completed submission is replayed (default: 24 hours)
	IdempotencyTTL time.Duration
}

// NewRouter builds the gin engine with operational and v1 routes
func NewRouter(bookings *BookingHandler, health *HealthHandler, cfg *RouterConfig) *gin.Engine {
	if cfg == nil {
		cfg = &RouterConfig{}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "booking-core"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(telemetry.TracingMiddleware(cfg.ServiceName))
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": cfg.Version,
				"service": cfg.ServiceName,
			})
		})

		submit := []gin.HandlerFunc{middleware.Requester()}
		if cfg.Idempotency != nil {
			submit = append(submit, middleware.Idempotency(&middleware.IdempotencyConfig{
				Redis: cfg.Idempotency,
				TTL:   cfg.IdempotencyTTL,
			}))
		}
		submit = append(submit, bookings.SubmitBooking)

		b := v1.Group("/bookings")
		{
			b.POST("", submit...)
			b.GET("/:id", middleware.Requester(), bookings.GetBooking)
			b.POST("/:id/cancel", middleware.Requester(), bookings.CancelBooking)
			// Called by back office and the payment collaborator
			b.POST("/:id/complete", bookings.CompleteBooking)
			b.PUT("/:id/payment", bookings.UpdatePaymentStatus)
		}

		v1.DELETE("/queue/:id", middleware.Requester(), bookings.CancelQueueEntry)

		r := v1.Group("/resources")
		{
			r.GET("/:id/availability", bookings.GetAvailability)
			r.GET("/:id/transactions", bookings.ListTransactions)
			r.POST("/:id/batches", bookings.Restock)
		}
	}

	return router
}
