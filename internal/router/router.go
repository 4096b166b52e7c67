package router

import (
	"net/http"
	"time"

	"github.com/thepKz/gender-care-sub008/config"
	"github.com/thepKz/gender-care-sub008/internal/handler"
	"github.com/thepKz/gender-care-sub008/internal/middleware"
	"github.com/thepKz/gender-care-sub008/internal/reconcile"

	"github.com/gin-gonic/gin"
)

func Setup(cfg *config.Config, engine *reconcile.Engine) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	paymentHandler := handler.NewPaymentHandler(engine)
	webhookHandler := handler.NewWebhookHandler(engine)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")

	// Webhook stays outside auth; the signature is its credential.
	api.POST("/webhooks/payos", webhookHandler.HandlePayOS)

	payments := api.Group("/payments")
	payments.Use(middleware.AuthRequired(&cfg.JWT))
	payments.Use(middleware.RateLimit(middleware.NewRateLimiter(60, time.Minute)))
	{
		payments.POST("/appointments", paymentHandler.CreateAppointmentLink)
		payments.POST("/consultations", paymentHandler.CreateConsultationLink)
		payments.GET("/:orderCode/status", paymentHandler.Status)
		payments.POST("/:orderCode/cancel", paymentHandler.Cancel)
	}

	return r
}
