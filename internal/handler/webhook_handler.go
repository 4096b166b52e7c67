package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/thepKz/gender-care-sub008/internal/reconcile"

	"github.com/gin-gonic/gin"
)

// WebhookService is the engine entry point for gateway callbacks.
type WebhookService interface {
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) error
}

type WebhookHandler struct {
	svc WebhookService
}

func NewWebhookHandler(svc WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// HandlePayOS receives gateway callbacks. The gateway retries on non-2xx,
// so every outcome except a bad signature or a storage failure must be
// acknowledged quickly. No outbound call happens on this path.
func (h *WebhookHandler) HandlePayOS(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	sig := c.GetHeader("x-payos-signature")
	if err := h.svc.HandleWebhook(c.Request.Context(), body, sig); err != nil {
		if errors.Is(err, reconcile.ErrSignatureInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		// Storage or cascade failure. A non-2xx makes the gateway
		// redeliver, and redelivery re-runs the idempotent cascade, so a
		// crash between the record write and the booking write heals on
		// the next attempt. This is the one outcome besides a bad
		// signature that is deliberately not acknowledged.
		log.Printf("[WEBHOOK] processing failed, requesting redelivery: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
