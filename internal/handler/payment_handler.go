package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/thepKz/gender-care-sub008/internal/middleware"
	"github.com/thepKz/gender-care-sub008/internal/models"
	"github.com/thepKz/gender-care-sub008/internal/reconcile"
	"github.com/thepKz/gender-care-sub008/pkg/ordercode"
	"github.com/thepKz/gender-care-sub008/pkg/payos"

	"github.com/gin-gonic/gin"
)

// PaymentService is the slice of the reconciliation engine the HTTP layer
// needs.
type PaymentService interface {
	CreateAppointmentLink(ctx context.Context, in reconcile.CreateLinkInput) (*reconcile.LinkOutput, error)
	CreateConsultationLink(ctx context.Context, in reconcile.CreateLinkInput) (*reconcile.LinkOutput, error)
	Status(ctx context.Context, orderCode int64, userID uint) (*reconcile.StatusView, error)
	Cancel(ctx context.Context, orderCode int64, userID uint, reason string) (*models.PaymentRecord, error)
}

type PaymentHandler struct {
	svc PaymentService
}

func NewPaymentHandler(svc PaymentService) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

type createLinkRequest struct {
	BookingID   uint   `json:"booking_id" binding:"required"`
	ReturnURL   string `json:"return_url" binding:"required"`
	CancelURL   string `json:"cancel_url" binding:"required"`
	Description string `json:"description"`
}

// CreateAppointmentLink opens a checkout session for an unpaid appointment.
func (h *PaymentHandler) CreateAppointmentLink(c *gin.Context) {
	h.createLink(c, h.svc.CreateAppointmentLink)
}

// CreateConsultationLink opens a checkout session for an unpaid consultation.
func (h *PaymentHandler) CreateConsultationLink(c *gin.Context) {
	h.createLink(c, h.svc.CreateConsultationLink)
}

func (h *PaymentHandler) createLink(c *gin.Context, create func(context.Context, reconcile.CreateLinkInput) (*reconcile.LinkOutput, error)) {
	var req createLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := create(c.Request.Context(), reconcile.CreateLinkInput{
		BookingID:   req.BookingID,
		UserID:      middleware.GetUserID(c),
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order_code":   out.OrderCode,
		"checkout_url": out.CheckoutURL,
		"amount":       out.Amount,
		"expires_at":   out.ExpiresAt,
	})
}

// Status reports the user-visible payment state, polling the gateway as a
// side effect while the record is still pending.
func (h *PaymentHandler) Status(c *gin.Context) {
	orderCode, err := strconv.ParseInt(c.Param("orderCode"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order code"})
		return
	}
	view, err := h.svc.Status(c.Request.Context(), orderCode, middleware.GetUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_code":     view.Record.OrderCode,
		"status":         userVisibleStatus(view.Record.Status),
		"amount":         view.Record.Amount,
		"booking_status": view.BookingStatus,
		"payment_status": view.PaymentStatus,
		"paid_at":        view.PaidAt,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel is a user-initiated cancellation; it rides the same transition
// rules as webhook and poll.
func (h *PaymentHandler) Cancel(c *gin.Context) {
	orderCode, err := strconv.ParseInt(c.Param("orderCode"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order code"})
		return
	}
	var req cancelRequest
	_ = c.ShouldBindJSON(&req) // reason is optional
	rec, err := h.svc.Cancel(c.Request.Context(), orderCode, middleware.GetUserID(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_code": rec.OrderCode,
		"status":     userVisibleStatus(rec.Status),
	})
}

// userVisibleStatus maps the internal record status to the vocabulary end
// users see: pending, paid, failed, cancelled, expired.
func userVisibleStatus(status string) string {
	if status == models.RecordSuccess {
		return models.PaymentStatusPaid
	}
	return status
}

func (h *PaymentHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reconcile.ErrBookingNotFound), errors.Is(err, reconcile.ErrUnknownOrderCode):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, reconcile.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, reconcile.ErrNotPayable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, payos.ErrGatewayRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payos.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable, try again"})
	case errors.Is(err, ordercode.ErrCollisionBudgetExhausted):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
