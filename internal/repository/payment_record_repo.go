package repository

import (
	"errors"
	"time"

	"github.com/thepKz/gender-care-sub008/internal/models"

	"gorm.io/gorm"
)

// ErrDuplicateOrderCode signals a unique-index collision on order_code.
// Callers retry allocation rather than reusing another booking's code.
var ErrDuplicateOrderCode = errors.New("order code already allocated")

type PaymentRecordRepository struct {
	db *gorm.DB
}

func NewPaymentRecordRepository(db *gorm.DB) *PaymentRecordRepository {
	return &PaymentRecordRepository{db: db}
}

func (r *PaymentRecordRepository) Create(rec *models.PaymentRecord) error {
	err := r.db.Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateOrderCode
	}
	return err
}

// GetByOrderCode returns (nil, nil) when no record exists: a missing row is
// an expected outcome on the webhook path, not a storage failure.
func (r *PaymentRecordRepository) GetByOrderCode(orderCode int64) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.Where("order_code = ?", orderCode).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PaymentRecordRepository) FindPendingByAppointment(appointmentID uint) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.Where("appointment_id = ? AND status = ?", appointmentID, models.RecordPending).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PaymentRecordRepository) FindPendingByConsultation(consultationID uint) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.Where("consultation_id = ? AND status = ?", consultationID, models.RecordPending).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ApplyTransition moves a pending record to newStatus with one conditional
// UPDATE. Exactly one racing caller observes changed=true; a call against a
// record that is already terminal changes nothing and is not an error.
// Every terminal transition clears expires_at so the record is kept forever.
func (r *PaymentRecordRepository) ApplyTransition(orderCode int64, newStatus, transactionInfo, source string) (bool, error) {
	updates := map[string]interface{}{
		"status":     newStatus,
		"expires_at": nil,
	}
	if transactionInfo != "" {
		updates["transaction_info"] = transactionInfo
	}
	if source == models.SourceWebhook {
		updates["webhook_received"] = true
		updates["webhook_received_at"] = time.Now()
	}
	res := r.db.Model(&models.PaymentRecord{}).
		Where("order_code = ? AND status = ?", orderCode, models.RecordPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetGatewayLink attaches the gateway session to a record after link
// creation succeeds.
func (r *PaymentRecordRepository) SetGatewayLink(id uint, gatewayLinkID, checkoutURL string) error {
	return r.db.Model(&models.PaymentRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"gateway_link_id": gatewayLinkID,
			"checkout_url":    checkoutURL,
		}).Error
}

// DeletePending removes a record created for a link the gateway refused to
// open. The status guard keeps a concurrently-landed transition intact.
func (r *PaymentRecordRepository) DeletePending(id uint) error {
	return r.db.Where("id = ? AND status = ?", id, models.RecordPending).
		Delete(&models.PaymentRecord{}).Error
}

// ListExpired returns pending records whose window has elapsed. Terminal
// records carry a NULL expires_at and can never match.
func (r *PaymentRecordRepository) ListExpired(now time.Time, limit int) ([]models.PaymentRecord, error) {
	var recs []models.PaymentRecord
	err := r.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.RecordPending, now).
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
