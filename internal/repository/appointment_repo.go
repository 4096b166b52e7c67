package repository

import (
	"errors"
	"time"

	"github.com/thepKz/gender-care-sub008/internal/models"

	"gorm.io/gorm"
)

type AppointmentRepository struct {
	db *gorm.DB
}

func NewAppointmentRepository(db *gorm.DB) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

func (r *AppointmentRepository) Create(a *models.Appointment) error {
	return r.db.Create(a).Error
}

func (r *AppointmentRepository) GetByID(id uint) (*models.Appointment, error) {
	var a models.Appointment
	err := r.db.First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// MarkPaid confirms the appointment and flags it paid. The guard makes the
// call idempotent under crash/retry and keeps a paid appointment out of
// pending_payment.
func (r *AppointmentRepository) MarkPaid(id uint, paidAt time.Time) error {
	return r.db.Model(&models.Appointment{}).
		Where("id = ? AND payment_status <> ?", id, models.PaymentStatusPaid).
		Updates(map[string]interface{}{
			"status":         models.AppointmentConfirmed,
			"payment_status": models.PaymentStatusPaid,
			"paid_at":        paidAt,
		}).Error
}

// Demote moves a failed or cancelled payment's appointment back to pending.
// The slot stays reserved and the user may retry payment.
func (r *AppointmentRepository) Demote(id uint) error {
	return r.db.Model(&models.Appointment{}).
		Where("id = ? AND status = ?", id, models.AppointmentPendingPayment).
		Update("status", models.AppointmentPending).Error
}

// Expire releases the slot for an appointment whose payment window lapsed.
func (r *AppointmentRepository) Expire(id uint) error {
	return r.db.Model(&models.Appointment{}).
		Where("id = ? AND status = ?", id, models.AppointmentPendingPayment).
		Update("status", models.AppointmentExpired).Error
}
