package repository

import (
	"errors"
	"time"

	"github.com/thepKz/gender-care-sub008/internal/models"

	"gorm.io/gorm"
)

type ConsultationRepository struct {
	db *gorm.DB
}

func NewConsultationRepository(db *gorm.DB) *ConsultationRepository {
	return &ConsultationRepository{db: db}
}

func (r *ConsultationRepository) Create(c *models.Consultation) error {
	return r.db.Create(c).Error
}

func (r *ConsultationRepository) GetByID(id uint) (*models.Consultation, error) {
	var c models.Consultation
	err := r.db.First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConsultationRepository) MarkPaid(id uint, paidAt time.Time) error {
	return r.db.Model(&models.Consultation{}).
		Where("id = ? AND payment_status <> ?", id, models.PaymentStatusPaid).
		Updates(map[string]interface{}{
			"status":         models.ConsultationScheduled,
			"payment_status": models.PaymentStatusPaid,
			"paid_at":        paidAt,
		}).Error
}

func (r *ConsultationRepository) Demote(id uint) error {
	return r.db.Model(&models.Consultation{}).
		Where("id = ? AND status = ?", id, models.ConsultationPendingPayment).
		Update("status", models.ConsultationPending).Error
}

// Cancel is the consultation counterpart of appointment expiry: an unpaid
// consultation whose window lapsed is cancelled outright.
func (r *ConsultationRepository) Cancel(id uint) error {
	return r.db.Model(&models.Consultation{}).
		Where("id = ? AND status = ?", id, models.ConsultationPendingPayment).
		Update("status", models.ConsultationCancelled).Error
}
