package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ConsultationPendingPayment = "pending_payment"
	ConsultationPending        = "pending"
	ConsultationScheduled      = "scheduled"
	ConsultationCompleted      = "completed"
	ConsultationCancelled      = "cancelled"
)

// Consultation is an online consultation booking. It shares the payment flow
// with appointments but cascades under its own status vocabulary and a
// shorter payment window.
type Consultation struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"not null;index" json:"user_id"`
	DoctorID      *uint          `gorm:"index" json:"doctor_id"`
	Question      string         `gorm:"type:text" json:"question"`
	Status        string         `gorm:"size:20;not null;index" json:"status"`
	PaymentStatus string         `gorm:"size:20;not null;default:'unpaid'" json:"payment_status"`
	TotalAmount   int64          `gorm:"not null" json:"total_amount"`
	PaidAt        *time.Time     `json:"paid_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Consultation) TableName() string {
	return "consultations"
}
