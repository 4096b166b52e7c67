package models

import (
	"time"

	"gorm.io/gorm"
)

// Appointment statuses. pending_payment is the entry state set by the booking
// flow; only the payment cascade and the sweeper move it from there.
const (
	AppointmentPendingPayment = "pending_payment"
	AppointmentPending        = "pending"
	AppointmentScheduled      = "scheduled"
	AppointmentConfirmed      = "confirmed"
	AppointmentConsulting     = "consulting"
	AppointmentCompleted      = "completed"
	AppointmentCancelled      = "cancelled"
	AppointmentExpired        = "expired"
)

const (
	PaymentStatusUnpaid   = "unpaid"
	PaymentStatusPaid     = "paid"
	PaymentStatusPartial  = "partial"
	PaymentStatusRefunded = "refunded"
)

type Appointment struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"not null;index" json:"user_id"`
	ServiceID     *uint          `gorm:"index" json:"service_id"`
	PackageID     *uint          `gorm:"index" json:"package_id"`
	Status        string         `gorm:"size:20;not null;index" json:"status"`
	PaymentStatus string         `gorm:"size:20;not null;default:'unpaid'" json:"payment_status"`
	TotalAmount   int64          `gorm:"not null" json:"total_amount"`
	PaidAt        *time.Time     `json:"paid_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Appointment) TableName() string {
	return "appointments"
}
