package models

import "time"

// Payment record statuses. pending is the only non-terminal state; every
// other value is terminal and immutable once stored.
const (
	RecordPending   = "pending"
	RecordSuccess   = "success"
	RecordFailed    = "failed"
	RecordCancelled = "cancelled"
	RecordExpired   = "expired"
)

const (
	ServiceTypeAppointment  = "appointment"
	ServiceTypeConsultation = "consultation"
)

// Transition sources, recorded in logs and dead-letter events.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceUser    = "user"
	SourceSweeper = "sweeper"
)

// IsTerminal reports whether a payment record status accepts no further
// transitions.
func IsTerminal(status string) bool {
	switch status {
	case RecordSuccess, RecordFailed, RecordCancelled, RecordExpired:
		return true
	}
	return false
}

// PaymentRecord is the durable audit trail for one gateway checkout session
// and the single source of truth for payment status. ExpiresAt is set only
// while pending and cleared on every terminal transition, so terminal
// records are retained indefinitely.
type PaymentRecord struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	ServiceType       string     `gorm:"size:20;not null;index" json:"service_type"`
	AppointmentID     *uint      `gorm:"index" json:"appointment_id"`
	ConsultationID    *uint      `gorm:"index" json:"consultation_id"`
	OrderCode         int64      `gorm:"uniqueIndex;not null" json:"order_code"`
	GatewayLinkID     string     `gorm:"size:64" json:"gateway_link_id"`
	CheckoutURL       string     `gorm:"size:512" json:"checkout_url"`
	Amount            int64      `gorm:"not null" json:"amount"`
	Status            string     `gorm:"size:20;not null;index" json:"status"`
	TransactionInfo   string     `gorm:"type:text" json:"transaction_info"`
	WebhookReceived   bool       `gorm:"not null;default:false" json:"webhook_received"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at"`
	ExpiresAt         *time.Time `gorm:"index" json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}
