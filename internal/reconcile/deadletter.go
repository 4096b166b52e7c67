package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Dead-letter routing keys on the payments exchange.
const (
	RouteLateSuccess = "payment.deadletter.late_success"
	RouteOrphan      = "payment.deadletter.orphan"
)

// DeadLetterEvent records a gateway report that could not be reconciled:
// a success arriving after the record already reached a different terminal
// state, or an order code with no matching record. These are integrity
// alarms for operations, never user-facing errors.
type DeadLetterEvent struct {
	EventID       string    `json:"event_id"`
	OrderCode     int64     `json:"order_code"`
	RecordStatus  string    `json:"record_status,omitempty"`
	GatewayStatus string    `json:"gateway_status"`
	Source        string    `json:"source"`
	ReceivedAt    time.Time `json:"received_at"`
}

func (e *Engine) publishDeadLetter(ctx context.Context, route string, orderCode int64, recordStatus, gatewayStatus, source string) {
	ev := DeadLetterEvent{
		EventID:       uuid.NewString(),
		OrderCode:     orderCode,
		RecordStatus:  recordStatus,
		GatewayStatus: gatewayStatus,
		Source:        source,
		ReceivedAt:    e.now(),
	}
	if err := e.deadLetters.PublishJSON(ctx, route, ev); err != nil {
		// Publish failure must not fail the caller; the log line is the
		// last-resort record of the event.
		log.Printf("[INTEGRITY] dead-letter publish %s order_code=%d failed: %v", route, orderCode, err)
	}
}
