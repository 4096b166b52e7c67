package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/thepKz/gender-care-sub008/internal/models"
	"github.com/thepKz/gender-care-sub008/internal/repository"
	"github.com/thepKz/gender-care-sub008/pkg/ordercode"
	"github.com/thepKz/gender-care-sub008/pkg/payos"
)

var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrNotOwner         = errors.New("booking belongs to another user")
	ErrNotPayable       = errors.New("booking is not awaiting payment")
	ErrUnknownOrderCode = errors.New("unknown order code")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
)

// RecordStore is the payment record store. ApplyTransition must be a single
// atomic conditional update succeeding for exactly one racing caller.
type RecordStore interface {
	Create(rec *models.PaymentRecord) error
	GetByOrderCode(orderCode int64) (*models.PaymentRecord, error)
	FindPendingByAppointment(appointmentID uint) (*models.PaymentRecord, error)
	FindPendingByConsultation(consultationID uint) (*models.PaymentRecord, error)
	ApplyTransition(orderCode int64, newStatus, transactionInfo, source string) (bool, error)
	SetGatewayLink(id uint, gatewayLinkID, checkoutURL string) error
	DeletePending(id uint) error
	ListExpired(now time.Time, limit int) ([]models.PaymentRecord, error)
}

// AppointmentStore and ConsultationStore are the cascade targets. Their
// mutations are conditional on the current status, so replaying a cascade
// after a crash is harmless.
type AppointmentStore interface {
	GetByID(id uint) (*models.Appointment, error)
	MarkPaid(id uint, paidAt time.Time) error
	Demote(id uint) error
	Expire(id uint) error
}

type ConsultationStore interface {
	GetByID(id uint) (*models.Consultation, error)
	MarkPaid(id uint, paidAt time.Time) error
	Demote(id uint) error
	Cancel(id uint) error
}

// Gateway is the injected payment gateway capability, satisfied by
// *payos.Client and by fakes in tests.
type Gateway interface {
	CreateLink(ctx context.Context, req payos.CreateLinkRequest) (*payos.Link, error)
	GetStatus(ctx context.Context, orderCode int64) (*payos.Status, error)
	CancelLink(ctx context.Context, orderCode int64, reason string) error
	VerifyWebhook(rawBody []byte, signature string) bool
}

type DeadLetterPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Windows configures the payment deadlines and the poll call budget.
type Windows struct {
	Appointment  time.Duration
	Consultation time.Duration
	PollTimeout  time.Duration
}

// Engine applies gateway-reported truth to local state exactly once in
// effect. All writes go through the record store's conditional transition;
// whichever of webhook, poll, user cancel or sweep lands first wins and the
// rest become no-ops.
type Engine struct {
	records       RecordStore
	appointments  AppointmentStore
	consultations ConsultationStore
	gateway       Gateway
	deadLetters   DeadLetterPublisher
	windows       Windows
	now           func() time.Time
}

func NewEngine(records RecordStore, appointments AppointmentStore, consultations ConsultationStore, gateway Gateway, deadLetters DeadLetterPublisher, windows Windows) *Engine {
	if windows.PollTimeout <= 0 {
		windows.PollTimeout = 10 * time.Second
	}
	return &Engine{
		records:       records,
		appointments:  appointments,
		consultations: consultations,
		gateway:       gateway,
		deadLetters:   deadLetters,
		windows:       windows,
		now:           time.Now,
	}
}

type CreateLinkInput struct {
	BookingID   uint
	UserID      uint
	ReturnURL   string
	CancelURL   string
	Description string
}

type LinkOutput struct {
	OrderCode   int64
	CheckoutURL string
	Amount      int64
	ExpiresAt   time.Time
}

// CreateAppointmentLink opens (or reuses) a checkout session for an unpaid
// appointment. The pending record is durably persisted before the gateway
// session exists, so no webhook can ever reference a code we cannot look up.
func (e *Engine) CreateAppointmentLink(ctx context.Context, in CreateLinkInput) (*LinkOutput, error) {
	appt, err := e.appointments.GetByID(in.BookingID)
	if err != nil {
		return nil, err
	}
	if appt == nil {
		return nil, ErrBookingNotFound
	}
	if in.UserID != 0 && appt.UserID != in.UserID {
		return nil, ErrNotOwner
	}
	if appt.Status != models.AppointmentPendingPayment || appt.PaymentStatus == models.PaymentStatusPaid {
		return nil, ErrNotPayable
	}
	if existing, err := e.records.FindPendingByAppointment(in.BookingID); err != nil {
		return nil, err
	} else if existing != nil {
		return linkOutput(existing), nil
	}
	id := in.BookingID
	rec := &models.PaymentRecord{
		ServiceType:   models.ServiceTypeAppointment,
		AppointmentID: &id,
		Amount:        appt.TotalAmount,
	}
	return e.openSession(ctx, rec, fmt.Sprintf("appt-%d", id), e.windows.Appointment, in)
}

// CreateConsultationLink is the consultation flavor of CreateAppointmentLink
// with the shorter window.
func (e *Engine) CreateConsultationLink(ctx context.Context, in CreateLinkInput) (*LinkOutput, error) {
	cons, err := e.consultations.GetByID(in.BookingID)
	if err != nil {
		return nil, err
	}
	if cons == nil {
		return nil, ErrBookingNotFound
	}
	if in.UserID != 0 && cons.UserID != in.UserID {
		return nil, ErrNotOwner
	}
	if cons.Status != models.ConsultationPendingPayment || cons.PaymentStatus == models.PaymentStatusPaid {
		return nil, ErrNotPayable
	}
	if existing, err := e.records.FindPendingByConsultation(in.BookingID); err != nil {
		return nil, err
	} else if existing != nil {
		return linkOutput(existing), nil
	}
	id := in.BookingID
	rec := &models.PaymentRecord{
		ServiceType:    models.ServiceTypeConsultation,
		ConsultationID: &id,
		Amount:         cons.TotalAmount,
	}
	return e.openSession(ctx, rec, fmt.Sprintf("cons-%d", id), e.windows.Consultation, in)
}

func linkOutput(rec *models.PaymentRecord) *LinkOutput {
	out := &LinkOutput{
		OrderCode:   rec.OrderCode,
		CheckoutURL: rec.CheckoutURL,
		Amount:      rec.Amount,
	}
	if rec.ExpiresAt != nil {
		out.ExpiresAt = *rec.ExpiresAt
	}
	return out
}

func (e *Engine) openSession(ctx context.Context, rec *models.PaymentRecord, ref string, window time.Duration, in CreateLinkInput) (*LinkOutput, error) {
	expiresAt := e.now().Add(window)
	rec.Status = models.RecordPending
	rec.ExpiresAt = &expiresAt

	created := false
	for attempt := 0; attempt <= ordercode.CollisionBudget; attempt++ {
		rec.OrderCode = ordercode.Generate(ref, attempt)
		err := e.records.Create(rec)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, repository.ErrDuplicateOrderCode) {
			return nil, err
		}
		log.Printf("[RECONCILE] order code collision ref=%s attempt=%d code=%d", ref, attempt, rec.OrderCode)
	}
	if !created {
		return nil, ordercode.ErrCollisionBudgetExhausted
	}

	link, err := e.gateway.CreateLink(ctx, payos.CreateLinkRequest{
		OrderCode:   rec.OrderCode,
		Amount:      rec.Amount,
		Description: in.Description,
		ReturnURL:   in.ReturnURL,
		CancelURL:   in.CancelURL,
		ExpiredAt:   expiresAt,
	})
	if err != nil {
		if derr := e.records.DeletePending(rec.ID); derr != nil {
			log.Printf("[RECONCILE] delete pending record id=%d failed: %v", rec.ID, derr)
		}
		return nil, err
	}
	if err := e.records.SetGatewayLink(rec.ID, link.PaymentLinkID, link.CheckoutURL); err != nil {
		return nil, err
	}
	rec.GatewayLinkID = link.PaymentLinkID
	rec.CheckoutURL = link.CheckoutURL
	log.Printf("[RECONCILE] session opened ref=%s order_code=%d amount=%d expires_at=%s", ref, rec.OrderCode, rec.Amount, expiresAt.Format(time.RFC3339))
	return linkOutput(rec), nil
}

// webhookPayload is the gateway's callback shape. code "00" means the
// payment settled; anything else carries a failure reason in desc.
type webhookPayload struct {
	OrderCode int64  `json:"orderCode"`
	Code      string `json:"code"`
	Desc      string `json:"desc"`
	Data      struct {
		Reference           string `json:"reference"`
		Amount              int64  `json:"amount"`
		Description         string `json:"description"`
		TransactionDateTime string `json:"transactionDateTime"`
	} `json:"data"`
}

// HandleWebhook verifies and applies one webhook delivery. It performs no
// outbound network call; redelivery of the same event is absorbed by the
// terminal-state idempotency of ApplyTransition. Only a bad signature is an
// error to the caller — everything else must be acknowledged so the gateway
// stops retrying.
func (e *Engine) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if !e.gateway.VerifyWebhook(rawBody, signature) {
		log.Printf("[INTEGRITY] webhook signature rejected")
		return ErrSignatureInvalid
	}
	var p webhookPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		log.Printf("[WEBHOOK] unparsable signed payload: %v", err)
		return nil
	}
	newStatus := models.RecordFailed
	if p.Code == "00" {
		newStatus = models.RecordSuccess
	}
	info, _ := json.Marshal(p.Data)
	_, err := e.apply(ctx, p.OrderCode, newStatus, string(info), models.SourceWebhook)
	return err
}

// Poll asks the gateway for the current status of a pending record and
// applies the answer. A gateway failure leaves the record untouched and
// reports it still pending.
func (e *Engine) Poll(ctx context.Context, orderCode int64) (*models.PaymentRecord, error) {
	rec, err := e.records.GetByOrderCode(orderCode)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownOrderCode
	}
	if models.IsTerminal(rec.Status) {
		return rec, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.windows.PollTimeout)
	defer cancel()
	st, err := e.gateway.GetStatus(callCtx, orderCode)
	if err != nil {
		log.Printf("[RECONCILE] poll order_code=%d gateway error, record left pending: %v", orderCode, err)
		return rec, nil
	}
	newStatus := mapGatewayStatus(st.Status)
	if newStatus == "" {
		return rec, nil
	}
	info, _ := json.Marshal(st.Transactions)
	if _, err := e.apply(ctx, orderCode, newStatus, string(info), models.SourcePoll); err != nil {
		return nil, err
	}
	cur, err := e.records.GetByOrderCode(orderCode)
	if err != nil || cur == nil {
		return rec, err
	}
	return cur, nil
}

// Cancel funnels a user-initiated cancellation through the same transition
// primitive as webhook and poll. The gateway link is cancelled best-effort
// after the local state is terminal.
func (e *Engine) Cancel(ctx context.Context, orderCode int64, userID uint, reason string) (*models.PaymentRecord, error) {
	rec, err := e.records.GetByOrderCode(orderCode)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownOrderCode
	}
	if userID != 0 {
		if ownerID, err := e.ownerOf(rec); err != nil {
			return nil, err
		} else if ownerID != userID {
			return nil, ErrNotOwner
		}
	}
	info, _ := json.Marshal(map[string]string{"reason": reason})
	changed, err := e.apply(ctx, orderCode, models.RecordCancelled, string(info), models.SourceUser)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := e.gateway.CancelLink(ctx, orderCode, reason); err != nil {
			log.Printf("[RECONCILE] cancel link order_code=%d best-effort gateway call failed: %v", orderCode, err)
		}
	}
	cur, err := e.records.GetByOrderCode(orderCode)
	if err != nil || cur == nil {
		return rec, err
	}
	return cur, nil
}

// ExpireDue sweeps pending records whose window elapsed. It reuses the
// conditional transition, so a terminal transition that landed concurrently
// is never clobbered.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := e.records.ListExpired(e.now(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		changed, err := e.apply(ctx, due[i].OrderCode, models.RecordExpired, "", models.SourceSweeper)
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// StatusView is what the client status endpoint reports. Status here is
// still the internal enum; the handler maps it to the user vocabulary.
type StatusView struct {
	Record        *models.PaymentRecord
	BookingStatus string
	PaymentStatus string
	PaidAt        *time.Time
	OwnerID       uint
}

// Status returns the record plus its booking's derived state, polling the
// gateway while the record is still pending. Ownership is checked before the
// poll so a stranger can neither read the record nor trigger outbound
// gateway calls; a record whose booking row is gone resolves to owner 0 and
// is likewise withheld.
func (e *Engine) Status(ctx context.Context, orderCode int64, userID uint) (*StatusView, error) {
	rec, err := e.records.GetByOrderCode(orderCode)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownOrderCode
	}
	if userID != 0 {
		if ownerID, err := e.ownerOf(rec); err != nil {
			return nil, err
		} else if ownerID != userID {
			return nil, ErrNotOwner
		}
	}
	rec, err = e.Poll(ctx, orderCode)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Record: rec}
	switch rec.ServiceType {
	case models.ServiceTypeAppointment:
		appt, err := e.appointments.GetByID(*rec.AppointmentID)
		if err != nil {
			return nil, err
		}
		if appt != nil {
			view.BookingStatus = appt.Status
			view.PaymentStatus = appt.PaymentStatus
			view.PaidAt = appt.PaidAt
			view.OwnerID = appt.UserID
		}
	case models.ServiceTypeConsultation:
		cons, err := e.consultations.GetByID(*rec.ConsultationID)
		if err != nil {
			return nil, err
		}
		if cons != nil {
			view.BookingStatus = cons.Status
			view.PaymentStatus = cons.PaymentStatus
			view.PaidAt = cons.PaidAt
			view.OwnerID = cons.UserID
		}
	}
	return view, nil
}

func (e *Engine) ownerOf(rec *models.PaymentRecord) (uint, error) {
	switch rec.ServiceType {
	case models.ServiceTypeAppointment:
		appt, err := e.appointments.GetByID(*rec.AppointmentID)
		if err != nil || appt == nil {
			return 0, err
		}
		return appt.UserID, nil
	case models.ServiceTypeConsultation:
		cons, err := e.consultations.GetByID(*rec.ConsultationID)
		if err != nil || cons == nil {
			return 0, err
		}
		return cons.UserID, nil
	}
	return 0, nil
}

// apply is the single funnel for every transition request. Correctness rests
// on the store's conditional update: exactly one caller changes state, the
// rest observe changed=false and are treated as duplicate/late/race-lost,
// which is informational, never an error. A duplicate that agrees with the
// stored outcome still re-runs the cascade: the booking updates are
// conditional, so a replay is a no-op unless the first cascade died between
// the record write and the booking write, in which case it completes it.
func (e *Engine) apply(ctx context.Context, orderCode int64, newStatus, transactionInfo, source string) (bool, error) {
	rec, err := e.records.GetByOrderCode(orderCode)
	if err != nil {
		return false, err
	}
	if rec == nil {
		log.Printf("[INTEGRITY] %s reports order_code=%d but no payment record exists", source, orderCode)
		e.publishDeadLetter(ctx, RouteOrphan, orderCode, "", newStatus, source)
		return false, nil
	}
	if models.IsTerminal(rec.Status) {
		e.noteLateEvent(ctx, rec, newStatus, source, "duplicate or late event")
		if rec.Status == newStatus {
			return false, e.cascade(rec, newStatus)
		}
		return false, nil
	}
	changed, err := e.records.ApplyTransition(orderCode, newStatus, transactionInfo, source)
	if err != nil {
		return false, err
	}
	if !changed {
		// Lost the conditional update to a concurrent caller.
		cur, err := e.records.GetByOrderCode(orderCode)
		if err != nil {
			return false, err
		}
		if cur != nil {
			e.noteLateEvent(ctx, cur, newStatus, source, "race lost")
			if cur.Status == newStatus {
				return false, e.cascade(cur, newStatus)
			}
		}
		return false, nil
	}
	log.Printf("[RECONCILE] order_code=%d %s -> %s source=%s", orderCode, models.RecordPending, newStatus, source)
	if err := e.cascade(rec, newStatus); err != nil {
		log.Printf("[RECONCILE] cascade order_code=%d status=%s failed: %v", orderCode, newStatus, err)
		return true, err
	}
	return true, nil
}

// noteLateEvent logs a no-op transition and routes a success that arrived
// after a different terminal outcome to the dead-letter path: funds may have
// been captured for a booking we already released.
func (e *Engine) noteLateEvent(ctx context.Context, rec *models.PaymentRecord, newStatus, source, why string) {
	log.Printf("[RECONCILE] %s on order_code=%d ignored (%s, stored=%s incoming=%s)", source, rec.OrderCode, why, rec.Status, newStatus)
	if newStatus == models.RecordSuccess && rec.Status != models.RecordSuccess {
		log.Printf("[INTEGRITY] success reported for order_code=%d after terminal %s", rec.OrderCode, rec.Status)
		e.publishDeadLetter(ctx, RouteLateSuccess, rec.OrderCode, rec.Status, newStatus, source)
	}
}

// cascade derives the booking's state from the record transition. It runs
// after the record write (fixed order) and every mutation it performs is
// conditional, so replays are idempotent.
func (e *Engine) cascade(rec *models.PaymentRecord, newStatus string) error {
	switch rec.ServiceType {
	case models.ServiceTypeAppointment:
		id := *rec.AppointmentID
		switch newStatus {
		case models.RecordSuccess:
			return e.appointments.MarkPaid(id, e.now())
		case models.RecordFailed, models.RecordCancelled:
			return e.appointments.Demote(id)
		case models.RecordExpired:
			return e.appointments.Expire(id)
		}
	case models.ServiceTypeConsultation:
		id := *rec.ConsultationID
		switch newStatus {
		case models.RecordSuccess:
			return e.consultations.MarkPaid(id, e.now())
		case models.RecordFailed, models.RecordCancelled:
			return e.consultations.Demote(id)
		case models.RecordExpired:
			return e.consultations.Cancel(id)
		}
	}
	return nil
}

// mapGatewayStatus translates the gateway enum to the internal one.
// An empty result means the session is still open and nothing applies.
func mapGatewayStatus(s string) string {
	switch s {
	case payos.GatewayStatusPaid:
		return models.RecordSuccess
	case payos.GatewayStatusCancelled:
		return models.RecordCancelled
	case payos.GatewayStatusExpired:
		return models.RecordExpired
	}
	return ""
}
