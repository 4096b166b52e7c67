package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thepKz/gender-care-sub008/internal/models"
	"github.com/thepKz/gender-care-sub008/internal/repository"
	"github.com/thepKz/gender-care-sub008/pkg/ordercode"
	"github.com/thepKz/gender-care-sub008/pkg/payos"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecords implements RecordStore in memory with the same conditional
// transition semantics as the GORM repository.
type fakeRecords struct {
	mu           sync.Mutex
	byCode       map[int64]*models.PaymentRecord
	nextID       uint
	dupRemaining int
	createCalls  int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byCode: map[int64]*models.PaymentRecord{}}
}

func (f *fakeRecords) Create(rec *models.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.dupRemaining > 0 {
		f.dupRemaining--
		return repository.ErrDuplicateOrderCode
	}
	if _, ok := f.byCode[rec.OrderCode]; ok {
		return repository.ErrDuplicateOrderCode
	}
	f.nextID++
	rec.ID = f.nextID
	cp := *rec
	f.byCode[rec.OrderCode] = &cp
	return nil
}

func (f *fakeRecords) GetByOrderCode(orderCode int64) (*models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byCode[orderCode]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) FindPendingByAppointment(id uint) (*models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byCode {
		if rec.Status == models.RecordPending && rec.AppointmentID != nil && *rec.AppointmentID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) FindPendingByConsultation(id uint) (*models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byCode {
		if rec.Status == models.RecordPending && rec.ConsultationID != nil && *rec.ConsultationID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) ApplyTransition(orderCode int64, newStatus, transactionInfo, source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byCode[orderCode]
	if !ok || rec.Status != models.RecordPending {
		return false, nil
	}
	rec.Status = newStatus
	rec.ExpiresAt = nil
	if transactionInfo != "" {
		rec.TransactionInfo = transactionInfo
	}
	if source == models.SourceWebhook {
		now := time.Now()
		rec.WebhookReceived = true
		rec.WebhookReceivedAt = &now
	}
	return true, nil
}

func (f *fakeRecords) SetGatewayLink(id uint, gatewayLinkID, checkoutURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byCode {
		if rec.ID == id {
			rec.GatewayLinkID = gatewayLinkID
			rec.CheckoutURL = checkoutURL
		}
	}
	return nil
}

func (f *fakeRecords) DeletePending(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for code, rec := range f.byCode {
		if rec.ID == id && rec.Status == models.RecordPending {
			delete(f.byCode, code)
		}
	}
	return nil
}

func (f *fakeRecords) ListExpired(now time.Time, limit int) ([]models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentRecord
	for _, rec := range f.byCode {
		if rec.Status == models.RecordPending && rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeAppointments struct {
	mu               sync.Mutex
	byID             map[uint]*models.Appointment
	markPaidCalls    int
	markPaidFailures int
}

func newFakeAppointments() *fakeAppointments {
	return &fakeAppointments{byID: map[uint]*models.Appointment{}}
}

func (f *fakeAppointments) put(a *models.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[a.ID] = a
}

func (f *fakeAppointments) GetByID(id uint) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAppointments) MarkPaid(id uint, paidAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markPaidFailures > 0 {
		f.markPaidFailures--
		return errors.New("appointment store unavailable")
	}
	a, ok := f.byID[id]
	if !ok || a.PaymentStatus == models.PaymentStatusPaid {
		return nil
	}
	f.markPaidCalls++
	a.Status = models.AppointmentConfirmed
	a.PaymentStatus = models.PaymentStatusPaid
	a.PaidAt = &paidAt
	return nil
}

func (f *fakeAppointments) Demote(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byID[id]; ok && a.Status == models.AppointmentPendingPayment {
		a.Status = models.AppointmentPending
	}
	return nil
}

func (f *fakeAppointments) Expire(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byID[id]; ok && a.Status == models.AppointmentPendingPayment {
		a.Status = models.AppointmentExpired
	}
	return nil
}

type fakeConsultations struct {
	mu   sync.Mutex
	byID map[uint]*models.Consultation
}

func newFakeConsultations() *fakeConsultations {
	return &fakeConsultations{byID: map[uint]*models.Consultation{}}
}

func (f *fakeConsultations) put(c *models.Consultation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[c.ID] = c
}

func (f *fakeConsultations) GetByID(id uint) (*models.Consultation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConsultations) MarkPaid(id uint, paidAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[id]; ok && c.PaymentStatus != models.PaymentStatusPaid {
		c.Status = models.ConsultationScheduled
		c.PaymentStatus = models.PaymentStatusPaid
		c.PaidAt = &paidAt
	}
	return nil
}

func (f *fakeConsultations) Demote(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[id]; ok && c.Status == models.ConsultationPendingPayment {
		c.Status = models.ConsultationPending
	}
	return nil
}

func (f *fakeConsultations) Cancel(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[id]; ok && c.Status == models.ConsultationPendingPayment {
		c.Status = models.ConsultationCancelled
	}
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	createLink  func(ctx context.Context, req payos.CreateLinkRequest) (*payos.Link, error)
	getStatus   func(ctx context.Context, orderCode int64) (*payos.Status, error)
	cancelErr   error
	createCalls int
	cancelCalls int
}

func (g *fakeGateway) CreateLink(ctx context.Context, req payos.CreateLinkRequest) (*payos.Link, error) {
	g.mu.Lock()
	g.createCalls++
	fn := g.createLink
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &payos.Link{
		PaymentLinkID: fmt.Sprintf("link-%d", req.OrderCode),
		CheckoutURL:   fmt.Sprintf("https://pay.example/%d", req.OrderCode),
	}, nil
}

func (g *fakeGateway) GetStatus(ctx context.Context, orderCode int64) (*payos.Status, error) {
	if g.getStatus != nil {
		return g.getStatus(ctx, orderCode)
	}
	return &payos.Status{OrderCode: orderCode, Status: payos.GatewayStatusPending}, nil
}

func (g *fakeGateway) CancelLink(ctx context.Context, orderCode int64, reason string) error {
	g.mu.Lock()
	g.cancelCalls++
	g.mu.Unlock()
	return g.cancelErr
}

func (g *fakeGateway) VerifyWebhook(rawBody []byte, signature string) bool {
	return signature == "valid"
}

type published struct {
	key   string
	event DeadLetterEvent
}

type fakeDeadLetters struct {
	mu     sync.Mutex
	events []published
}

func (f *fakeDeadLetters) PublishJSON(_ context.Context, key string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{key: key, event: v.(DeadLetterEvent)})
	return nil
}

func (f *fakeDeadLetters) byRoute(key string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.events {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	engine        *Engine
	records       *fakeRecords
	appointments  *fakeAppointments
	consultations *fakeConsultations
	gateway       *fakeGateway
	deadLetters   *fakeDeadLetters
}

func newFixture() *fixture {
	f := &fixture{
		records:       newFakeRecords(),
		appointments:  newFakeAppointments(),
		consultations: newFakeConsultations(),
		gateway:       &fakeGateway{},
		deadLetters:   &fakeDeadLetters{},
	}
	f.engine = NewEngine(f.records, f.appointments, f.consultations, f.gateway, f.deadLetters, Windows{
		Appointment:  15 * time.Minute,
		Consultation: 10 * time.Minute,
		PollTimeout:  time.Second,
	})
	return f
}

func (f *fixture) seedAppointment(id, userID uint, amount int64) {
	svc := uint(1)
	f.appointments.put(&models.Appointment{
		ID:            id,
		UserID:        userID,
		ServiceID:     &svc,
		Status:        models.AppointmentPendingPayment,
		PaymentStatus: models.PaymentStatusUnpaid,
		TotalAmount:   amount,
	})
}

func (f *fixture) seedConsultation(id, userID uint, amount int64) {
	f.consultations.put(&models.Consultation{
		ID:            id,
		UserID:        userID,
		Status:        models.ConsultationPendingPayment,
		PaymentStatus: models.PaymentStatusUnpaid,
		TotalAmount:   amount,
	})
}

func (f *fixture) openAppointmentLink(t *testing.T, id uint) *LinkOutput {
	t.Helper()
	out, err := f.engine.CreateAppointmentLink(context.Background(), CreateLinkInput{
		BookingID: id,
		UserID:    0,
		ReturnURL: "https://app.example/return",
		CancelURL: "https://app.example/cancel",
	})
	require.NoError(t, err)
	return out
}

func webhookBody(t *testing.T, orderCode int64, gwCode string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"orderCode": orderCode,
		"code":      gwCode,
		"desc":      "test event",
		"data": map[string]any{
			"reference":           "FT123456",
			"amount":              500000,
			"transactionDateTime": "2026-03-01 12:00:00",
		},
	})
	require.NoError(t, err)
	return b
}

func TestCreateAppointmentLinkPersistsRecordBeforeGatewaySession(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)

	f.gateway.createLink = func(ctx context.Context, req payos.CreateLinkRequest) (*payos.Link, error) {
		// By the time the gateway session opens, the lookup row must exist.
		rec, err := f.records.GetByOrderCode(req.OrderCode)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, models.RecordPending, rec.Status)
		return &payos.Link{PaymentLinkID: "lnk", CheckoutURL: "https://pay.example/lnk"}, nil
	}

	out := f.openAppointmentLink(t, 1)
	assert.NotZero(t, out.OrderCode)
	assert.LessOrEqual(t, out.OrderCode, int64(ordercode.Max))
	assert.Equal(t, "https://pay.example/lnk", out.CheckoutURL)
	assert.Equal(t, int64(500000), out.Amount)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	require.NotNil(t, rec)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, "lnk", rec.GatewayLinkID)
}

func TestCreateAppointmentLinkReusesPendingSession(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)

	first := f.openAppointmentLink(t, 1)
	second := f.openAppointmentLink(t, 1)

	assert.Equal(t, first.OrderCode, second.OrderCode)
	assert.Equal(t, first.CheckoutURL, second.CheckoutURL)
	assert.Equal(t, 1, f.gateway.createCalls)
	assert.Equal(t, 1, f.records.createCalls)
}

func TestCreateLinkGatewayRejectedLeavesNoPendingRecord(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	f.gateway.createLink = func(ctx context.Context, req payos.CreateLinkRequest) (*payos.Link, error) {
		return nil, fmt.Errorf("%w: bad amount", payos.ErrGatewayRejected)
	}

	_, err := f.engine.CreateAppointmentLink(context.Background(), CreateLinkInput{
		BookingID: 1, ReturnURL: "r", CancelURL: "c",
	})
	require.ErrorIs(t, err, payos.ErrGatewayRejected)

	rec, err := f.records.FindPendingByAppointment(1)
	require.NoError(t, err)
	assert.Nil(t, rec, "rejected link creation must not leave a dangling pending record")
}

func TestCreateLinkRetriesOrderCodeCollisions(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	f.records.dupRemaining = 2

	out := f.openAppointmentLink(t, 1)
	assert.NotZero(t, out.OrderCode)
	assert.Equal(t, 3, f.records.createCalls)
}

func TestCreateLinkExhaustsCollisionBudget(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	f.records.dupRemaining = ordercode.CollisionBudget + 1

	_, err := f.engine.CreateAppointmentLink(context.Background(), CreateLinkInput{
		BookingID: 1, ReturnURL: "r", CancelURL: "c",
	})
	assert.ErrorIs(t, err, ordercode.ErrCollisionBudgetExhausted)
	assert.Equal(t, 0, f.gateway.createCalls, "no gateway session without a persisted record")
}

func TestCreateLinkChecksBookingState(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)

	_, err := f.engine.CreateAppointmentLink(context.Background(), CreateLinkInput{BookingID: 99, ReturnURL: "r", CancelURL: "c"})
	assert.ErrorIs(t, err, ErrBookingNotFound)

	_, err = f.engine.CreateAppointmentLink(context.Background(), CreateLinkInput{BookingID: 1, UserID: 77, ReturnURL: "r", CancelURL: "c"})
	assert.ErrorIs(t, err, ErrNotOwner)

	f.appointments.byID[1].Status = models.AppointmentConfirmed
	_, err = f.engine.CreateAppointmentLink(context.Background(), CreateLinkInput{BookingID: 1, UserID: 10, ReturnURL: "r", CancelURL: "c"})
	assert.ErrorIs(t, err, ErrNotPayable)
}

func TestWebhookSuccessCascadesIntoAppointment(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	err := f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "00"), "valid")
	require.NoError(t, err)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordSuccess, rec.Status)
	assert.Nil(t, rec.ExpiresAt, "terminal transition must clear expires_at")
	assert.True(t, rec.WebhookReceived)
	assert.NotNil(t, rec.WebhookReceivedAt)
	assert.Contains(t, rec.TransactionInfo, "FT123456")

	appt, _ := f.appointments.GetByID(1)
	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.Equal(t, models.PaymentStatusPaid, appt.PaymentStatus)
	assert.NotNil(t, appt.PaidAt)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	body := webhookBody(t, out.OrderCode, "00")

	for i := 0; i < 5; i++ {
		require.NoError(t, f.engine.HandleWebhook(context.Background(), body, "valid"))
	}

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordSuccess, rec.Status)
	assert.Equal(t, 1, f.appointments.markPaidCalls, "replay must not re-run the cascade")
	assert.Empty(t, f.deadLetters.events, "replaying the winning outcome is not an integrity event")
}

func TestWebhookFailureDemotesBookingKeepingSlot(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	err := f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "07"), "valid")
	require.NoError(t, err)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordFailed, rec.Status)
	assert.Nil(t, rec.ExpiresAt)

	appt, _ := f.appointments.GetByID(1)
	assert.Equal(t, models.AppointmentPending, appt.Status, "slot stays reserved for a payment retry")
	assert.Equal(t, models.PaymentStatusUnpaid, appt.PaymentStatus)
}

func TestWebhookInvalidSignatureAppliesNothing(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	err := f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "00"), "forged")
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordPending, rec.Status)
	assert.Equal(t, 0, f.appointments.markPaidCalls)
}

func TestWebhookOrphanOrderCodeDeadLetters(t *testing.T) {
	f := newFixture()

	err := f.engine.HandleWebhook(context.Background(), webhookBody(t, 424242, "00"), "valid")
	require.NoError(t, err, "orphans are acknowledged, not errored")

	orphans := f.deadLetters.byRoute(RouteOrphan)
	require.Len(t, orphans, 1)
	assert.Equal(t, int64(424242), orphans[0].event.OrderCode)
	assert.Equal(t, models.SourceWebhook, orphans[0].event.Source)
}

func TestLateSuccessAfterExpiryDeadLetters(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	// Sweep wins first.
	changed, err := f.records.ApplyTransition(out.OrderCode, models.RecordExpired, "", models.SourceSweeper)
	require.NoError(t, err)
	require.True(t, changed)

	err = f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "00"), "valid")
	require.NoError(t, err)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordExpired, rec.Status, "first terminal transition wins")

	late := f.deadLetters.byRoute(RouteLateSuccess)
	require.Len(t, late, 1)
	assert.Equal(t, out.OrderCode, late[0].event.OrderCode)
	assert.Equal(t, models.RecordExpired, late[0].event.RecordStatus)
	assert.Equal(t, models.RecordSuccess, late[0].event.GatewayStatus)
}

func TestPollAppliesGatewayStatus(t *testing.T) {
	tests := []struct {
		gateway    string
		wantRecord string
		wantAppt   string
	}{
		{payos.GatewayStatusPaid, models.RecordSuccess, models.AppointmentConfirmed},
		{payos.GatewayStatusCancelled, models.RecordCancelled, models.AppointmentPending},
		{payos.GatewayStatusExpired, models.RecordExpired, models.AppointmentExpired},
		{payos.GatewayStatusPending, models.RecordPending, models.AppointmentPendingPayment},
		{payos.GatewayStatusProcessing, models.RecordPending, models.AppointmentPendingPayment},
	}
	for _, tt := range tests {
		t.Run(tt.gateway, func(t *testing.T) {
			f := newFixture()
			f.seedAppointment(1, 10, 500000)
			out := f.openAppointmentLink(t, 1)
			f.gateway.getStatus = func(ctx context.Context, orderCode int64) (*payos.Status, error) {
				return &payos.Status{OrderCode: orderCode, Status: tt.gateway}, nil
			}

			rec, err := f.engine.Poll(context.Background(), out.OrderCode)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRecord, rec.Status)

			appt, _ := f.appointments.GetByID(1)
			assert.Equal(t, tt.wantAppt, appt.Status)
		})
	}
}

func TestPollGatewayFailureLeavesRecordPending(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	f.gateway.getStatus = func(ctx context.Context, orderCode int64) (*payos.Status, error) {
		return nil, fmt.Errorf("%w: connection refused", payos.ErrGatewayUnavailable)
	}

	rec, err := f.engine.Poll(context.Background(), out.OrderCode)
	require.NoError(t, err, "a gateway outage is not the caller's problem")
	assert.Equal(t, models.RecordPending, rec.Status)
	require.NotNil(t, rec.ExpiresAt)
}

func TestPollUnknownOrderCode(t *testing.T) {
	f := newFixture()
	_, err := f.engine.Poll(context.Background(), 999)
	assert.ErrorIs(t, err, ErrUnknownOrderCode)
}

func TestPollTerminalRecordSkipsGateway(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	require.NoError(t, f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "00"), "valid"))

	called := false
	f.gateway.getStatus = func(ctx context.Context, orderCode int64) (*payos.Status, error) {
		called = true
		return nil, errors.New("should not be called")
	}
	rec, err := f.engine.Poll(context.Background(), out.OrderCode)
	require.NoError(t, err)
	assert.Equal(t, models.RecordSuccess, rec.Status)
	assert.False(t, called)
}

func TestCancelRidesTheSameTransitionRules(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	rec, err := f.engine.Cancel(context.Background(), out.OrderCode, 10, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.RecordCancelled, rec.Status)
	assert.Equal(t, 1, f.gateway.cancelCalls)

	appt, _ := f.appointments.GetByID(1)
	assert.Equal(t, models.AppointmentPending, appt.Status, "cancellation keeps the slot for a retry")

	// Cancelling again is a no-op and does not re-hit the gateway.
	rec, err = f.engine.Cancel(context.Background(), out.OrderCode, 10, "again")
	require.NoError(t, err)
	assert.Equal(t, models.RecordCancelled, rec.Status)
	assert.Equal(t, 1, f.gateway.cancelCalls)
}

func TestCancelByStrangerIsForbidden(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	_, err := f.engine.Cancel(context.Background(), out.OrderCode, 77, "not mine")
	assert.ErrorIs(t, err, ErrNotOwner)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordPending, rec.Status)
}

func TestCancelGatewayFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	f.gateway.cancelErr = errors.New("gateway down")

	rec, err := f.engine.Cancel(context.Background(), out.OrderCode, 10, "reason")
	require.NoError(t, err, "local terminal state wins even if the gateway call fails")
	assert.Equal(t, models.RecordCancelled, rec.Status)
}

func TestExpireDueSweepsOnlyDuePendingRecords(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	f.seedAppointment(2, 11, 300000)
	dueOut := f.openAppointmentLink(t, 1)
	freshOut := f.openAppointmentLink(t, 2)

	// Push the first record past its window.
	f.records.mu.Lock()
	past := time.Now().Add(-time.Minute)
	f.records.byCode[dueOut.OrderCode].ExpiresAt = &past
	f.records.mu.Unlock()

	n, err := f.engine.ExpireDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dueRec, _ := f.records.GetByOrderCode(dueOut.OrderCode)
	assert.Equal(t, models.RecordExpired, dueRec.Status)
	assert.Nil(t, dueRec.ExpiresAt)

	appt1, _ := f.appointments.GetByID(1)
	assert.Equal(t, models.AppointmentExpired, appt1.Status, "expiry releases the slot")

	freshRec, _ := f.records.GetByOrderCode(freshOut.OrderCode)
	assert.Equal(t, models.RecordPending, freshRec.Status)
	appt2, _ := f.appointments.GetByID(2)
	assert.Equal(t, models.AppointmentPendingPayment, appt2.Status)

	// A second pass finds nothing: terminal records are never swept again.
	n, err = f.engine.ExpireDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsultationExpiryCancels(t *testing.T) {
	f := newFixture()
	f.seedConsultation(5, 20, 200000)

	out, err := f.engine.CreateConsultationLink(context.Background(), CreateLinkInput{
		BookingID: 5, UserID: 20, ReturnURL: "r", CancelURL: "c",
	})
	require.NoError(t, err)

	f.records.mu.Lock()
	past := time.Now().Add(-time.Minute)
	f.records.byCode[out.OrderCode].ExpiresAt = &past
	f.records.mu.Unlock()

	_, err = f.engine.ExpireDue(context.Background(), 100)
	require.NoError(t, err)

	cons, _ := f.consultations.GetByID(5)
	assert.Equal(t, models.ConsultationCancelled, cons.Status)
}

func TestConsultationSuccessSchedules(t *testing.T) {
	f := newFixture()
	f.seedConsultation(5, 20, 200000)
	out, err := f.engine.CreateConsultationLink(context.Background(), CreateLinkInput{
		BookingID: 5, UserID: 20, ReturnURL: "r", CancelURL: "c",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "00"), "valid"))

	cons, _ := f.consultations.GetByID(5)
	assert.Equal(t, models.ConsultationScheduled, cons.Status)
	assert.Equal(t, models.PaymentStatusPaid, cons.PaymentStatus)
}

func TestWebhookRedeliveryCompletesInterruptedCascade(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	body := webhookBody(t, out.OrderCode, "00")

	// First delivery commits the record but dies before the booking write.
	f.appointments.markPaidFailures = 1
	err := f.engine.HandleWebhook(context.Background(), body, "valid")
	require.Error(t, err)

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	require.Equal(t, models.RecordSuccess, rec.Status)
	appt, _ := f.appointments.GetByID(1)
	require.Equal(t, models.AppointmentPendingPayment, appt.Status)
	require.Equal(t, models.PaymentStatusUnpaid, appt.PaymentStatus)

	// The gateway redelivers on non-2xx; the replay finishes the cascade.
	require.NoError(t, f.engine.HandleWebhook(context.Background(), body, "valid"))

	appt, _ = f.appointments.GetByID(1)
	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.Equal(t, models.PaymentStatusPaid, appt.PaymentStatus)
	require.NotNil(t, appt.PaidAt)
	assert.Equal(t, 1, f.appointments.markPaidCalls)
	assert.Empty(t, f.deadLetters.byRoute(RouteLateSuccess), "an agreeing redelivery is repair, not an integrity event")
}

func TestConcurrentWebhookAndPollCascadeExactlyOnce(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	f.gateway.getStatus = func(ctx context.Context, orderCode int64) (*payos.Status, error) {
		return &payos.Status{OrderCode: orderCode, Status: payos.GatewayStatusPaid}, nil
	}
	body := webhookBody(t, out.OrderCode, "00")

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers * 2)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_ = f.engine.HandleWebhook(context.Background(), body, "valid")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, _ = f.engine.Poll(context.Background(), out.OrderCode)
		}()
	}
	close(start)
	wg.Wait()

	rec, _ := f.records.GetByOrderCode(out.OrderCode)
	assert.Equal(t, models.RecordSuccess, rec.Status)
	assert.Equal(t, 1, f.appointments.markPaidCalls, "exactly one winner runs the cascade")
	assert.Empty(t, f.deadLetters.byRoute(RouteLateSuccess), "agreeing outcomes are not integrity events")

	appt, _ := f.appointments.GetByID(1)
	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.Equal(t, models.PaymentStatusPaid, appt.PaymentStatus)
}

func TestStatusViewJoinsBookingState(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)
	require.NoError(t, f.engine.HandleWebhook(context.Background(), webhookBody(t, out.OrderCode, "00"), "valid"))

	view, err := f.engine.Status(context.Background(), out.OrderCode, 10)
	require.NoError(t, err)
	assert.Equal(t, models.RecordSuccess, view.Record.Status)
	assert.Equal(t, models.AppointmentConfirmed, view.BookingStatus)
	assert.Equal(t, models.PaymentStatusPaid, view.PaymentStatus)
	assert.NotNil(t, view.PaidAt)
	assert.Equal(t, uint(10), view.OwnerID)
}

func TestStatusByStrangerNeverReachesGateway(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	polled := false
	f.gateway.getStatus = func(ctx context.Context, orderCode int64) (*payos.Status, error) {
		polled = true
		return &payos.Status{OrderCode: orderCode, Status: payos.GatewayStatusPending}, nil
	}

	_, err := f.engine.Status(context.Background(), out.OrderCode, 77)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.False(t, polled, "a stranger must not trigger outbound polls")
}

func TestStatusWithMissingBookingIsWithheld(t *testing.T) {
	f := newFixture()
	f.seedAppointment(1, 10, 500000)
	out := f.openAppointmentLink(t, 1)

	// Booking row gone, record orphaned: owner resolves to 0, nobody matches.
	f.appointments.mu.Lock()
	delete(f.appointments.byID, 1)
	f.appointments.mu.Unlock()

	_, err := f.engine.Status(context.Background(), out.OrderCode, 10)
	assert.ErrorIs(t, err, ErrNotOwner)
}
