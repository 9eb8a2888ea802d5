package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/santamore/feeds/internal/models"
	"github.com/santamore/feeds/internal/testutil"
)

type stubGateway struct {
	mu      sync.Mutex
	calls   []PromptRequest
	ack     *PromptAck
	err     error
	counter int
}

func (g *stubGateway) RequestPrompt(_ context.Context, prompt PromptRequest) (*PromptAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, prompt)
	if g.err != nil {
		return nil, g.err
	}
	if g.ack != nil {
		return g.ack, nil
	}
	g.counter++
	return &PromptAck{
		MerchantRequestID: "mr-" + uuid.NewString()[:8],
		CheckoutRequestID: "ws_CO_" + uuid.NewString()[:12],
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

type fixture struct {
	db      *gorm.DB
	store   *GormPaymentStore
	gateway *stubGateway
	svc     *PaymentService
	user    models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	store := NewGormPaymentStore(db)
	gateway := &stubGateway{}
	return &fixture{
		db:      db,
		store:   store,
		gateway: gateway,
		svc:     NewPaymentService(store, gateway, nil, 15*time.Minute),
		user:    testutil.CreateUser(t, db, "0712345678"),
	}
}

func (f *fixture) reloadPayment(t *testing.T, id uuid.UUID) models.Payment {
	t.Helper()
	var p models.Payment
	require.NoError(t, f.db.First(&p, "id = ?", id).Error)
	return p
}

func (f *fixture) reloadOrder(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, f.db.First(&o, "id = ?", id).Error)
	return o
}

func TestInitiateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	first, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)
	second, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.PaymentStatusPending, first.Status)
	assert.Equal(t, int64(1500), first.Amount.IntPart())
	assert.Equal(t, "0712345678", first.PhoneNumber)
	assert.Equal(t, "ORD"+order.OrderNumber, first.AccountReference)
	assert.Empty(t, first.ExternalReceipt)
	assert.Nil(t, first.TransactionTime)

	var count int64
	require.NoError(t, f.db.Model(&models.Payment{}).Where("order_id = ?", order.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInitiateConcurrentCallsShareOnePayment(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 800)

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.Initiate(context.Background(), f.user.ID, order.ID)
			if assert.NoError(t, err) {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestInitiateRejectsOrderOfAnotherUser(t *testing.T) {
	f := newFixture(t)
	other := testutil.CreateUser(t, f.db, "0799999999")
	order := testutil.CreateOrder(t, f.db, other.ID, 1500)

	_, err := f.svc.Initiate(context.Background(), f.user.ID, order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.svc.Initiate(context.Background(), f.user.ID, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestTriggerPromptRecordsCorrelation(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	_, ack, err := f.svc.TriggerPrompt(ctx, f.user.ID, payment.ID)
	require.NoError(t, err)

	require.Len(t, f.gateway.calls, 1)
	assert.Equal(t, "0712345678", f.gateway.calls[0].Phone)
	assert.Equal(t, int64(1500), f.gateway.calls[0].Amount)
	assert.Equal(t, payment.AccountReference, f.gateway.calls[0].AccountReference)

	matched, err := f.store.FindPaymentByPrompt(ctx, ack.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, matched.ID)

	// The prompt only reached the handset; nothing is paid yet.
	assert.Equal(t, models.PaymentStatusPending, f.reloadPayment(t, payment.ID).Status)
	assert.Equal(t, models.OrderStatusPendingPayment, f.reloadOrder(t, order.ID).Status)
}

func TestTriggerPromptGatewayFailureLeavesPaymentUntouched(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	for _, gwErr := range []error{
		&CredentialFetchError{Err: errors.New("401")},
		&GatewayUnreachableError{Err: errors.New("timeout")},
		&PromptRejectedError{Code: "1", Reason: "Invalid PhoneNumber"},
	} {
		f.gateway.err = gwErr
		_, _, err := f.svc.TriggerPrompt(ctx, f.user.ID, payment.ID)
		assert.ErrorIs(t, err, gwErr)
		assert.True(t, IsRetryable(err))

		after := f.reloadPayment(t, payment.ID)
		assert.Equal(t, models.PaymentStatusPending, after.Status)
		assert.Empty(t, after.ExternalReceipt)
	}

	var prompts int64
	require.NoError(t, f.db.Model(&models.PaymentPrompt{}).Count(&prompts).Error)
	assert.Zero(t, prompts)
}

func TestTriggerPromptRequiresPendingOwnedPayment(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	_, _, err = f.svc.TriggerPrompt(ctx, uuid.New(), payment.ID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, _, err = f.svc.ManualConfirm(ctx, payment.ID)
	require.NoError(t, err)

	_, _, err = f.svc.TriggerPrompt(ctx, f.user.ID, payment.ID)
	assert.ErrorIs(t, err, ErrPaymentNotPending)
	assert.Empty(t, f.gateway.calls)
}

func TestTriggerPromptRefusesStalePayment(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	stale, ack, err := f.svc.TriggerPrompt(ctx, f.user.ID, payment.ID)
	assert.ErrorIs(t, err, ErrPaymentNotPending)
	assert.Nil(t, ack)
	require.NotNil(t, stale)
	assert.Equal(t, models.PaymentStatusFailed, stale.Status)
	assert.Equal(t, "expired", stale.FailureReason)
	assert.Empty(t, f.gateway.calls)
}

func TestAccountReferenceFitsGatewayLimit(t *testing.T) {
	id := uuid.MustParse("8f1c2d3e-4b5a-6978-8a9b-0c1d2e3f4a5b")
	cases := []struct {
		name   string
		number string
		want   string
	}{
		{"short number", "A1B2C3D4", "ORDA1B2C3D4"},
		{"hash prefix", "#1042", "ORD1042"},
		{"long number", "2024-000123456", "ORD2024-0001"},
		{"no number", "", "ORD8F1C2D3E4"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref := accountReference(&models.Order{BaseModel: models.BaseModel{ID: id}, OrderNumber: tc.number})
			assert.Equal(t, tc.want, ref)
			assert.LessOrEqual(t, len(ref), 12)
		})
	}
}

func TestManualConfirmCompletesOnce(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	confirmed, applied, err := f.svc.ManualConfirm(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.PaymentStatusCompleted, confirmed.Status)
	assert.Regexp(t, `^DEMO[0-9A-F]{10}$`, confirmed.ExternalReceipt)
	require.NotNil(t, confirmed.TransactionTime)
	assert.Equal(t, models.OrderStatusPaid, f.reloadOrder(t, order.ID).Status)

	again, applied, err := f.svc.ManualConfirm(ctx, payment.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, confirmed.ExternalReceipt, again.ExternalReceipt)
	assert.True(t, confirmed.TransactionTime.Equal(*again.TransactionTime))
}

func TestManualConfirmRefusesFailedPayment(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)
	applied, err := f.store.Fail(ctx, payment.ID, "Request cancelled by user")
	require.NoError(t, err)
	require.True(t, applied)

	_, _, err = f.svc.ManualConfirm(ctx, payment.ID)
	assert.ErrorIs(t, err, ErrPaymentNotPending)

	after := f.reloadPayment(t, payment.ID)
	assert.Equal(t, models.PaymentStatusFailed, after.Status)
	assert.Empty(t, after.ExternalReceipt)
	assert.Equal(t, models.OrderStatusPendingPayment, f.reloadOrder(t, order.ID).Status)

	_, _, err = f.svc.ManualConfirm(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestGetExpiresStalePendingPayment(t *testing.T) {
	f := newFixture(t)
	order := testutil.CreateOrder(t, f.db, f.user.ID, 1500)
	ctx := context.Background()

	payment, err := f.svc.Initiate(ctx, f.user.ID, order.ID)
	require.NoError(t, err)

	fresh, err := f.svc.Get(ctx, f.user.ID, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, fresh.Status)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	stale, err := f.svc.Get(ctx, f.user.ID, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stale.Status)
	assert.Equal(t, "expired", stale.FailureReason)
	assert.Equal(t, models.OrderStatusPendingPayment, f.reloadOrder(t, order.ID).Status)

	_, err = f.svc.Get(ctx, uuid.New(), payment.ID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestExpireStaleOnlyTouchesOldPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.svc.Initiate(ctx, f.user.ID, testutil.CreateOrder(t, f.db, f.user.ID, 100).ID)
	require.NoError(t, err)
	done, err := f.svc.Initiate(ctx, f.user.ID, testutil.CreateOrder(t, f.db, f.user.ID, 200).ID)
	require.NoError(t, err)
	_, _, err = f.svc.ManualConfirm(ctx, done.ID)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.Payment{}).
		Where("id IN ?", []uuid.UUID{old.ID, done.ID}).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	young, err := f.svc.Initiate(ctx, f.user.ID, testutil.CreateOrder(t, f.db, f.user.ID, 300).ID)
	require.NoError(t, err)

	n, err := f.svc.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.PaymentStatusFailed, f.reloadPayment(t, old.ID).Status)
	assert.Equal(t, models.PaymentStatusCompleted, f.reloadPayment(t, done.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, f.reloadPayment(t, young.ID).Status)
}

func TestExpirySweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := NewExpirySweeper(f.svc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestListPaymentsFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Initiate(ctx, f.user.ID, testutil.CreateOrder(t, f.db, f.user.ID, 100).ID)
	require.NoError(t, err)
	_, err = f.svc.Initiate(ctx, f.user.ID, testutil.CreateOrder(t, f.db, f.user.ID, 200).ID)
	require.NoError(t, err)
	_, _, err = f.svc.ManualConfirm(ctx, a.ID)
	require.NoError(t, err)

	pending, total, err := f.svc.List(ctx, PaymentFilter{Status: models.PaymentStatusPending, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, pending, 1)
	assert.NotEqual(t, a.ID, pending[0].ID)

	all, total, err := f.svc.List(ctx, PaymentFilter{UserID: &f.user.ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, models.CanTransition(models.PaymentStatusPending, models.PaymentStatusCompleted))
	assert.True(t, models.CanTransition(models.PaymentStatusPending, models.PaymentStatusFailed))
	assert.False(t, models.CanTransition(models.PaymentStatusCompleted, models.PaymentStatusPending))
	assert.False(t, models.CanTransition(models.PaymentStatusFailed, models.PaymentStatusCompleted))
	assert.False(t, models.CanTransition(models.PaymentStatusCompleted, models.PaymentStatusFailed))
}
