package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campaign-billing/internal/gateway"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/notify"
)

func chargePayload(event, reference string, minor int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"data":{"reference":%q,"status":"success","amount":%d,"channel":"card"}}`,
		event, reference, minor))
}

func (e *testEnv) createOrder(t *testing.T, user model.AuthenticatedUser, itemID string) *model.Order {
	t.Helper()
	o, err := e.svc.CreateOrder(context.Background(), user, CreateOrderInput{
		Email:        user.ID + "@example.com",
		Items:        []model.OrderItem{{Name: "press release", Quantity: 1, UnitPrice: dec(500)}},
		LinkedItemID: itemID,
	})
	require.NoError(t, err)
	return o
}

func countSteps(tl *model.Timeline, step model.Step) int {
	n := 0
	for _, s := range tl.Steps {
		if s.Step == step {
			n++
		}
	}
	return n
}

func TestHandleCallback_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.repo.SetCart(alice.ID, []model.OrderItem{{Name: "press release", Quantity: 1, UnitPrice: dec(500)}})
	o := env.createOrder(t, alice, "pr-1")

	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 50000)
	sig := gateway.Sign(testWebhookSecret, payload)

	require.NoError(t, env.svc.HandleCallback(ctx, payload, sig))
	require.NoError(t, env.svc.HandleCallback(ctx, payload, sig))

	orders, err := env.svc.ListOrders(ctx, alice)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderCompleted, orders[0].Status)
	assert.Equal(t, model.PaymentSuccessful, orders[0].PaymentStatus)
	assert.Equal(t, "card", orders[0].Channel)

	tl, err := env.svc.GetTimeline(ctx, alice, "pr-1", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.StepPaymentCompleted, tl.CurrentStep)
	assert.Equal(t, 1, countSteps(tl, model.StepPaymentCompleted))
	assert.Len(t, tl.Steps, 3)

	assert.Empty(t, env.repo.Cart(alice.ID))
	assert.Empty(t, env.notifier.Retries())
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 50000)

	err := env.svc.HandleCallback(ctx, payload, gateway.Sign("wrong-secret", payload))
	assert.ErrorIs(t, err, model.ErrInvalidSignature)

	got, err := env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
}

func TestHandleCallback_UnknownReferenceAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	payload := chargePayload(gateway.EventChargeSuccess, "missing-ref", 100)

	require.NoError(t, env.svc.HandleCallback(context.Background(), payload, gateway.Sign(testWebhookSecret, payload)))

	anomalies := env.notifier.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, notify.AnomalyUnknownReference, anomalies[0].Kind)
	assert.Equal(t, "missing-ref", anomalies[0].Reference)
}

func TestHandleCallback_IgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	payload := chargePayload("transfer.success", o.Reference, 50000)
	require.NoError(t, env.svc.HandleCallback(ctx, payload, gateway.Sign(testWebhookSecret, payload)))

	got, err := env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
}

func TestHandleCallback_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{"event":`)

	err := env.svc.HandleCallback(context.Background(), payload, gateway.Sign(testWebhookSecret, payload))
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestHandleCallback_AmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 100)
	require.NoError(t, env.svc.HandleCallback(ctx, payload, gateway.Sign(testWebhookSecret, payload)))

	got, err := env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)

	anomalies := env.notifier.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, notify.AnomalyAmountMismatch, anomalies[0].Kind)
}

func TestHandleCallback_SecondaryFailureStillAcknowledges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.repo.SetCart(alice.ID, []model.OrderItem{{Name: "press release", Quantity: 1, UnitPrice: dec(500)}})
	o := env.createOrder(t, alice, "pr-2")

	env.repo.clearCartFailures = 1
	env.repo.trackerFailures = 1

	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 50000)
	require.NoError(t, env.svc.HandleCallback(ctx, payload, gateway.Sign(testWebhookSecret, payload)))

	got, err := env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)

	retries := env.notifier.Retries()
	require.Len(t, retries, 2)
	assert.Equal(t, notify.EffectAdvanceTracker, retries[0].Effect)
	assert.Equal(t, "pr-2", retries[0].ItemID)
	assert.Equal(t, notify.EffectClearCart, retries[1].Effect)
	for _, task := range retries {
		assert.Equal(t, 1, task.Attempt)
		assert.Equal(t, errInjected.Error(), task.LastError)
	}

	tl, err := env.svc.GetTimeline(ctx, alice, "pr-2", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.StepPaymentPending, tl.CurrentStep)

	for _, task := range retries {
		require.NoError(t, env.svc.RetrySecondaryEffect(ctx, task))
	}

	tl, err = env.svc.GetTimeline(ctx, alice, "pr-2", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.StepPaymentCompleted, tl.CurrentStep)
	assert.Empty(t, env.repo.Cart(alice.ID))
	assert.Len(t, env.notifier.Retries(), 2)

	// повтор уже выполненного эффекта ничего не меняет
	require.NoError(t, env.svc.RetrySecondaryEffect(ctx, retries[0]))
	tl, err = env.svc.GetTimeline(ctx, alice, "pr-2", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, countSteps(tl, model.StepPaymentCompleted))
}

func TestRetrySecondaryEffect_Exhausted(t *testing.T) {
	env := newTestEnv(t)
	env.repo.clearCartFailures = 10

	task := notify.RetryTask{Effect: notify.EffectClearCart, Reference: "ref", UserID: alice.ID, Attempt: 1}
	require.NoError(t, env.svc.RetrySecondaryEffect(context.Background(), task))

	retries := env.notifier.Retries()
	require.Len(t, retries, 1)
	assert.Equal(t, 2, retries[0].Attempt)

	require.NoError(t, env.svc.RetrySecondaryEffect(context.Background(), retries[0]))
	assert.Len(t, env.notifier.Retries(), 1)

	anomalies := env.notifier.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, notify.AnomalyRetryExhausted, anomalies[0].Kind)
}

func TestRetrySecondaryEffect_UnknownEffect(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.RetrySecondaryEffect(context.Background(), notify.RetryTask{Effect: "send_email"})
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestVerifyAndComplete_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "pr-3")

	env.gw.On("Verify", mock.Anything, o.Reference).
		Return(&gateway.Verification{Reference: o.Reference, Status: gateway.StatusSuccess, Amount: dec(500), Channel: "bank"}, nil).Once()

	got, err := env.svc.VerifyAndComplete(ctx, alice, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)

	// последующий вебхук считается повторной доставкой
	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 50000)
	require.NoError(t, env.svc.HandleCallback(ctx, payload, gateway.Sign(testWebhookSecret, payload)))

	// завершённый заказ не обращается к шлюзу повторно
	got, err = env.svc.VerifyAndComplete(ctx, alice, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, "bank", got.Channel)

	tl, err := env.svc.GetTimeline(ctx, alice, "pr-3", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, countSteps(tl, model.StepPaymentCompleted))
	env.gw.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerifyAndComplete_GatewayUnavailableKeepsPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	env.gw.On("Verify", mock.Anything, o.Reference).Return(nil, fmt.Errorf("%w: timeout", model.ErrGatewayUnavailable))

	_, err := env.svc.VerifyAndComplete(ctx, alice, o.Reference)
	assert.ErrorIs(t, err, model.ErrGatewayUnavailable)

	got, err := env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)
}

func TestVerifyAndComplete_Failed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	env.gw.On("Verify", mock.Anything, o.Reference).
		Return(&gateway.Verification{Reference: o.Reference, Status: gateway.StatusAbandoned}, nil)

	got, err := env.svc.VerifyAndComplete(ctx, alice, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, got.Status)
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)

	// поздний успешный вебхук всё равно применяется
	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 50000)
	require.NoError(t, env.svc.HandleCallback(ctx, payload, gateway.Sign(testWebhookSecret, payload)))

	got, err = env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)
}

func TestVerifyAndComplete_AmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	env.gw.On("Verify", mock.Anything, o.Reference).
		Return(&gateway.Verification{Reference: o.Reference, Status: gateway.StatusSuccess, Amount: dec(5)}, nil)

	got, err := env.svc.VerifyAndComplete(ctx, alice, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
	require.Len(t, env.notifier.Anomalies(), 1)
	assert.Equal(t, notify.AnomalyAmountMismatch, env.notifier.Anomalies()[0].Kind)
}

func TestVerifyAndComplete_OtherUsersOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, alice, "")

	_, err := env.svc.VerifyAndComplete(context.Background(), bob, o.Reference)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.svc.VerifyAndComplete(context.Background(), bob, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestVerifyAndWebhookRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "pr-race")

	env.gw.On("Verify", mock.Anything, o.Reference).
		Return(&gateway.Verification{Reference: o.Reference, Status: gateway.StatusSuccess, Amount: dec(500), Channel: "card"}, nil).Maybe()

	payload := chargePayload(gateway.EventChargeSuccess, o.Reference, 50000)
	sig := gateway.Sign(testWebhookSecret, payload)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.svc.VerifyAndComplete(ctx, alice, o.Reference)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, env.svc.HandleCallback(ctx, payload, sig))
		}()
	}
	wg.Wait()

	tl, err := env.svc.GetTimeline(ctx, alice, "pr-race", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, countSteps(tl, model.StepPaymentCompleted))
}

func TestSweepPendingOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	paid := env.createOrder(t, alice, "")
	unavailable := env.createOrder(t, bob, "")

	env.gw.On("Verify", mock.Anything, paid.Reference).
		Return(&gateway.Verification{Reference: paid.Reference, Status: gateway.StatusSuccess, Amount: dec(500)}, nil)
	env.gw.On("Verify", mock.Anything, unavailable.Reference).
		Return(nil, errors.New("decode response: unexpected EOF"))

	// заказы ещё слишком свежие
	env.svc.sweepPendingOrders(ctx)
	env.gw.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)

	env.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	env.svc.sweepPendingOrders(ctx)

	got, err := env.repo.GetOrder(ctx, paid.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)

	got, err = env.repo.GetOrder(ctx, unavailable.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
}

func TestVerifyAndComplete_GatewayStillPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.createOrder(t, alice, "")

	env.gw.On("Verify", mock.Anything, o.Reference).
		Return(&gateway.Verification{Reference: o.Reference, Status: gateway.StatusPending, Amount: dec(500)}, nil)

	got, err := env.svc.VerifyAndComplete(ctx, alice, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)

	stored, err := env.repo.GetOrder(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, stored.Status)
	assert.Empty(t, env.notifier.Anomalies())
}

func TestRepairTrackers_AfterLostSecondaryEffect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cart := []model.OrderItem{{Name: "next release", Quantity: 1, UnitPrice: dec(100)}}
	o := env.createOrder(t, alice, "pr-9")

	// заказ завершён, но процесс упал до продвижения трекера
	_, applied, err := env.repo.CompleteOrder(ctx, o.Reference, "card", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, applied)
	env.repo.SetCart(alice.ID, cart)

	// слишком свежий заказ не трогаем: вторичный эффект ещё может быть в пути
	env.svc.repairTrackers(ctx)
	tl, err := env.svc.GetTimeline(ctx, alice, "pr-9", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.StepPaymentPending, tl.CurrentStep)

	env.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	env.svc.repairTrackers(ctx)

	tl, err = env.svc.GetTimeline(ctx, alice, "pr-9", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.StepPaymentCompleted, tl.CurrentStep)
	assert.Equal(t, 1, countSteps(tl, model.StepPaymentCompleted))
	assert.Equal(t, cart, env.repo.Cart(alice.ID))

	behind, err := env.repo.ListCompletedOrdersBehindTracker(ctx,
		time.Now().UTC().Add(-24*time.Hour), time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, behind)
}

func TestStartPendingSweep_BlocksUntilCancel(t *testing.T) {
	env := newTestEnv(t)
	env.svc.opts.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.svc.StartPendingSweep(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sweep returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop after cancellation")
	}
}
