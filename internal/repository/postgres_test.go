package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPostgresConcurrentDebits(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()
	userID := "pg-" + uuid.NewString()
	now := time.Now().UTC()
	month := model.MonthStart(now)

	_, err := r.EnsureWallet(ctx, userID, decimal.NewFromInt(10000))
	require.NoError(t, err)
	_, _, err = r.UpdateWallet(ctx, userID, month, model.CreditMutation(model.LedgerEntry{
		UserID: userID, Amount: decimal.NewFromInt(100), Currency: model.CurrencyCredits, At: now,
	}))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.UpdateWallet(ctx, userID, month, model.DebitMutation(model.LedgerEntry{
				UserID: userID, Amount: decimal.NewFromInt(10), Currency: model.CurrencyCredits, At: time.Now().UTC(),
			}))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, model.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)

	w, err := r.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, w.Credits.IsZero(), "credits %s", w.Credits)

	usage, err := r.MonthlyUsage(ctx, userID, model.CurrencyCredits, month)
	require.NoError(t, err)
	assert.True(t, usage.Equal(decimal.NewFromInt(100)))
}

func TestPostgresCompleteOrderOnce(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()
	ref := uuid.NewString()

	require.NoError(t, r.CreateOrder(ctx, &model.Order{
		Reference:     ref,
		UserID:        "pg-user",
		Items:         []model.OrderItem{{Name: "slot", Quantity: 1, UnitPrice: decimal.NewFromInt(500)}},
		Summary:       model.OrderSummary{Subtotal: decimal.NewFromInt(500), Tax: decimal.Zero, Total: decimal.NewFromInt(500)},
		Status:        model.OrderPending,
		PaymentStatus: model.PaymentPending,
		CreatedAt:     time.Now().UTC(),
	}))

	_, applied, err := r.CompleteOrder(ctx, ref, "card", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	o, applied, err := r.CompleteOrder(ctx, ref, "card", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.OrderCompleted, o.Status)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "slot", o.Items[0].Name)
}

func TestPostgresTrackerHistory(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()
	itemID := uuid.NewString()

	for _, s := range []model.Step{model.StepInitiated, model.StepPaymentPending} {
		_, err := r.UpdateTracker(ctx, itemID, "pg-user", func(tr *model.ProgressTracker) error {
			return tr.Advance(model.StepEntry{Step: s, Timestamp: time.Now().UTC()}, "")
		})
		require.NoError(t, err)
	}

	tr, err := r.GetTracker(ctx, itemID, "pg-user")
	require.NoError(t, err)
	assert.Equal(t, model.StepPaymentPending, tr.CurrentStep)
	assert.Len(t, tr.History, 2)
}

func TestPostgresCompletedOrdersBehindTracker(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()
	ref := uuid.NewString()
	itemID := uuid.NewString()
	start := time.Now().UTC()

	require.NoError(t, r.CreateOrder(ctx, &model.Order{
		Reference:     ref,
		UserID:        "pg-user",
		Items:         []model.OrderItem{{Name: "slot", Quantity: 1, UnitPrice: decimal.NewFromInt(500)}},
		Summary:       model.OrderSummary{Subtotal: decimal.NewFromInt(500), Tax: decimal.Zero, Total: decimal.NewFromInt(500)},
		Status:        model.OrderPending,
		PaymentStatus: model.PaymentPending,
		LinkedItemID:  itemID,
		CreatedAt:     start,
	}))
	_, _, err := r.CompleteOrder(ctx, ref, "card", time.Now().UTC())
	require.NoError(t, err)

	behind := func() bool {
		orders, err := r.ListCompletedOrdersBehindTracker(ctx, start.Add(-time.Minute), time.Now().UTC().Add(time.Minute), 1000)
		require.NoError(t, err)
		for _, o := range orders {
			if o.Reference == ref {
				return true
			}
		}
		return false
	}
	assert.True(t, behind())

	for _, s := range []model.Step{model.StepInitiated, model.StepPaymentPending, model.StepPaymentCompleted} {
		_, err := r.UpdateTracker(ctx, itemID, "pg-user", func(tr *model.ProgressTracker) error {
			return tr.Advance(model.StepEntry{Step: s, Timestamp: time.Now().UTC()}, "")
		})
		require.NoError(t, err)
	}
	assert.False(t, behind())
}
