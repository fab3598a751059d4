package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

func TestMemoryUpdateWallet_ErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.EnsureWallet(ctx, "u1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = r.UpdateWallet(ctx, "u1", model.MonthStart(time.Now()), func(w *model.Wallet, _ decimal.Decimal) ([]model.Transaction, error) {
		w.Credits = decimal.NewFromInt(500)
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	w, err := r.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Credits.IsZero())
}

func TestMemoryUpdateWallet_RejectsNegative(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.EnsureWallet(ctx, "u1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, _, err = r.UpdateWallet(ctx, "u1", model.MonthStart(time.Now()), func(w *model.Wallet, _ decimal.Decimal) ([]model.Transaction, error) {
		w.Coins = decimal.NewFromInt(-1)
		return nil, nil
	})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
}

func TestMemoryMonthlyUsage(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.EnsureWallet(ctx, "u1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	now := time.Now().UTC()
	month := model.MonthStart(now)

	_, _, err = r.UpdateWallet(ctx, "u1", month, model.CreditMutation(model.LedgerEntry{
		UserID: "u1", Amount: decimal.NewFromInt(100), Currency: model.CurrencyCredits, At: now,
	}))
	require.NoError(t, err)
	_, _, err = r.UpdateWallet(ctx, "u1", month, model.DebitMutation(model.LedgerEntry{
		UserID: "u1", Amount: decimal.NewFromInt(30), Currency: model.CurrencyCredits, At: now,
	}))
	require.NoError(t, err)

	// запись прошлого месяца в лимит не входит
	r.transactions["u1"] = append(r.transactions["u1"], model.Transaction{
		UserID: "u1", Amount: decimal.NewFromInt(70), Type: model.TransactionDebit,
		Currency: model.CurrencyCredits, Status: model.TransactionCompleted, CreatedAt: month.Add(-time.Hour),
	})

	usage, err := r.MonthlyUsage(ctx, "u1", model.CurrencyCredits, month)
	require.NoError(t, err)
	assert.True(t, usage.Equal(decimal.NewFromInt(30)), "usage %s", usage)

	total, err := r.RecomputeTotalSpent(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(100)))

	txs, err := r.ListTransactions(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(70)))
}

func TestMemoryCompleteOrder_AppliesOnce(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	require.NoError(t, r.CreateOrder(ctx, &model.Order{
		Reference: "ref-1", UserID: "u1", Status: model.OrderPending, PaymentStatus: model.PaymentPending, CreatedAt: time.Now(),
	}))
	assert.ErrorIs(t, r.CreateOrder(ctx, &model.Order{Reference: "ref-1"}), model.ErrDuplicateReference)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.CompleteOrder(ctx, "ref-1", "card", time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)

	o, err := r.GetOrder(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, o.Status)
	assert.Equal(t, model.PaymentSuccessful, o.PaymentStatus)
	assert.NotNil(t, o.CompletedAt)

	_, ok, err := r.FailOrder(ctx, "ref-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryUpdateTracker_NotSavedWithoutHistory(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	_, err := r.UpdateTracker(ctx, "item", "u1", func(*model.ProgressTracker) error { return nil })
	require.NoError(t, err)

	_, err = r.GetTracker(ctx, "item", "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.UpdateTracker(ctx, "item", "u1", func(tr *model.ProgressTracker) error {
		return tr.Advance(model.StepEntry{Step: model.StepInitiated, Timestamp: time.Now()}, "")
	})
	require.NoError(t, err)

	tr, err := r.GetTracker(ctx, "item", "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StepInitiated, tr.CurrentStep)
}

func TestMemoryDecideConversion_MutationFailureKeepsRequest(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.EnsureWallet(ctx, "u1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	now := time.Now().UTC()
	month := model.MonthStart(now)
	_, _, err = r.UpdateWallet(ctx, "u1", month, model.CreditMutation(model.LedgerEntry{
		UserID: "u1", Amount: decimal.NewFromInt(50), Currency: model.CurrencyCredits, At: now,
	}))
	require.NoError(t, err)

	req := &model.ConversionRequest{ID: "c1", UserID: "u1", Amount: decimal.NewFromInt(50), Status: model.ConversionPending, RequestedAt: now}
	w, err := r.CreateConversion(ctx, req, month, model.EscrowMutation(model.LedgerEntry{
		UserID: "u1", Amount: req.Amount, At: now,
	}, req.ID))
	require.NoError(t, err)
	assert.True(t, w.Credits.IsZero())

	boom := errors.New("boom")
	_, err = r.DecideConversion(ctx, "c1", month, func(c *model.ConversionRequest) (model.WalletMutation, error) {
		c.Status = model.ConversionRejected
		return func(*model.Wallet, decimal.Decimal) ([]model.Transaction, error) { return nil, boom }, nil
	})
	assert.ErrorIs(t, err, boom)

	got, err := r.GetConversion(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversionPending, got.Status)

	list, err := r.ListConversions(ctx, model.ConversionFilter{Status: model.ConversionPending})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
